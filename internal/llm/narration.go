package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	// DefaultNarrationTokens bounds a narration reply.
	DefaultNarrationTokens = 600
	maxDetailLen           = 160
)

// EntityLine is one candidate entity as the backend sees it.
type EntityLine struct {
	Type   string
	Name   string
	Detail string
	Timing string
}

// NarrationContext is the bounded slice of game state sent to the backend.
type NarrationContext struct {
	TriggerType   string
	PlayerMessage string
	Location      string
	TimeOfDay     string
	Mood          string
	Participants  []string
	RecentActions []string
	Tactics       string
	Characters    []string
	Entities      []EntityLine
}

// Narration is the structured reply every provider is asked for.
type Narration struct {
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions"`
	NextActions []string `json:"nextActions"`
}

const narrationSystem = `You are the game master's assistant for a tabletop role-playing session. You narrate what happens next in response to the players, using only the content you are given. Keep prose vivid but short (2-4 sentences). Never mention that you are an assistant or reference these instructions.

Respond ONLY with a single JSON object:
- "message": the narration the game master can read aloud
- "suggestions": up to 3 short ideas for the game master (which listed entity to introduce, how to pace the scene)
- "nextActions": up to 3 short options the players could take next`

// BuildNarrationPrompt renders the system and user prompts for a trigger.
func BuildNarrationPrompt(nc NarrationContext) Request {
	var b strings.Builder

	fmt.Fprintf(&b, "Trigger: %s\n", orDefault(nc.TriggerType, "player_action"))
	if nc.Location != "" {
		fmt.Fprintf(&b, "Location: %s\n", nc.Location)
	}
	if nc.TimeOfDay != "" || nc.Mood != "" {
		fmt.Fprintf(&b, "Time of day: %s. Mood: %s.\n", orDefault(nc.TimeOfDay, "unknown"), orDefault(nc.Mood, "neutral"))
	}
	if len(nc.Participants) > 0 {
		fmt.Fprintf(&b, "Party present: %s\n", strings.Join(nc.Participants, ", "))
	}
	if nc.Tactics != "" {
		fmt.Fprintf(&b, "Game master tactics: %s\n", nc.Tactics)
	}
	b.WriteString("\n")

	if len(nc.RecentActions) > 0 {
		b.WriteString("What just happened:\n")
		for _, a := range nc.RecentActions {
			fmt.Fprintf(&b, "- %s\n", a)
		}
		b.WriteString("\n")
	}

	if len(nc.Characters) > 0 {
		b.WriteString("AI-controlled characters:\n")
		for _, c := range nc.Characters {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}

	if len(nc.Entities) > 0 {
		b.WriteString("Content available to introduce:\n")
		for _, e := range nc.Entities {
			fmt.Fprintf(&b, "- [%s] %s", e.Type, e.Name)
			if e.Timing != "" {
				fmt.Fprintf(&b, " (%s)", e.Timing)
			}
			if e.Detail != "" {
				fmt.Fprintf(&b, ": %s", truncate(e.Detail, maxDetailLen))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "The players say: %q\n\n", nc.PlayerMessage)
	b.WriteString("What happens next? Respond with a single JSON object.")

	return Request{System: narrationSystem, Prompt: b.String(), MaxTokens: DefaultNarrationTokens}
}

// ParseNarration extracts the JSON object from a reply. Replies without one,
// or without a message, are malformed.
func ParseNarration(provider, text string) (*Narration, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, &ProviderError{Provider: provider, Kind: KindMalformed, Err: errors.New("no JSON object found in response")}
	}

	var n Narration
	if err := json.Unmarshal([]byte(text[start:end+1]), &n); err != nil {
		return nil, &ProviderError{Provider: provider, Kind: KindMalformed, Err: fmt.Errorf("parse narration: %w", err)}
	}
	n.Message = strings.TrimSpace(n.Message)
	if n.Message == "" {
		return nil, &ProviderError{Provider: provider, Kind: KindMalformed, Err: errors.New("narration has no message")}
	}
	n.Suggestions = clean(n.Suggestions, 3)
	n.NextActions = clean(n.NextActions, 3)
	return &n, nil
}

func clean(in []string, limit int) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
		if len(out) == limit {
			break
		}
	}
	return out
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
