package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/talgya/gm-forge/internal/entity"
	"github.com/talgya/gm-forge/internal/llm"
	"github.com/talgya/gm-forge/internal/resilience"
	"github.com/talgya/gm-forge/internal/tactics"
)

// TriggerType says what kind of action started a chain.
type TriggerType string

const (
	TriggerPlayerAction TriggerType = "player_action"
	TriggerGMPrompt     TriggerType = "gm_prompt"
	TriggerCombat       TriggerType = "combat"
	TriggerExploration  TriggerType = "exploration"
	TriggerDialogue     TriggerType = "dialogue"
	TriggerSceneChange  TriggerType = "scene_change"
)

func (t TriggerType) Valid() bool {
	switch t {
	case TriggerPlayerAction, TriggerGMPrompt, TriggerCombat, TriggerExploration, TriggerDialogue, TriggerSceneChange:
		return true
	}
	return false
}

// MaxPlayerMessageLen bounds the free-text message.
const MaxPlayerMessageLen = 4000

// TriggerContext carries optional scene details from the client. Fields set
// here override what the session store knows.
type TriggerContext struct {
	CampaignID    string   `json:"campaignId,omitempty"`
	TimeOfDay     string   `json:"timeOfDay,omitempty"`
	Mood          string   `json:"mood,omitempty"`
	RecentActions []string `json:"recentActions,omitempty"`
}

// Request is one trigger.
type Request struct {
	SessionID         string         `json:"sessionId"`
	PlayerMessage     string         `json:"playerMessage"`
	CurrentLocationID string         `json:"currentLocationId,omitempty"`
	Participants      []string       `json:"participants"`
	TriggerType       TriggerType    `json:"triggerType"`
	Context           TriggerContext `json:"context"`
}

// FieldError is one rejected request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every problem with a request.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return "invalid trigger request: " + strings.Join(parts, "; ")
}

// Validate checks required fields.
func (r Request) Validate() error {
	var fields []FieldError
	if strings.TrimSpace(r.SessionID) == "" {
		fields = append(fields, FieldError{"sessionId", "is required"})
	}
	msg := strings.TrimSpace(r.PlayerMessage)
	switch {
	case msg == "":
		fields = append(fields, FieldError{"playerMessage", "is required"})
	case len(msg) > MaxPlayerMessageLen:
		fields = append(fields, FieldError{"playerMessage", fmt.Sprintf("must be at most %d characters", MaxPlayerMessageLen)})
	}
	if !r.TriggerType.Valid() {
		fields = append(fields, FieldError{"triggerType", fmt.Sprintf("unknown trigger type %q", r.TriggerType)})
	}
	for i, p := range r.Participants {
		if strings.TrimSpace(p) == "" {
			fields = append(fields, FieldError{fmt.Sprintf("participants[%d]", i), "must not be blank"})
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// Step names a state of the chain.
type Step string

const (
	StepStart         Step = "start"
	StepLoadTactics   Step = "load_tactics"
	StepQueryEntities Step = "query_entities"
	StepNarration     Step = "call_narration_backend"
	StepAssemble      Step = "assemble_result"
	StepLog           Step = "log"
	StepDone          Step = "done"
	StepError         Step = "error"
)

// StepRecord is how one step went.
type StepRecord struct {
	Step       Step   `json:"step"`
	Status     string `json:"status"`
	DurationMs int64  `json:"durationMs"`
	Note       string `json:"note,omitempty"`
}

// GMResponse is what the moderator reads.
type GMResponse struct {
	Message        string           `json:"message"`
	Suggestions    []string         `json:"suggestions"`
	AppliedTactics tactics.Settings `json:"appliedTactics"`
	Confidence     float64          `json:"confidence"`
}

// AvailableEntity is one entity considered for the scene.
type AvailableEntity struct {
	ID             string      `json:"id"`
	Type           entity.Type `json:"type"`
	Name           string      `json:"name"`
	RelevanceScore float64     `json:"relevanceScore"`
	Timing         string      `json:"timing"`
}

// PartyStatus summarizes who is present.
type PartyStatus struct {
	Members    []string            `json:"members"`
	Size       int                 `json:"size"`
	Characters []tactics.Character `json:"characters,omitempty"`
}

// EnvironmentalFactors is the scene the narration was grounded in.
type EnvironmentalFactors struct {
	LocationID       string   `json:"locationId,omitempty"`
	TimeOfDay        string   `json:"timeOfDay,omitempty"`
	Mood             string   `json:"mood,omitempty"`
	ActiveMilestones []string `json:"activeMilestones"`
}

// ContextAnalysis explains what the chain looked at. Degradations lists the
// soft dependencies that failed and what was used instead.
type ContextAnalysis struct {
	AvailableEntities    []AvailableEntity    `json:"availableEntities"`
	PartyStatus          PartyStatus          `json:"partyStatus"`
	EnvironmentalFactors EnvironmentalFactors `json:"environmentalFactors"`
	Degradations         []string             `json:"degradations,omitempty"`
}

// ExecutionInfo is timing and bookkeeping.
type ExecutionInfo struct {
	TriggeredAt       time.Time    `json:"triggeredAt"`
	ProcessingTimeMs  int64        `json:"processingTimeMs"`
	EntitiesProcessed int          `json:"entitiesProcessed"`
	Steps             []StepRecord `json:"steps"`
}

// Metadata records which narration providers were used.
type Metadata struct {
	AttemptedProviders []string  `json:"attemptedProviders"`
	SuccessfulProvider string    `json:"successfulProvider"`
	Model              string    `json:"model,omitempty"`
	Usage              llm.Usage `json:"usage"`
}

// ChainResult is built once per trigger and never changed afterwards.
type ChainResult struct {
	ChainID         string          `json:"chainId"`
	GMResponse      GMResponse      `json:"gmResponse"`
	ContextAnalysis ContextAnalysis `json:"contextAnalysis"`
	ExecutionInfo   ExecutionInfo   `json:"executionInfo"`
	NextActions     []string        `json:"nextActions"`
	Metadata        Metadata        `json:"metadata"`
}

// ErrorKind classifies chain failures.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindProvider    ErrorKind = "provider"
	KindCircuitOpen ErrorKind = "circuit_open"
	KindCanceled    ErrorKind = "canceled"
	KindTimeout     ErrorKind = "timeout"
)

// ChainError is the only error Trigger returns.
type ChainError struct {
	ChainID         string               `json:"chainId,omitempty"`
	Kind            ErrorKind            `json:"kind"`
	Step            Step                 `json:"step"`
	FailedProviders []resilience.Failure `json:"failedProviders,omitempty"`
	Err             error                `json:"-"`
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("trigger chain %s failed at %s (%s): %v", e.ChainID, e.Step, e.Kind, e.Err)
}

func (e *ChainError) Unwrap() error { return e.Err }

// Validation returns the field errors when Kind is validation.
func (e *ChainError) Validation() (*ValidationError, bool) {
	var v *ValidationError
	ok := errors.As(e.Err, &v)
	return v, ok
}
