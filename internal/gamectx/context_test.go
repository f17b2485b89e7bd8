package gamectx

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func sampleSession() *SessionState {
	return &SessionState{
		SessionID:      "s1",
		CampaignID:     "c1",
		LocationID:     "tavern",
		TimeOfDay:      "Night",
		Mood:           " Tense ",
		PartyMemberIDs: []string{"p2", "p1", "p2"},
		RecentActions:  []string{"opened the door", "", "drew a sword"},
	}
}

func sampleCampaign() *CampaignState {
	return &CampaignState{
		CampaignID:       "c1",
		ActiveMilestones: []string{"m2", "m1"},
	}
}

func TestBuild_Deterministic(t *testing.T) {
	a := Build(sampleSession(), sampleCampaign())

	// Same state, different slice ordering for sets.
	s := sampleSession()
	s.PartyMemberIDs = []string{"p1", "p2"}
	c := sampleCampaign()
	c.ActiveMilestones = []string{"m1", "m2"}
	b := Build(s, c)

	if !bytes.Equal(a.Serialize(), b.Serialize()) {
		t.Fatalf("serializations differ:\n%s\n%s", a.Serialize(), b.Serialize())
	}
	if a.Hash() != b.Hash() {
		t.Fatal("hashes differ for equal state")
	}
}

func TestBuild_NormalizesFields(t *testing.T) {
	c := Build(sampleSession(), sampleCampaign())

	if c.Mood() != "tense" || c.TimeOfDay() != "night" {
		t.Fatalf("mood=%q timeOfDay=%q", c.Mood(), c.TimeOfDay())
	}
	if diff := cmp.Diff([]string{"p1", "p2"}, c.PartyMemberIDs()); diff != "" {
		t.Fatalf("party (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"opened the door", "drew a sword"}, c.RecentActions()); diff != "" {
		t.Fatalf("actions (-want +got):\n%s", diff)
	}
	if !c.MilestoneActive("m1") || c.MilestoneActive("m3") {
		t.Fatal("milestone lookup wrong")
	}
}

func TestBuild_MissingInputsGiveEmpty(t *testing.T) {
	cases := []GameContext{
		Build(nil, sampleCampaign()),
		Build(sampleSession(), nil),
		Build(&SessionState{}, &CampaignState{CampaignID: "c1"}),
	}
	for i, c := range cases {
		if !c.IsEmpty() {
			t.Fatalf("case %d: expected empty context", i)
		}
		if !bytes.Equal(c.Serialize(), Empty().Serialize()) {
			t.Fatalf("case %d: empty contexts should serialize identically", i)
		}
	}
}

func TestGameContext_AccessorsReturnCopies(t *testing.T) {
	c := Build(sampleSession(), sampleCampaign())
	party := c.PartyMemberIDs()
	party[0] = "mutated"
	if c.PartyMemberIDs()[0] != "p1" {
		t.Fatal("context was mutated through accessor")
	}
}

func TestBuild_CapsRecentActions(t *testing.T) {
	s := sampleSession()
	s.RecentActions = nil
	for i := 0; i < MaxRecentActions+5; i++ {
		s.RecentActions = append(s.RecentActions, string(rune('a'+i)))
	}
	c := Build(s, sampleCampaign())
	got := c.RecentActions()
	if len(got) != MaxRecentActions {
		t.Fatalf("len = %d, want %d", len(got), MaxRecentActions)
	}
	if got[len(got)-1] != s.RecentActions[len(s.RecentActions)-1] {
		t.Fatal("newest action should be kept")
	}
}

func TestSurfacedRank(t *testing.T) {
	s := sampleSession()
	s.Surfaced = []string{"a", "b", "c"}
	c := Build(s, sampleCampaign())
	if r := c.SurfacedRank("c"); r != 0 {
		t.Fatalf("c rank = %d, want 0", r)
	}
	if r := c.SurfacedRank("a"); r != 2 {
		t.Fatalf("a rank = %d, want 2", r)
	}
	if r := c.SurfacedRank("z"); r != -1 {
		t.Fatalf("z rank = %d, want -1", r)
	}
}

func TestStateStore_CampaignChangeFiresHooks(t *testing.T) {
	st := NewStateStore()
	var fired []string
	st.OnCampaignChange(func(id string) { fired = append(fired, id) })

	first, err := st.PutCampaign(CampaignState{CampaignID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	second, _ := st.PutCampaign(CampaignState{CampaignID: "c1", ActiveMilestones: []string{"m1"}})
	if first.Revision != 1 || second.Revision != 2 {
		t.Fatalf("revisions = %d, %d", first.Revision, second.Revision)
	}
	if diff := cmp.Diff([]string{"c1", "c1"}, fired); diff != "" {
		t.Fatalf("hooks (-want +got):\n%s", diff)
	}
}

func TestStateStore_ContextAndSurfacing(t *testing.T) {
	st := NewStateStore()
	if err := st.PutSession(*sampleSession()); err != nil {
		t.Fatal(err)
	}
	if _, err := st.PutCampaign(*sampleCampaign()); err != nil {
		t.Fatal(err)
	}
	if err := st.RecordAction("s1", "lit a torch"); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkSurfaced("s1", "e1", "e2", "e1"); err != nil {
		t.Fatal(err)
	}

	c := st.Context(context.Background(), "s1")
	if c.IsEmpty() {
		t.Fatal("expected populated context")
	}
	if diff := cmp.Diff([]string{"e2", "e1"}, c.Surfaced()); diff != "" {
		t.Fatalf("surfaced (-want +got):\n%s", diff)
	}
	actions := c.RecentActions()
	if actions[len(actions)-1] != "lit a torch" {
		t.Fatalf("last action = %q", actions[len(actions)-1])
	}

	if !st.Context(context.Background(), "missing").IsEmpty() {
		t.Fatal("unknown session should give empty context")
	}
}
