package entity

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseType(t *testing.T) {
	cases := []struct {
		in   string
		want Type
	}{
		{"item", TypeItem},
		{" NPC ", TypeNPC},
		{"npcs", TypeNPC},
		{"enemies", TypeEnemy},
		{"practical-rewards", TypePracticalReward},
		{"trophy_item", TypeTrophyItem},
		{"mystery-items", TypeMysteryItem},
	}
	for _, tc := range cases {
		got, err := ParseType(tc.in)
		if err != nil {
			t.Fatalf("ParseType(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseType(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	if _, err := ParseType("dragon"); !errors.Is(err, ErrInvalidType) {
		t.Fatalf("expected ErrInvalidType, got %v", err)
	}
}

func TestTypeCategory(t *testing.T) {
	for _, ty := range CoreTypes {
		if ty.Category() != CategoryCore {
			t.Fatalf("%s should be core", ty)
		}
	}
	for _, ty := range BonusTypes {
		if ty.Category() != CategoryBonus {
			t.Fatalf("%s should be bonus", ty)
		}
	}
}

func TestPool_UpsertPreservesInsertionOrder(t *testing.T) {
	p := NewPool("c1")
	for _, id := range []string{"a", "b", "c"} {
		if err := p.Upsert(Entity{ID: id, Type: TypeItem, Name: id}); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	// Replacing keeps the slot.
	if err := p.Upsert(Entity{ID: "a", Type: TypeItem, Name: "renamed"}); err != nil {
		t.Fatalf("replace: %v", err)
	}

	got := p.Entities(CategoryCore, TypeItem)
	var ids []string
	for _, e := range got {
		ids = append(ids, e.ID)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, ids); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	if got[0].Name != "renamed" {
		t.Fatalf("expected replaced name, got %q", got[0].Name)
	}
	if got[0].Status != StatusUndiscovered {
		t.Fatalf("expected default status, got %q", got[0].Status)
	}
}

func TestPool_BonusTypesGoToBonusLayer(t *testing.T) {
	p := NewPool("c1")
	if err := p.Upsert(Entity{ID: "t1", Type: TypeTrophyItem}); err != nil {
		t.Fatal(err)
	}
	if len(p.Entities(CategoryBonus, TypeTrophyItem)) != 1 {
		t.Fatal("trophy should live in bonus layer")
	}
	if len(p.Entities(CategoryCore, TypeTrophyItem)) != 0 {
		t.Fatal("trophy leaked into core layer")
	}
}

func TestPool_RejectsLayerChange(t *testing.T) {
	p := NewPool("c1")
	if err := p.Upsert(Entity{ID: "x", Type: TypeItem}); err != nil {
		t.Fatal(err)
	}
	err := p.Upsert(Entity{ID: "x", Type: TypeTrophyItem})
	if !errors.Is(err, ErrLayerChange) {
		t.Fatalf("expected ErrLayerChange, got %v", err)
	}
}

func TestPool_StatusOnlyMovesForward(t *testing.T) {
	p := NewPool("c1")
	if err := p.Upsert(Entity{ID: "q", Type: TypeQuest, Status: StatusDiscovered}); err != nil {
		t.Fatal(err)
	}
	if err := p.Upsert(Entity{ID: "q", Type: TypeQuest, Status: StatusConsumed}); err != nil {
		t.Fatalf("forward transition rejected: %v", err)
	}
	err := p.Upsert(Entity{ID: "q", Type: TypeQuest, Status: StatusDiscovered})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestPool_EntitiesAreCopies(t *testing.T) {
	p := NewPool("c1")
	if err := p.Upsert(Entity{ID: "n", Type: TypeNPC, Themes: []string{"tense"}, NPC: &NPCProfile{Role: "guard"}}); err != nil {
		t.Fatal(err)
	}
	got := p.Entities(CategoryCore, TypeNPC)
	got[0].Themes[0] = "mutated"
	got[0].NPC.Role = "mutated"

	again := p.Entities(CategoryCore, TypeNPC)
	if again[0].Themes[0] != "tense" || again[0].NPC.Role != "guard" {
		t.Fatal("pool storage was aliased by returned entities")
	}
}

func TestPool_CountByType(t *testing.T) {
	p := NewPool("c1")
	upserts := []Entity{
		{ID: "e1", Type: TypeEnemy},
		{ID: "e2", Type: TypeEnemy},
		{ID: "i1", Type: TypeItem},
		{ID: "m1", Type: TypeMysteryItem},
	}
	for _, e := range upserts {
		if err := p.Upsert(e); err != nil {
			t.Fatal(err)
		}
	}
	want := map[Type]int{TypeEnemy: 2, TypeItem: 1, TypeMysteryItem: 1}
	if diff := cmp.Diff(want, p.CountByType()); diff != "" {
		t.Fatalf("counts mismatch (-want +got):\n%s", diff)
	}
	if p.Len() != 4 {
		t.Fatalf("Len = %d, want 4", p.Len())
	}
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusUndiscovered, StatusDiscovered, true},
		{StatusUndiscovered, StatusConsumed, true},
		{StatusDiscovered, StatusConsumed, true},
		{StatusConsumed, StatusConsumed, true},
		{StatusConsumed, StatusUndiscovered, false},
		{StatusDiscovered, "lost", false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}
