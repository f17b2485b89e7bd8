package entity

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const legacyPoolJSON = `{
  "entities": {
    "enemy": [{"id": "e1", "name": "Wolf", "availability": true, "enemy": {"healthPoints": 12, "attackPower": 3}}],
    "items": [{"id": "i1", "name": "Rope", "availability": true}, {"id": "i2", "name": "Lantern"}]
  }
}`

const twoTierPoolJSON = `{
  "coreEntities": {
    "enemy": [{"id": "e1", "type": "enemy", "name": "Wolf", "availability": true, "enemy": {"healthPoints": 12, "attackPower": 3}}],
    "item": [{"id": "i1", "type": "item", "name": "Rope", "availability": true}, {"id": "i2", "type": "item", "name": "Lantern"}]
  },
  "bonusEntities": {}
}`

func TestDetectShape(t *testing.T) {
	shape, err := DetectShape([]byte(legacyPoolJSON))
	if err != nil || shape != ShapeLegacyFlat {
		t.Fatalf("legacy: shape=%v err=%v", shape, err)
	}
	shape, err = DetectShape([]byte(twoTierPoolJSON))
	if err != nil || shape != ShapeTwoTier {
		t.Fatalf("two-tier: shape=%v err=%v", shape, err)
	}
}

func TestDecodePool_LegacyEquivalentToTwoTier(t *testing.T) {
	legacy, err := DecodePool("c1", []byte(legacyPoolJSON))
	if err != nil {
		t.Fatalf("decode legacy: %v", err)
	}
	twoTier, err := DecodePool("c1", []byte(twoTierPoolJSON))
	if err != nil {
		t.Fatalf("decode two-tier: %v", err)
	}

	if diff := cmp.Diff(twoTier.CountByType(), legacy.CountByType()); diff != "" {
		t.Fatalf("countByType mismatch (-two-tier +legacy):\n%s", diff)
	}
	if diff := cmp.Diff(twoTier.All(), legacy.All()); diff != "" {
		t.Fatalf("entities mismatch (-two-tier +legacy):\n%s", diff)
	}
	if len(legacy.Bonus) != 0 {
		t.Fatalf("legacy pool should have an empty bonus layer, got %v", legacy.Bonus)
	}
}

func TestEncodePool_RoundTrip(t *testing.T) {
	p := NewPool("c1")
	for _, e := range []Entity{
		{ID: "q1", Type: TypeQuest, Name: "Find the key", Quest: &QuestDetails{Objective: "key", RewardIDs: []string{"r1"}}},
		{ID: "r1", Type: TypePracticalReward, Name: "Potion", Item: &ItemDetails{Rarity: "common"}},
	} {
		if err := p.Upsert(e); err != nil {
			t.Fatal(err)
		}
	}

	raw, err := EncodePool(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := DecodePool("c1", raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(p.All(), back.All()); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	again, err := EncodePool(back)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw, again) {
		t.Fatalf("encoding is not stable:\n%s\n%s", raw, again)
	}
}

func TestDecodePool_Empty(t *testing.T) {
	p, err := DecodePool("c1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.Len() != 0 {
		t.Fatalf("expected empty pool, got %d entities", p.Len())
	}
}

func TestDecodePool_FilesByDeclaredType(t *testing.T) {
	raw := `{"entities": {"enemy": [{"id": "e1", "type": "enemy", "name": "Wolf"}, {"id": "n1", "type": "npc", "name": "Hermit"}]}}`
	p, err := DecodePool("c1", []byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := map[Type]int{TypeEnemy: 1, TypeNPC: 1}
	if diff := cmp.Diff(want, p.CountByType()); diff != "" {
		t.Fatalf("countByType (-want +got):\n%s", diff)
	}
	if got := p.OfType(TypeNPC); len(got) != 1 || got[0].ID != "n1" {
		t.Fatalf("npcs = %+v", got)
	}
}

func TestDecodePool_RejectsInconsistentDocuments(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{
			name: "duplicate id in legacy map",
			raw:  `{"entities": {"enemy": [{"id": "x1", "name": "Wolf"}], "item": [{"id": "x1", "name": "Rope"}]}}`,
			want: ErrDuplicateID,
		},
		{
			name: "duplicate id across layers",
			raw:  `{"coreEntities": {"item": [{"id": "x1", "name": "Rope"}]}, "bonusEntities": {"mystery_item": [{"id": "x1", "name": "Orb"}]}}`,
			want: ErrDuplicateID,
		},
		{
			name: "bonus type stored in core layer",
			raw:  `{"coreEntities": {"item": [{"id": "m1", "type": "mystery_item", "name": "Orb"}]}, "bonusEntities": {}}`,
			want: ErrLayerChange,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePool("c1", []byte(tt.raw))
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}
