package seed

import (
	"bytes"
	"testing"

	"github.com/talgya/gm-forge/internal/entity"
)

func TestGenerate_Deterministic(t *testing.T) {
	cfg := DefaultConfig()
	a, err := entity.EncodePool(Generate(cfg))
	if err != nil {
		t.Fatal(err)
	}
	b, err := entity.EncodePool(Generate(cfg))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("same seed produced different pools")
	}

	cfg.Seed = 7
	c, _ := entity.EncodePool(Generate(cfg))
	if bytes.Equal(a, c) {
		t.Fatal("different seeds produced identical pools")
	}
}

func TestGenerate_ValidPool(t *testing.T) {
	cfg := DefaultConfig()
	p := Generate(cfg)

	if p.ID != cfg.CampaignID {
		t.Fatalf("pool id = %q", p.ID)
	}
	seen := map[string]bool{}
	locations := map[string]bool{}
	for _, e := range p.All() {
		if seen[e.ID] {
			t.Fatalf("duplicate id %s", e.ID)
		}
		seen[e.ID] = true
		if _, err := e.Normalize(); err != nil {
			t.Fatalf("invalid entity %s: %v", e.ID, err)
		}
		if e.RelevanceScore < 0 || e.RelevanceScore > 1 {
			t.Fatalf("%s score out of range: %v", e.ID, e.RelevanceScore)
		}
		locations[e.LocationID] = true
	}
	for _, loc := range cfg.Locations {
		if !locations[loc] {
			t.Errorf("location %s got no content", loc)
		}
	}
	if !locations[""] {
		t.Error("expected location-independent wanderers")
	}

	counts := p.CountByType()
	for _, typ := range []entity.Type{entity.TypeEnemy, entity.TypeNPC, entity.TypeItem} {
		if counts[typ] < len(cfg.Locations) {
			t.Errorf("%s count = %d, want at least one per location", typ, counts[typ])
		}
	}
	for typ, list := range p.Bonus {
		if typ.Category() != entity.CategoryBonus {
			t.Fatalf("%s filed in the bonus layer", typ)
		}
		for _, e := range list {
			if e.Availability {
				t.Errorf("bonus entity %s should start unavailable", e.ID)
			}
		}
	}
}

func TestGenerate_QuestRewardsExist(t *testing.T) {
	p := Generate(DefaultConfig())
	for _, q := range p.OfType(entity.TypeQuest) {
		for _, id := range q.Quest.RewardIDs {
			if _, _, ok := p.Find(id); !ok {
				t.Fatalf("quest %s references missing reward %s", q.ID, id)
			}
		}
	}
}
