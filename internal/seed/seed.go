// Pool generation using layered simplex noise.
// Each location is placed on a ring and sampled on four independent noise
// layers (danger, wealth, intrigue, unrest); the samples decide how much and
// what kind of content the location gets.
package seed

import (
	"fmt"
	"math"
	"math/rand"
	"strings"

	opensimplex "github.com/ojrac/opensimplex-go"

	"github.com/talgya/gm-forge/internal/entity"
)

// Config holds pool generation parameters.
type Config struct {
	CampaignID string
	Seed       int64    // Random seed (0 = random)
	Locations  []string // Location ids; one content cluster per location
	Milestones []string // Milestone ids handed out to quests and events
	// Wanderers is how many location-independent entities to add.
	Wanderers int
}

// DefaultConfig returns a small demo campaign.
func DefaultConfig() Config {
	return Config{
		CampaignID: "demo",
		Seed:       42,
		Locations:  []string{"tavern", "market", "crypt", "forest-road", "keep"},
		Milestones: []string{"m1-arrival", "m2-the-missing-heir", "m3-siege"},
		Wanderers:  3,
	}
}

// sample is one location's noise readings, each in [0,1].
type sample struct {
	danger, wealth, intrigue, unrest float64
}

// Generate creates a two-tier pool. Equal configs with a non-zero seed
// always produce identical pools.
func Generate(cfg Config) *entity.Pool {
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Int63()
	}

	dangerNoise := opensimplex.NewNormalized(seed)
	wealthNoise := opensimplex.NewNormalized(seed + 1)
	intrigueNoise := opensimplex.NewNormalized(seed + 2)
	unrestNoise := opensimplex.NewNormalized(seed + 3)
	rng := rand.New(rand.NewSource(seed))

	g := &generator{
		pool:       entity.NewPool(cfg.CampaignID),
		rng:        rng,
		milestones: cfg.Milestones,
	}

	n := len(cfg.Locations)
	for i, loc := range cfg.Locations {
		// Spread locations on a ring so neighbours share some character.
		angle := 2 * math.Pi * float64(i) / float64(max(n, 1))
		x, y := 6*math.Cos(angle), 6*math.Sin(angle)
		s := sample{
			danger:   octaveNoise(dangerNoise, x, y, 3, 0.15, 0.5),
			wealth:   octaveNoise(wealthNoise, x, y, 3, 0.12, 0.5),
			intrigue: octaveNoise(intrigueNoise, x, y, 2, 0.10, 0.5),
			unrest:   octaveNoise(unrestNoise, x, y, 2, 0.10, 0.5),
		}
		g.location(slug(loc), s)
	}
	for i := 0; i < cfg.Wanderers; i++ {
		g.wanderer(i)
	}
	return g.pool
}

type generator struct {
	pool       *entity.Pool
	rng        *rand.Rand
	milestones []string
	nextMS     int
	seq        map[string]int
}

func (g *generator) id(loc string, t entity.Type) string {
	if g.seq == nil {
		g.seq = make(map[string]int)
	}
	key := loc + "/" + string(t)
	g.seq[key]++
	return fmt.Sprintf("%s-%s-%d", loc, strings.ReplaceAll(string(t), "_", "-"), g.seq[key])
}

func (g *generator) milestone() string {
	if len(g.milestones) == 0 {
		return ""
	}
	m := g.milestones[g.nextMS%len(g.milestones)]
	g.nextMS++
	return m
}

func (g *generator) add(e entity.Entity) {
	// Generated ids are unique and types are valid, so Upsert cannot fail.
	if err := g.pool.Upsert(e); err != nil {
		panic(fmt.Sprintf("seed: %v", err))
	}
}

func (g *generator) pick(list []string) string {
	return list[g.rng.Intn(len(list))]
}

func (g *generator) location(loc string, s sample) {
	themes := []string{moodFor(s)}
	if s.danger > 0.55 {
		themes = append(themes, "night")
	} else {
		themes = append(themes, "day")
	}

	// Enemies scale with danger; the most dangerous places get a boss.
	for i := 0; i < 1+int(s.danger*3); i++ {
		tier := tierFor(s.danger, i)
		id := g.id(loc, entity.TypeEnemy)
		g.add(entity.Entity{
			ID:             id,
			Type:           entity.TypeEnemy,
			Name:           strings.TrimSpace(g.pick(enemyAdjectives) + " " + g.pick(enemyNouns)),
			Description:    fmt.Sprintf("A %s foe lurking around the %s.", tier, loc),
			Availability:   true,
			RelevanceScore: round2(0.3 + 0.6*s.danger),
			LocationID:     loc,
			Themes:         themes,
			Enemy: &entity.EnemyStats{
				HealthPoints: 5 + int(s.danger*40) + g.rng.Intn(6),
				AttackPower:  1 + int(s.danger*8),
				Tier:         tier,
			},
		})
		if tier == "boss" {
			g.add(entity.Entity{
				ID:             g.id(loc, entity.TypeTrophyItem),
				Type:           entity.TypeTrophyItem,
				Name:           "Trophy of the " + g.pick(enemyNouns),
				Description:    "Proof of a hard-won victory.",
				RelevanceScore: round2(0.4 + 0.4*s.danger),
				LocationID:     loc,
				Item:           &entity.ItemDetails{Rarity: "rare", Value: 50 + int(s.wealth*200)},
			})
		}
	}

	for i := 0; i < 1+int(s.intrigue*2); i++ {
		g.add(entity.Entity{
			ID:             g.id(loc, entity.TypeNPC),
			Type:           entity.TypeNPC,
			Name:           g.pick(firstNames) + " the " + g.pick(npcRoles),
			Availability:   true,
			RelevanceScore: round2(0.3 + 0.5*s.intrigue),
			LocationID:     loc,
			Themes:         themes[:1],
			NPC:            &entity.NPCProfile{Role: g.pick(npcRoles), Disposition: dispositionFor(s)},
		})
	}

	for i := 0; i < 1+int(s.wealth*2); i++ {
		g.add(entity.Entity{
			ID:             g.id(loc, entity.TypeItem),
			Type:           entity.TypeItem,
			Name:           g.pick(itemAdjectives) + " " + g.pick(itemNouns),
			Availability:   true,
			RelevanceScore: round2(0.2 + 0.5*s.wealth),
			LocationID:     loc,
			Item:           &entity.ItemDetails{Rarity: rarityFor(s.wealth), Value: 5 + int(s.wealth*100)},
		})
	}

	if s.intrigue > 0.45 {
		reward := g.id(loc, entity.TypePracticalReward)
		g.add(entity.Entity{
			ID:             reward,
			Type:           entity.TypePracticalReward,
			Name:           fmt.Sprintf("Purse of %d gold", 20+int(s.wealth*80)),
			RelevanceScore: round2(0.3 + 0.3*s.wealth),
			LocationID:     loc,
			Item:           &entity.ItemDetails{Value: 20 + int(s.wealth*80)},
		})
		g.add(entity.Entity{
			ID:             g.id(loc, entity.TypeQuest),
			Type:           entity.TypeQuest,
			Name:           g.pick(questHooks) + " at the " + loc,
			Availability:   true,
			RelevanceScore: round2(0.4 + 0.5*s.intrigue),
			LocationID:     loc,
			Themes:         themes[:1],
			MilestoneID:    g.milestone(),
			Quest:          &entity.QuestDetails{Objective: g.pick(questObjectives), RewardIDs: []string{reward}},
		})
	}

	if s.unrest > 0.4 {
		g.add(entity.Entity{
			ID:             g.id(loc, entity.TypeEvent),
			Type:           entity.TypeEvent,
			Name:           g.pick(eventNames),
			Availability:   true,
			RelevanceScore: round2(0.3 + 0.6*s.unrest),
			LocationID:     loc,
			Themes:         themes,
			MilestoneID:    g.milestone(),
			Event:          &entity.EventDetails{Trigger: "arrival", Severity: 1 + int(s.unrest*4)},
		})
	}

	if s.wealth > 0.65 {
		g.add(entity.Entity{
			ID:             g.id(loc, entity.TypeMysteryItem),
			Type:           entity.TypeMysteryItem,
			Name:           "Sealed " + g.pick(itemNouns),
			Description:    "Nobody knows what is inside.",
			RelevanceScore: round2(0.2 + 0.4*s.wealth),
			LocationID:     loc,
			Item:           &entity.ItemDetails{Rarity: "unknown"},
		})
	}
}

// wanderer adds an entity that can turn up anywhere.
func (g *generator) wanderer(i int) {
	if i%2 == 0 {
		g.add(entity.Entity{
			ID:             g.id("road", entity.TypeEvent),
			Type:           entity.TypeEvent,
			Name:           g.pick(eventNames),
			Availability:   true,
			RelevanceScore: round2(0.3 + 0.4*g.rng.Float64()),
			Event:          &entity.EventDetails{Trigger: "travel", Severity: 1 + g.rng.Intn(3)},
		})
		return
	}
	g.add(entity.Entity{
		ID:             g.id("road", entity.TypeNPC),
		Type:           entity.TypeNPC,
		Name:           g.pick(firstNames) + " the Wanderer",
		Availability:   true,
		RelevanceScore: round2(0.3 + 0.4*g.rng.Float64()),
		NPC:            &entity.NPCProfile{Role: "traveller", Disposition: "curious"},
	})
}

func moodFor(s sample) string {
	switch {
	case s.danger > 0.6:
		return "tense"
	case s.unrest > 0.6:
		return "grim"
	case s.intrigue > 0.55:
		return "mysterious"
	}
	return "cheerful"
}

func tierFor(danger float64, i int) string {
	switch {
	case danger > 0.7 && i == 0:
		return "boss"
	case danger > 0.45:
		return "elite"
	}
	return "minion"
}

func rarityFor(wealth float64) string {
	switch {
	case wealth > 0.75:
		return "rare"
	case wealth > 0.45:
		return "uncommon"
	}
	return "common"
}

func dispositionFor(s sample) string {
	switch {
	case s.unrest > 0.6:
		return "hostile"
	case s.intrigue > 0.6:
		return "secretive"
	}
	return "friendly"
}

// octaveNoise generates fractal noise by layering multiple frequencies.
func octaveNoise(noise opensimplex.Noise, x, y float64, octaves int, frequency, persistence float64) float64 {
	total := 0.0
	amplitude := 1.0
	maxVal := 0.0

	for i := 0; i < octaves; i++ {
		total += noise.Eval2(x*frequency, y*frequency) * amplitude
		maxVal += amplitude
		amplitude *= persistence
		frequency *= 2
	}

	return total / maxVal
}

func round2(v float64) float64 {
	return math.Round(math.Min(math.Max(v, 0), 1)*100) / 100
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(s), "-")
}

var (
	enemyAdjectives = []string{"Feral", "Hollow", "Ashen", "Starving", "Cursed", "Ragged"}
	enemyNouns      = []string{"Ghoul", "Bandit", "Wolf", "Cultist", "Rat King", "Wight"}
	firstNames      = []string{"Aldric", "Brenna", "Corwin", "Della", "Emeric", "Fenna", "Gideon", "Hesper"}
	npcRoles        = []string{"innkeeper", "smith", "priest", "fence", "guard captain", "herbalist"}
	itemAdjectives  = []string{"Rusty", "Gilded", "Cracked", "Runed", "Worn", "Polished"}
	itemNouns       = []string{"Key", "Lantern", "Dagger", "Amulet", "Map", "Ring"}
	questHooks      = []string{"Trouble brewing", "A debt unpaid", "Whispers below", "The lost caravan"}
	questObjectives = []string{"find the missing courier", "recover the stolen ledger", "escort the pilgrim", "clear the cellar"}
	eventNames      = []string{"Sudden storm", "Market brawl", "Tolling bells", "Ambush at dusk", "Eclipse"}
)
