package entity

import (
	"fmt"
	"time"
)

// Pool is the canonical in-memory two-tier entity collection for one campaign.
// Within a type, entities keep their insertion order; ids are unique across
// both layers.
type Pool struct {
	ID        string
	Core      map[Type][]Entity
	Bonus     map[Type][]Entity
	UpdatedAt time.Time
}

// NewPool creates an empty pool.
func NewPool(id string) *Pool {
	return &Pool{
		ID:    id,
		Core:  make(map[Type][]Entity),
		Bonus: make(map[Type][]Entity),
	}
}

func (p *Pool) layer(c Category) map[Type][]Entity {
	if c == CategoryBonus {
		if p.Bonus == nil {
			p.Bonus = make(map[Type][]Entity)
		}
		return p.Bonus
	}
	if p.Core == nil {
		p.Core = make(map[Type][]Entity)
	}
	return p.Core
}

// Entities returns copies of the entities of one type in one layer.
func (p *Pool) Entities(c Category, t Type) []Entity {
	if p == nil {
		return nil
	}
	src := p.layer(c)[t]
	out := make([]Entity, len(src))
	for i, e := range src {
		out[i] = e.Clone()
	}
	return out
}

// OfType returns copies of all entities of a type, core layer first.
func (p *Pool) OfType(t Type) []Entity {
	out := p.Entities(CategoryCore, t)
	return append(out, p.Entities(CategoryBonus, t)...)
}

// All returns every entity in canonical type order, core layer first.
func (p *Pool) All() []Entity {
	var out []Entity
	for _, t := range AllTypes() {
		out = append(out, p.OfType(t)...)
	}
	return out
}

// Find locates an entity by id.
func (p *Pool) Find(id string) (Entity, Category, bool) {
	if p == nil {
		return Entity{}, "", false
	}
	for _, c := range []Category{CategoryCore, CategoryBonus} {
		for _, list := range p.layer(c) {
			for _, e := range list {
				if e.ID == id {
					return e.Clone(), c, true
				}
			}
		}
	}
	return Entity{}, "", false
}

// Upsert inserts a new entity into the layer its type belongs to, or replaces
// an existing one in place. Replacements may not change the entity's layer or
// move its status backwards.
func (p *Pool) Upsert(e Entity) error {
	e, err := e.Normalize()
	if err != nil {
		return err
	}

	prev, prevCat, exists := p.Find(e.ID)
	if !exists {
		layer := p.layer(e.Type.Category())
		layer[e.Type] = append(layer[e.Type], e.Clone())
		return nil
	}

	if e.Type.Category() != prevCat && prev.Type.Category() == prevCat {
		return fmt.Errorf("%w: %s is %s", ErrLayerChange, e.ID, prevCat)
	}
	if !prev.Status.CanTransition(e.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Status, e.Status)
	}

	layer := p.layer(prevCat)
	if prev.Type != e.Type {
		// Same layer, different type: keep the id but re-file it.
		layer[prev.Type] = removeByID(layer[prev.Type], e.ID)
		layer[e.Type] = append(layer[e.Type], e.Clone())
		return nil
	}
	for i := range layer[e.Type] {
		if layer[e.Type][i].ID == e.ID {
			layer[e.Type][i] = e.Clone()
			break
		}
	}
	return nil
}

// CountByType counts entities per type across both layers.
func (p *Pool) CountByType() map[Type]int {
	counts := make(map[Type]int)
	if p == nil {
		return counts
	}
	for _, c := range []Category{CategoryCore, CategoryBonus} {
		for t, list := range p.layer(c) {
			if len(list) > 0 {
				counts[t] += len(list)
			}
		}
	}
	return counts
}

// Len returns the total number of entities.
func (p *Pool) Len() int {
	n := 0
	for _, c := range p.CountByType() {
		n += c
	}
	return n
}

// Clone deep-copies the pool.
func (p *Pool) Clone() *Pool {
	cp := NewPool(p.ID)
	cp.UpdatedAt = p.UpdatedAt
	for t, list := range p.Core {
		for _, e := range list {
			cp.Core[t] = append(cp.Core[t], e.Clone())
		}
	}
	for t, list := range p.Bonus {
		for _, e := range list {
			cp.Bonus[t] = append(cp.Bonus[t], e.Clone())
		}
	}
	return cp
}

func removeByID(list []Entity, id string) []Entity {
	out := list[:0]
	for _, e := range list {
		if e.ID != id {
			out = append(out, e)
		}
	}
	return out
}
