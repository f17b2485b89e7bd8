package entity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Stored pools come in two shapes. Older campaigns were written with a single
// flat "entities" map; current ones split "coreEntities" and "bonusEntities".
// DecodePool accepts either and always yields the two-tier Pool.

type twoTierDoc struct {
	CoreEntities  map[Type][]Entity `json:"coreEntities"`
	BonusEntities map[Type][]Entity `json:"bonusEntities"`
}

type legacyDoc struct {
	Entities map[Type][]Entity `json:"entities"`
}

type probeDoc struct {
	CoreEntities  json.RawMessage `json:"coreEntities"`
	BonusEntities json.RawMessage `json:"bonusEntities"`
	Entities      json.RawMessage `json:"entities"`
}

// Shape names the stored layout of a pool document.
type Shape int

const (
	ShapeTwoTier Shape = iota
	ShapeLegacyFlat
)

// DetectShape inspects a stored document without decoding entities.
func DetectShape(raw []byte) (Shape, error) {
	var probe probeDoc
	if err := json.Unmarshal(raw, &probe); err != nil {
		return 0, fmt.Errorf("decode pool: %w", err)
	}
	if probe.CoreEntities == nil && probe.BonusEntities == nil && probe.Entities != nil {
		return ShapeLegacyFlat, nil
	}
	return ShapeTwoTier, nil
}

// DecodePool normalizes a stored pool document. A legacy flat map becomes
// the core layer with an empty bonus layer.
func DecodePool(id string, raw []byte) (*Pool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return NewPool(id), nil
	}
	shape, err := DetectShape(raw)
	if err != nil {
		return nil, err
	}

	p := NewPool(id)
	seen := make(map[string]bool)
	switch shape {
	case ShapeLegacyFlat:
		var doc legacyDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode legacy pool: %w", err)
		}
		if err := fill(p.Core, doc.Entities, "", seen); err != nil {
			return nil, err
		}
	default:
		var doc twoTierDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode pool: %w", err)
		}
		if err := fill(p.Core, doc.CoreEntities, CategoryCore, seen); err != nil {
			return nil, err
		}
		if err := fill(p.Bonus, doc.BonusEntities, CategoryBonus, seen); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// fill files each entity under its declared type, falling back to the map key
// when none is declared. layer is empty for legacy documents, which put
// everything in the core layer. Keys are visited in sorted order so aliases
// of one type merge deterministically.
func fill(dst, src map[Type][]Entity, layer Category, seen map[string]bool) error {
	for _, key := range slices.Sorted(maps.Keys(src)) {
		t, err := ParseType(string(key))
		if err != nil {
			return err
		}
		for _, e := range src[key] {
			if e.Type == "" {
				e.Type = t
			}
			e, err := e.Normalize()
			if err != nil {
				return fmt.Errorf("decode %s entity: %w", t, err)
			}
			if layer != "" && e.Type.Category() != layer {
				return fmt.Errorf("decode %s entity %s: %w: %s stored in %s layer", t, e.ID, ErrLayerChange, e.Type, layer)
			}
			if seen[e.ID] {
				return fmt.Errorf("decode %s entity: %w: %s", t, ErrDuplicateID, e.ID)
			}
			seen[e.ID] = true
			dst[e.Type] = append(dst[e.Type], e)
		}
	}
	return nil
}

// EncodePool always writes the two-tier shape. Map keys are sorted by
// encoding/json, so equal pools encode to identical bytes.
func EncodePool(p *Pool) ([]byte, error) {
	doc := twoTierDoc{
		CoreEntities:  nonNil(p.Core),
		BonusEntities: nonNil(p.Bonus),
	}
	return json.Marshal(doc)
}

func nonNil(m map[Type][]Entity) map[Type][]Entity {
	if m == nil {
		return map[Type][]Entity{}
	}
	return m
}
