// Package pool is the entity pool store: per-campaign two-tier collections
// behind a pluggable Store, created lazily on first write.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/talgya/gm-forge/internal/entity"
)

// ErrPoolNotFound is returned by stores when no pool exists for an id.
// Service methods translate it into empty results.
var ErrPoolNotFound = errors.New("entity pool not found")

// ErrEmptyPoolID rejects blank pool ids.
var ErrEmptyPoolID = errors.New("pool id is required")

// Store persists whole pools. Load returns ErrPoolNotFound for unknown ids.
type Store interface {
	LoadPool(ctx context.Context, poolID string) (*entity.Pool, error)
	SavePool(ctx context.Context, p *entity.Pool) error
}

// ChangeFunc is called after a pool mutation is stored.
type ChangeFunc func(poolID string)

// Service implements the pool contract on top of a Store.
type Service struct {
	store Store
	now   func() time.Time

	// Serializes read-modify-write per pool id.
	mu    sync.Mutex
	locks map[string]*sync.Mutex

	hookMu sync.RWMutex
	hooks  []ChangeFunc
}

// NewService wraps a store.
func NewService(store Store) *Service {
	return &Service{
		store: store,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}
}

// OnChange registers a hook fired after every successful mutation.
func (s *Service) OnChange(fn ChangeFunc) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Pool loads the full pool. A missing pool yields an empty one.
func (s *Service) Pool(ctx context.Context, poolID string) (*entity.Pool, error) {
	poolID = strings.TrimSpace(poolID)
	if poolID == "" {
		return entity.NewPool(""), nil
	}
	p, err := s.store.LoadPool(ctx, poolID)
	if errors.Is(err, ErrPoolNotFound) {
		return entity.NewPool(poolID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load pool %s: %w", poolID, err)
	}
	return p, nil
}

// GetEntities returns the entities of one type in one layer.
func (s *Service) GetEntities(ctx context.Context, poolID string, category entity.Category, t entity.Type) ([]entity.Entity, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", entity.ErrInvalidType, t)
	}
	if category != entity.CategoryCore && category != entity.CategoryBonus {
		return nil, fmt.Errorf("%w: %q", entity.ErrInvalidCategory, category)
	}
	p, err := s.Pool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	return p.Entities(category, t), nil
}

// CountByType counts entities per type; unknown pools count as empty.
func (s *Service) CountByType(ctx context.Context, poolID string) (map[entity.Type]int, error) {
	p, err := s.Pool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	return p.CountByType(), nil
}

// UpsertEntity inserts or replaces one entity, creating the pool if needed.
func (s *Service) UpsertEntity(ctx context.Context, poolID string, e entity.Entity) error {
	return s.UpsertEntities(ctx, poolID, []entity.Entity{e})
}

// UpsertEntities applies several upserts in one write. Nothing is stored if
// any entity is rejected.
func (s *Service) UpsertEntities(ctx context.Context, poolID string, list []entity.Entity) error {
	poolID = strings.TrimSpace(poolID)
	if poolID == "" {
		return ErrEmptyPoolID
	}

	lock := s.lockFor(poolID)
	lock.Lock()
	defer lock.Unlock()

	p, err := s.Pool(ctx, poolID)
	if err != nil {
		return err
	}
	for _, e := range list {
		if err := p.Upsert(e); err != nil {
			return fmt.Errorf("upsert %s: %w", e.ID, err)
		}
	}
	p.UpdatedAt = s.now().UTC()
	if err := s.store.SavePool(ctx, p); err != nil {
		return fmt.Errorf("save pool %s: %w", poolID, err)
	}

	slog.Debug("entity pool updated", "pool", poolID, "upserts", len(list), "size", p.Len())
	s.fire(poolID)
	return nil
}

func (s *Service) lockFor(poolID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[poolID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[poolID] = l
	}
	return l
}

func (s *Service) fire(poolID string) {
	s.hookMu.RLock()
	hooks := append([]ChangeFunc(nil), s.hooks...)
	s.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(poolID)
	}
}

// MemoryStore keeps pools in process, encoded the same way the SQL stores
// encode them so legacy documents can be exercised without a database.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

// LoadPool decodes the stored document for poolID.
func (m *MemoryStore) LoadPool(_ context.Context, poolID string) (*entity.Pool, error) {
	m.mu.RLock()
	raw, ok := m.docs[poolID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrPoolNotFound
	}
	return entity.DecodePool(poolID, raw)
}

// SavePool stores p in the two-tier shape.
func (m *MemoryStore) SavePool(_ context.Context, p *entity.Pool) error {
	raw, err := entity.EncodePool(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.docs[p.ID] = raw
	m.mu.Unlock()
	return nil
}

// PutRaw stores a raw document as-is, in whatever shape it was written.
func (m *MemoryStore) PutRaw(poolID string, raw []byte) {
	m.mu.Lock()
	m.docs[poolID] = append([]byte(nil), raw...)
	m.mu.Unlock()
}
