// Package storetest provides in-memory stores that enforce the same uniqueness
// rules as the Postgres schema, for tests in other packages.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"painchain.app/ingest/internal/model"
	"painchain.app/ingest/internal/store"
)

type eventKey struct {
	connectionID int64
	externalID   string
}

// ChangeEvents is a concurrency-safe store.ChangeEventStore.
type ChangeEvents struct {
	mu      sync.Mutex
	rows    []model.ChangeEvent
	byKey   map[eventKey]int
	Inserts int

	// InsertErr, when set, is returned by every Insert.
	InsertErr error
}

func NewChangeEvents() *ChangeEvents {
	return &ChangeEvents{byKey: map[eventKey]int{}}
}

func (s *ChangeEvents) Insert(_ context.Context, event *model.ChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Inserts++
	if s.InsertErr != nil {
		return s.InsertErr
	}
	if event.ExternalID != nil {
		key := eventKey{event.ConnectionID, *event.ExternalID}
		if _, ok := s.byKey[key]; ok {
			return store.ErrDuplicate
		}
		s.byKey[key] = len(s.rows)
	}

	now := time.Now().UTC()
	event.CreatedAt, event.UpdatedAt = now, now
	s.rows = append(s.rows, *event)
	return nil
}

func (s *ChangeEvents) GetByExternalID(_ context.Context, connectionID int64, externalID string) (*model.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.byKey[eventKey{connectionID, externalID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	row := s.rows[i]
	return &row, nil
}

func (s *ChangeEvents) ExistsByExternalID(_ context.Context, connectionID int64, externalID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.byKey[eventKey{connectionID, externalID}]
	return ok, nil
}

func (s *ChangeEvents) ListByConnection(_ context.Context, connectionID int64, limit int) ([]model.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []model.ChangeEvent
	for _, row := range s.rows {
		if row.ConnectionID == connectionID {
			out = append(out, row)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Rows returns a copy of every stored event in insertion order.
func (s *ChangeEvents) Rows() []model.ChangeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ChangeEvent(nil), s.rows...)
}

// Seed stores events as if a previous sync had written them.
func (s *ChangeEvents) Seed(events ...model.ChangeEvent) {
	for i := range events {
		_ = s.Insert(context.Background(), &events[i])
	}
}

// Connections is a concurrency-safe store.ConnectionStore.
type Connections struct {
	mu   sync.Mutex
	rows map[int64]model.Connection

	LastSyncTouches    int
	LastWebhookTouches int
}

func NewConnections(conns ...model.Connection) *Connections {
	s := &Connections{rows: map[int64]model.Connection{}}
	for _, c := range conns {
		s.rows[c.ID] = c
	}
	return s
}

func (s *Connections) GetByID(_ context.Context, id int64) (*model.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Connections) GetForUpdate(ctx context.Context, id int64) (*model.Connection, error) {
	return s.GetByID(ctx, id)
}

func (s *Connections) List(_ context.Context, filter store.ConnectionFilter) ([]model.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Connection
	for _, c := range s.rows {
		if filter.EnabledOnly && !c.Enabled {
			continue
		}
		if filter.Provider != nil && c.Provider != *filter.Provider {
			continue
		}
		if filter.TenantID != nil && (c.TenantID == nil || *c.TenantID != *filter.TenantID) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Connections) Create(_ context.Context, conn *model.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	conn.CreatedAt, conn.UpdatedAt = now, now
	s.rows[conn.ID] = *conn
	return nil
}

func (s *Connections) Update(_ context.Context, conn *model.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[conn.ID]; !ok {
		return store.ErrNotFound
	}
	conn.UpdatedAt = time.Now().UTC()
	s.rows[conn.ID] = *conn
	return nil
}

func (s *Connections) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.rows, id)
	return nil
}

func (s *Connections) TouchLastSync(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.LastSyncTouches++
	c, ok := s.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	c.LastSync = &at
	s.rows[id] = c
	return nil
}

func (s *Connections) TouchLastWebhook(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.LastWebhookTouches++
	c, ok := s.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	c.LastWebhook = &at
	s.rows[id] = c
	return nil
}
