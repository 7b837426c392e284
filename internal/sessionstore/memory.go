package sessionstore

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/corvid-labs/deepsearch/internal/session"
)

type sessionEntry struct {
	mu     sync.Mutex
	record *session.Session
	digest session.Digest
}

// MemoryStore is an in-process Store, used by tests and as a development
// default. It fully implements the digest/rollback/resume semantics every
// backend must honour.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*sessionEntry
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[uuid.UUID]*sessionEntry)}
}

func cloneSession(s *session.Session) *session.Session {
	raw, err := json.Marshal(s)
	if err != nil {
		panic(err) // session is always json-marshalable by construction
	}
	clone := &session.Session{}
	if err := json.Unmarshal(raw, clone); err != nil {
		panic(err)
	}
	return clone
}

func (m *MemoryStore) entryFor(id uuid.UUID) *sessionEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		e = &sessionEntry{}
		m.sessions[id] = e
	}
	return e
}

// Save upserts the session, recomputing and storing its ValidationDigest.
func (m *MemoryStore) Save(ctx context.Context, s *session.Session) error {
	if err := s.Validate(); err != nil {
		return wrapDatastoreErr("sessionstore.Save", err)
	}
	e := m.entryFor(s.ID)
	e.mu.Lock()
	defer e.mu.Unlock()
	digest, err := session.ComputeDigest(s)
	if err != nil {
		return wrapDatastoreErr("sessionstore.Save", err)
	}
	e.record = cloneSession(s)
	e.digest = digest
	return nil
}

// Load returns the full record, or ErrNotFound / ErrCorrupt.
func (m *MemoryStore) Load(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.record == nil {
		return nil, ErrNotFound
	}
	digest, err := session.ComputeDigest(e.record)
	if err != nil {
		return nil, wrapDatastoreErr("sessionstore.Load", err)
	}
	if digest != e.digest {
		return nil, ErrCorrupt
	}
	if err := checkSchema(e.record); err != nil {
		return nil, err
	}
	return cloneSession(e.record), nil
}

// List returns session summaries, optionally filtered by userID, ordered by
// start-time descending.
func (m *MemoryStore) List(ctx context.Context, userID string) ([]session.Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []session.Summary
	for _, e := range m.sessions {
		e.mu.Lock()
		rec := e.record
		e.mu.Unlock()
		if rec == nil {
			continue
		}
		if userID != "" && rec.UserID != userID {
			continue
		}
		out = append(out, rec.Summary())
	}
	sortSummariesByStartDesc(out)
	return out, nil
}

// Delete removes the session and its validation record.
func (m *MemoryStore) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	return ok, nil
}

// Resume loads the session, failing if it cannot be resumed.
func (m *MemoryStore) Resume(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	s, err := m.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := canResume(s); err != nil {
		return nil, err
	}
	return s, nil
}

// History projects over the iterations field.
func (m *MemoryStore) History(ctx context.Context, id uuid.UUID) ([]session.IterationRecord, error) {
	s, err := m.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Iterations, nil
}

// Rollback truncates the iteration list, recomputes AggregatedState, and
// persists the result under the same per-session lock Save uses.
func (m *MemoryStore) Rollback(ctx context.Context, id uuid.UUID, iterationN int) (*session.Session, error) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.record == nil {
		return nil, ErrNotFound
	}
	working := cloneSession(e.record)
	result, err := applyRollback(working, iterationN)
	if err != nil {
		return nil, err
	}
	if err := result.Validate(); err != nil {
		return nil, wrapDatastoreErr("sessionstore.Rollback", err)
	}
	digest, err := session.ComputeDigest(result)
	if err != nil {
		return nil, wrapDatastoreErr("sessionstore.Rollback", err)
	}
	e.record = cloneSession(result)
	e.digest = digest
	return cloneSession(result), nil
}

var _ Store = (*MemoryStore)(nil)
