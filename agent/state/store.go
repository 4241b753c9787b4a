package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var ErrStateNotFound = errors.New("session not found")

// Store is the persistence contract used by the orchestrator. Save uses
// optimistic concurrency: it only succeeds when the stored document is
// still at the version the caller loaded, and bumps the version on
// success. PendingSessions feeds the confirmation expiry sweeper.
type Store interface {
	Load(ctx context.Context, sessionID string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, sessionID string) error
	PendingSessions(ctx context.Context) ([]string, error)
}

// MemoryStore is the in-process Store used by tests and local runs.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
	vers map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string][]byte),
		vers: make(map[string]int64),
	}
}

func (m *MemoryStore) Load(ctx context.Context, sessionID string) (*Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrInvalidSession
	}
	m.mu.RLock()
	raw, ok := m.docs[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrStateNotFound
	}
	return decodeSession(raw)
}

func (m *MemoryStore) Save(ctx context.Context, s *Session) error {
	if s == nil {
		return ErrNilSession
	}
	if err := s.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if stored, ok := m.vers[s.ID]; ok && stored != s.Version {
		return fmt.Errorf("%w: stored=%d submitted=%d", ErrVersionConflict, stored, s.Version)
	}
	s.Version++
	raw, err := json.Marshal(s)
	if err != nil {
		s.Version--
		return fmt.Errorf("marshal session: %w", err)
	}
	m.docs[s.ID] = raw
	m.vers[s.ID] = s.Version
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, sessionID)
	delete(m.vers, sessionID)
	return nil
}

func (m *MemoryStore) PendingSessions(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, raw := range m.docs {
		s, err := decodeSession(raw)
		if err != nil {
			continue
		}
		if _, ok := s.PendingPlan(); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ReapIdle drops sessions whose last update is older than ttl. Returns
// the ids removed.
func (m *MemoryStore) ReapIdle(now time.Time, ttl time.Duration) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var reaped []string
	for id, raw := range m.docs {
		s, err := decodeSession(raw)
		if err != nil {
			continue
		}
		if now.UTC().Sub(s.UpdatedAt) > ttl {
			delete(m.docs, id)
			delete(m.vers, id)
			reaped = append(reaped, id)
		}
	}
	return reaped
}

func decodeSession(raw []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	s.EnsureContacts()
	return &s, nil
}
