package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/effective-security/xchat/chatmodel"
	"github.com/effective-security/xchat/pkg/llms"
	"github.com/effective-security/xchat/pkg/metricskey"
	"github.com/effective-security/xlog"
)

// MemoryOption configures the in-memory store.
type MemoryOption func(*MemoryStore)

// WithTTL sets the idle expiry for sessions. A session untouched for the
// given duration is treated as gone: lazily on access and eagerly by
// Cleanup. Zero disables expiry.
func WithTTL(ttl time.Duration) MemoryOption {
	return func(m *MemoryStore) {
		m.ttl = ttl
	}
}

// WithMaxMessages caps the history length per session; the oldest messages
// are dropped when the cap is exceeded. Zero means unbounded.
func WithMaxMessages(n int) MemoryOption {
	return func(m *MemoryStore) {
		m.maxMessages = n
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		m.now = now
	}
}

// MemoryStore keeps sessions in process memory. It implements Store.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	ttl         time.Duration
	maxMessages int
	now         func() time.Time
}

// NewMemoryStore returns a Store keeping sessions in process memory.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// expired reports whether the session passed its idle TTL.
func (m *MemoryStore) expired(s *Session, now time.Time) bool {
	return m.ttl > 0 && now.Sub(s.LastAccessedAt) > m.ttl
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, id string) (*Session, bool, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if id != "" {
		if s, ok := m.sessions[id]; ok && !m.expired(s, now) {
			s.LastAccessedAt = now
			return snapshot(s), false, nil
		}
	}

	if id == "" {
		id = chatmodel.NewChatID()
	}
	s := &Session{
		ID:             id,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	m.sessions[id] = s
	metricskey.StatsSessionsCreated.IncrCounter(1, "memory")
	return snapshot(s), true, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	now := m.now()

	m.mu.RLock()
	s, ok := m.sessions[id]
	live := ok && !m.expired(s, now)
	var snap *Session
	if live {
		snap = snapshot(s)
	}
	m.mu.RUnlock()

	if live {
		return snap, nil
	}
	if ok {
		// Expired: drop it so List no longer reports it.
		m.mu.Lock()
		if s, ok := m.sessions[id]; ok && m.expired(s, m.now()) {
			delete(m.sessions, id)
		}
		m.mu.Unlock()
	}
	return nil, ErrSessionNotFound
}

func (m *MemoryStore) Append(ctx context.Context, id string, msgs ...llms.Message) error {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || m.expired(s, now) {
		if ok {
			delete(m.sessions, id)
		}
		return ErrSessionNotFound
	}

	s.Messages = append(s.Messages, msgs...)
	if m.maxMessages > 0 && len(s.Messages) > m.maxMessages {
		keep := s.Messages[len(s.Messages)-m.maxMessages:]
		s.Messages = append([]llms.Message(nil), keep...)
	}
	s.LastAccessedAt = now
	return nil
}

func (m *MemoryStore) History(ctx context.Context, id string) ([]llms.Message, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Messages, nil
}

func (m *MemoryStore) Clear(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return false, nil
	}
	delete(m.sessions, id)
	if m.expired(s, m.now()) {
		return false, nil
	}
	metricskey.StatsSessionsCleared.IncrCounter(1, "memory")
	return true, nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*SessionInfo, error) {
	now := m.now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]*SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		if m.expired(s, now) {
			continue
		}
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})
	return infos, nil
}

// Cleanup removes sessions idle longer than olderThan and returns how many
// were dropped. Intended to run on a timer from the engine.
func (m *MemoryStore) Cleanup(ctx context.Context, olderThan time.Duration) int {
	cutoff := m.now().Add(-olderThan)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.sessions {
		if s.LastAccessedAt.Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		logger.KV(xlog.DEBUG, "reason", "cleanup", "removed", removed)
	}
	return removed
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]*Session)
	return nil
}

// snapshot copies the session so callers never share the internal slice.
func snapshot(s *Session) *Session {
	cp := *s
	if len(s.Messages) > 0 {
		cp.Messages = append([]llms.Message(nil), s.Messages...)
	}
	return &cp
}
