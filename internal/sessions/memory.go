package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/clawgate/pkg/models"
)

// EvictFunc is notified when a session is evicted for capacity. It runs
// synchronously on the inserting caller, after the session has been removed
// from the store; the evicted session and its history are passed by value so
// the callback may still inspect them.
type EvictFunc func(session *models.Session, history []*models.Message)

// MemoryStore is a capacity-bounded in-memory Store. When an insert would
// exceed capacity, the least-recently-active session (ties broken by oldest
// creation time) is evicted before the new session is added, so the store
// never holds more than capacity sessions.
type MemoryStore struct {
	mu       sync.RWMutex
	capacity int
	onEvict  EvictFunc
	sessions map[string]*models.Session
	messages map[string][]*models.Message
}

// MemoryStoreOption customizes a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithOnEvict registers a callback invoked for each capacity eviction.
func WithOnEvict(fn EvictFunc) MemoryStoreOption {
	return func(m *MemoryStore) { m.onEvict = fn }
}

// NewMemoryStore creates an in-memory session store holding at most
// capacity sessions.
func NewMemoryStore(capacity int, opts ...MemoryStoreOption) *MemoryStore {
	if capacity < 1 {
		capacity = 1
	}
	m := &MemoryStore{
		capacity: capacity,
		sessions: map[string]*models.Session{},
		messages: map[string][]*models.Message{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, key string, channel models.ChannelType, channelID string) (*models.Session, error) {
	if key == "" {
		return nil, errors.New("session key is required")
	}

	m.mu.Lock()
	if session, ok := m.sessions[key]; ok {
		clone := cloneSession(session)
		m.mu.Unlock()
		return clone, nil
	}

	var evictedSession *models.Session
	var evictedHistory []*models.Message
	if len(m.sessions) >= m.capacity {
		victim := m.pickVictimLocked()
		evictedSession = m.sessions[victim]
		evictedHistory = m.messages[victim]
		delete(m.sessions, victim)
		delete(m.messages, victim)
	}

	now := time.Now()
	session := &models.Session{
		ID:        uuid.NewString(),
		Channel:   channel,
		ChannelID: channelID,
		Key:       key,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.sessions[key] = session
	clone := cloneSession(session)
	m.mu.Unlock()

	// The hook runs outside the store lock so it can cancel an in-flight
	// turn without risking deadlock, but still synchronously on the insert.
	if evictedSession != nil && m.onEvict != nil {
		m.onEvict(evictedSession, evictedHistory)
	}
	return clone, nil
}

// pickVictimLocked selects the least-recently-active session, breaking
// ties by oldest creation time.
func (m *MemoryStore) pickVictimLocked() string {
	var victim string
	var victimSession *models.Session
	for key, session := range m.sessions {
		if victimSession == nil ||
			session.UpdatedAt.Before(victimSession.UpdatedAt) ||
			(session.UpdatedAt.Equal(victimSession.UpdatedAt) && session.CreatedAt.Before(victimSession.CreatedAt)) {
			victim = key
			victimSession = session
		}
	}
	return victim
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(session), nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[key]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, key)
	delete(m.messages, key)
	return nil
}

func (m *MemoryStore) Touch(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[key]
	if !ok {
		return ErrNotFound
	}
	session.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, key string, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[key]
	if !ok {
		return ErrNotFound
	}
	clone := cloneMessage(msg)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.SessionID = session.ID
	m.messages[key] = append(m.messages[key], clone)
	session.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, key string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sessions[key]; !ok {
		return nil, ErrNotFound
	}
	messages := m.messages[key]
	start := 0
	if limit > 0 && len(messages) > limit {
		start = len(messages) - limit
	}
	out := make([]*models.Message, 0, len(messages)-start)
	for _, msg := range messages[start:] {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		out = append(out, cloneSession(session))
	}
	return out, nil
}

func (m *MemoryStore) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions), nil
}

func cloneSession(session *models.Session) *models.Session {
	if session == nil {
		return nil
	}
	clone := *session
	if session.Metadata != nil {
		clone.Metadata = make(map[string]any, len(session.Metadata))
		for k, v := range session.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

func cloneMessage(msg *models.Message) *models.Message {
	if msg == nil {
		return nil
	}
	clone := *msg
	if msg.Metadata != nil {
		clone.Metadata = make(map[string]any, len(msg.Metadata))
		for k, v := range msg.Metadata {
			clone.Metadata[k] = v
		}
	}
	if len(msg.ToolCalls) > 0 {
		clone.ToolCalls = append([]models.ToolCall{}, msg.ToolCalls...)
	}
	if len(msg.ToolResults) > 0 {
		clone.ToolResults = append([]models.ToolResult{}, msg.ToolResults...)
	}
	return &clone
}
