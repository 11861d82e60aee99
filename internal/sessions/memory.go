package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/spectra/pkg/models"
)

// MemoryConfig configures a MemoryStore.
type MemoryConfig struct {
	// MaxMessages bounds the stored transcript per session. Zero keeps
	// every message.
	MaxMessages int
}

// MemoryStore provides an in-memory Store implementation.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	byKey    map[string]string
	messages map[string][]*models.Message

	maxMessages int
	now         func() time.Time
}

// NewMemoryStore creates an in-memory session store with an unbounded transcript.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithConfig(MemoryConfig{})
}

// NewMemoryStoreWithConfig creates an in-memory session store.
func NewMemoryStoreWithConfig(cfg MemoryConfig) *MemoryStore {
	if cfg.MaxMessages < 0 {
		cfg.MaxMessages = 0
	}
	return &MemoryStore{
		sessions:    map[string]*models.Session{},
		byKey:       map[string]string{},
		messages:    map[string][]*models.Message{},
		maxMessages: cfg.MaxMessages,
		now:         time.Now,
	}
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, key string) (*models.Session, error) {
	if key == "" {
		return nil, errors.New("session key is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byKey[key]; ok {
		if session, ok := m.sessions[id]; ok {
			return cloneSession(session), nil
		}
	}

	now := m.now()
	session := &models.Session{
		ID:           uuid.NewString(),
		Key:          key,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastActiveAt: now,
	}
	m.sessions[session.ID] = session
	m.byKey[key] = session.ID
	return cloneSession(session), nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(session), nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	if session.Key != "" {
		delete(m.byKey, session.Key)
	}
	delete(m.messages, id)
	return nil
}

// List returns sessions ordered by creation time.
func (m *MemoryStore) List(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	m.mu.RLock()
	out := make([]*models.Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		if !opts.IdleSince.IsZero() && !session.LastActiveAt.Before(opts.IdleSince) {
			continue
		}
		out = append(out, cloneSession(session))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	start := opts.Offset
	if start < 0 {
		start = 0
	}
	if start > len(out) {
		return []*models.Session{}, nil
	}
	end := len(out)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return out[start:end], nil
}

// AppendMessage stores a copy of msg. Tool messages must answer the tool
// calls of the message stored immediately before them.
func (m *MemoryStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	history := m.messages[sessionID]
	if msg.Role == models.RoleTool {
		var prev *models.Message
		if len(history) > 0 {
			prev = history[len(history)-1]
		}
		if err := validateToolResults(prev, msg); err != nil {
			return err
		}
	}

	clone := models.CloneMessage(msg)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	clone.SessionID = sessionID
	now := m.now()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	// Reflect generated fields back to caller.
	msg.ID = clone.ID
	msg.SessionID = sessionID
	msg.CreatedAt = clone.CreatedAt

	history = append(history, clone)
	if m.maxMessages > 0 {
		history = applyWindow(history, m.maxMessages)
	}
	m.messages[sessionID] = history

	session.UpdatedAt = now
	session.LastActiveAt = now
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	messages := m.messages[sessionID]
	if len(messages) == 0 {
		return []*models.Message{}, nil
	}
	start := 0
	if limit > 0 && len(messages) > limit {
		start = len(messages) - limit
	}
	out := make([]*models.Message, 0, len(messages)-start)
	for _, msg := range messages[start:] {
		out = append(out, models.CloneMessage(msg))
	}
	if start > 0 {
		// A limit may cut between an assistant message and its tool results.
		out = RepairToolCallPairing(out).Messages
	}
	return out, nil
}

// Len reports how many sessions are held.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func validateToolResults(prev, msg *models.Message) error {
	if len(msg.ToolResults) == 0 {
		return fmt.Errorf("%w: tool message without results", ErrOrphanToolResult)
	}
	if prev == nil || prev.Role != models.RoleAssistant || len(prev.ToolCalls) == 0 {
		return fmt.Errorf("%w: no preceding assistant tool calls", ErrOrphanToolResult)
	}
	calls := make(map[string]struct{}, len(prev.ToolCalls))
	for _, tc := range prev.ToolCalls {
		calls[tc.ID] = struct{}{}
	}
	for _, tr := range msg.ToolResults {
		if _, ok := calls[tr.ToolCallID]; !ok {
			return fmt.Errorf("%w: %q", ErrOrphanToolResult, tr.ToolCallID)
		}
	}
	return nil
}

// applyWindow keeps the most recent max messages. A leading system message
// is always retained, and the cut never lands on a tool message, so the
// window can exceed max by one assistant message.
func applyWindow(history []*models.Message, max int) []*models.Message {
	if len(history) <= max {
		return history
	}
	var head []*models.Message
	body := history
	if history[0].Role == models.RoleSystem {
		head = history[:1]
		body = history[1:]
		max--
	}
	if max <= 0 || len(body) <= max {
		return history
	}
	cut := len(body) - max
	for cut > 0 && body[cut].Role == models.RoleTool {
		cut--
	}
	trimmed := make([]*models.Message, 0, len(head)+len(body)-cut)
	trimmed = append(trimmed, head...)
	trimmed = append(trimmed, body[cut:]...)
	return trimmed
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
