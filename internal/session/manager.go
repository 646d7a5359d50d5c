package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("session not found")

// Session is the registry record for one device connection.
type Session struct {
	ID                string    `json:"session_id"`
	UserID            string    `json:"user_id"`
	PersonalityKey    string    `json:"personality_key,omitempty"`
	Provider          string    `json:"provider"`
	VoiceID           string    `json:"voice_id,omitempty"`
	Status            Status    `json:"status"`
	ActiveTurnID      string    `json:"active_turn_id,omitempty"`
	TurnCount         int       `json:"turn_count"`
	InterruptionCount int       `json:"interruption_count"`
	StartedAt         time.Time `json:"started_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
	EndedAt           time.Time `json:"ended_at,omitempty"`
	EndReason         string    `json:"end_reason,omitempty"`
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	sessionByUser     map[string]string
	inactivityTimeout time.Duration
	retention         time.Duration
	onExpire          func(*Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 5 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		sessionByUser:     make(map[string]string),
		inactivityTimeout: inactivityTimeout,
		retention:         inactivityTimeout,
	}
}

// SetExpireHook registers a callback run (outside the lock) for every session
// the janitor ends.
func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(req CreateRequest) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		PersonalityKey: req.PersonalityKey,
		Provider:       req.Provider,
		VoiceID:        req.VoiceID,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	if req.UserID != "" {
		m.sessionByUser[req.UserID] = s.ID
	}
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// ActiveForUser returns the user's live session, if any.
func (m *Manager) ActiveForUser(userID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.sessionByUser[userID]
	if !ok {
		return nil, false
	}
	s, ok := m.sessions[id]
	if !ok || s.Status != StatusActive {
		return nil, false
	}
	return clone(s), true
}

func (m *Manager) Touch(sessionID string) error {
	return m.update(sessionID, func(*Session) {})
}

func (m *Manager) StartTurn(sessionID, turnID string) error {
	return m.update(sessionID, func(s *Session) {
		s.ActiveTurnID = turnID
		s.TurnCount++
	})
}

func (m *Manager) CompleteTurn(sessionID string) error {
	return m.update(sessionID, func(s *Session) {
		s.ActiveTurnID = ""
	})
}

func (m *Manager) Interrupt(sessionID string) error {
	return m.update(sessionID, func(s *Session) {
		s.InterruptionCount++
		s.ActiveTurnID = ""
	})
}

func (m *Manager) update(sessionID string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	fn(s)
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// End marks the session ended. Ending an already-ended session keeps the first
// reason and returns the record unchanged.
func (m *Manager) End(sessionID, reason string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status == StatusEnded {
		return clone(s), nil
	}
	m.endLocked(s, reason, time.Now().UTC())
	return clone(s), nil
}

func (m *Manager) endLocked(s *Session, reason string, now time.Time) {
	s.Status = StatusEnded
	s.ActiveTurnID = ""
	s.EndReason = reason
	s.EndedAt = now
	s.LastActivityAt = now
	if s.UserID != "" && m.sessionByUser[s.UserID] == s.ID {
		delete(m.sessionByUser, s.UserID)
	}
}

// List returns every known session, newest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, clone(s))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.Status != StatusActive {
			if now.Sub(s.EndedAt) >= m.retention {
				delete(m.sessions, id)
			}
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		m.endLocked(s, "inactive", now)
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
