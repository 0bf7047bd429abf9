package services

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mssola/user_agent"
	"github.com/sirupsen/logrus"
)

// ErrSessionNotFound means the session id is unknown or already pruned
var ErrSessionNotFound = errors.New("session not found")

// Session ties one orchestrator and one activity log to a caller. Every
// session gets an isolated flow: attempts, activity and subscriptions never
// leak across sessions.
type Session struct {
	ID        uuid.UUID
	CreatedAt time.Time
	LastSeen  time.Time

	// Client metadata captured at creation, for display only
	UserAgent string
	Browser   string
	Device    string

	Orchestrator *FlowOrchestrator
	Activity     *ActivityLog
}

// OrchestratorFactory builds a flow orchestrator bound to a session id
type OrchestratorFactory func(sessionID string, activity *ActivityLog) *FlowOrchestrator

// SessionService manages the live session registry
type SessionService struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session

	factory     OrchestratorFactory
	activityCap int
	ttl         time.Duration
	logger      *logrus.Logger
}

// NewSessionService creates a new session registry
func NewSessionService(factory OrchestratorFactory, activityCap int, ttl time.Duration, logger *logrus.Logger) *SessionService {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &SessionService{
		sessions:    make(map[uuid.UUID]*Session),
		factory:     factory,
		activityCap: activityCap,
		ttl:         ttl,
		logger:      logger,
	}
}

// Create registers a new session with its own orchestrator and activity log
func (s *SessionService) Create(rawUserAgent string) *Session {
	id := uuid.New()
	now := time.Now()

	activity := NewActivityLog(s.activityCap)
	session := &Session{
		ID:           id,
		CreatedAt:    now,
		LastSeen:     now,
		UserAgent:    rawUserAgent,
		Orchestrator: s.factory(id.String(), activity),
		Activity:     activity,
	}

	if rawUserAgent != "" {
		ua := user_agent.New(rawUserAgent)
		name, version := ua.Browser()
		session.Browser = name + " " + version
		session.Device = ua.OS()
		if ua.Mobile() {
			session.Device += " (mobile)"
		}
	}

	s.mu.Lock()
	s.sessions[id] = session
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"session_id": id,
		"browser":    session.Browser,
		"device":     session.Device,
	}).Info("Session created")

	return session
}

// Get returns the session and refreshes its last-seen timestamp
func (s *SessionService) Get(id uuid.UUID) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	session.LastSeen = time.Now()
	return session, nil
}

// Count returns the number of live sessions
func (s *SessionService) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// PruneExpired drops sessions idle past the ttl and returns how many went
func (s *SessionService) PruneExpired() int {
	cutoff := time.Now().Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for id, session := range s.sessions {
		if session.LastSeen.Before(cutoff) {
			delete(s.sessions, id)
			pruned++
		}
	}

	if pruned > 0 {
		s.logger.WithField("pruned", pruned).Info("Pruned idle sessions")
	}
	return pruned
}
