package pairing

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cribcall/cribcall-go/pkg/log"
)

// Session timing and limits.
const (
	// DefaultSessionTTL is how long a PIN stays usable.
	DefaultSessionTTL = 60 * time.Second

	// MinSessionTTL is the shortest configurable TTL.
	MinSessionTTL = 10 * time.Second

	// MaxSessionTTL is the longest configurable TTL.
	MaxSessionTTL = 300 * time.Second

	// DefaultMaxAttempts is how many failed confirmations reject a session.
	DefaultMaxAttempts = 3
)

// ErrInvalidTTL is returned for a TTL outside [MinSessionTTL, MaxSessionTTL].
var ErrInvalidTTL = errors.New("invalid session TTL")

// SessionState is the lifecycle state of a PIN session.
type SessionState uint8

const (
	// StateIdle means no session was started yet.
	StateIdle SessionState = iota

	// StateActive means the secret is usable and awaiting a listener.
	StateActive

	// StateConfirmed means the pairing was accepted.
	StateConfirmed

	// StateRejected means the operator rejected it, attempts ran out, or a
	// newer session replaced it.
	StateRejected

	// StateExpired means the TTL elapsed first.
	StateExpired
)

// String returns a human-readable state name.
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateConfirmed:
		return "confirmed"
	case StateRejected:
		return "rejected"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == StateConfirmed || s == StateRejected || s == StateExpired
}

// Session is a snapshot of a PIN pairing session.
type Session struct {
	ID string

	// PIN is the secret shown to the operator. For QR sessions it is the
	// pairing token instead.
	PIN string

	// ComparisonCode is set once a listener proved knowledge of the secret.
	ComparisonCode string

	CreatedAt   time.Time
	ExpiresAt   time.Time
	Attempts    int
	MaxAttempts int
	State       SessionState

	// AutoConfirm skips the operator prompt (QR token sessions).
	AutoConfirm bool
}

// Verified reports whether a listener has passed the transcript check.
func (s Session) Verified() bool {
	return s.ComparisonCode != ""
}

// Remaining returns the time left at now, or 0.
func (s Session) Remaining(now time.Time) time.Duration {
	if d := s.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// ManagerConfig configures a session Manager.
type ManagerConfig struct {
	// TTL of new sessions (default: 60s, bounded to 10s-300s).
	TTL time.Duration

	// MaxAttempts before a session is rejected (default: 3).
	MaxAttempts int

	// Now overrides the time source.
	Now func() time.Time

	Logger         *slog.Logger
	ProtocolLogger log.Logger
}

type transition struct {
	session  Session
	old, new SessionState
}

// Manager owns the single PIN session of a monitor. It is safe for
// concurrent use.
type Manager struct {
	config ManagerConfig

	mu        sync.Mutex
	current   *Session
	timer     *time.Timer
	callbacks []func(s Session, old, new SessionState)
}

// NewManager creates a session manager.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.TTL == 0 {
		config.TTL = DefaultSessionTTL
	}
	if config.TTL < MinSessionTTL || config.TTL > MaxSessionTTL {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTTL, config.TTL)
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Manager{config: config}, nil
}

// OnStateChange registers a callback for every session transition.
// Callbacks run outside the manager lock.
func (m *Manager) OnStateChange(fn func(s Session, old, new SessionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// TTL returns the configured session lifetime.
func (m *Manager) TTL() time.Duration {
	return m.config.TTL
}

// Start opens a new session with a random PIN, invalidating any active one.
func (m *Manager) Start() (*Session, error) {
	pin, err := GeneratePIN()
	if err != nil {
		return nil, err
	}
	return m.StartWithSecret(pin, false)
}

// StartWithSecret opens a new session with the given secret.
func (m *Manager) StartWithSecret(secret string, autoConfirm bool) (*Session, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: empty secret", ErrInvalidPIN)
	}
	now := m.config.Now()
	s := &Session{
		ID:          uuid.NewString(),
		PIN:         secret,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.config.TTL),
		MaxAttempts: m.config.MaxAttempts,
		State:       StateActive,
		AutoConfirm: autoConfirm,
	}

	var fired []transition
	m.mu.Lock()
	if m.current != nil && m.current.State == StateActive {
		fired = append(fired, m.setState(m.current, StateRejected))
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.current = s
	fired = append(fired, transition{session: *s, old: StateIdle, new: StateActive})
	id := s.ID
	m.timer = time.AfterFunc(m.config.TTL, func() { m.expire(id) })
	out := *s
	m.mu.Unlock()

	m.fire(fired, "")
	return &out, nil
}

// Active returns the active session, if any.
func (m *Manager) Active() (*Session, bool) {
	m.mu.Lock()
	fired := m.checkExpiry()
	var out *Session
	if m.current != nil && m.current.State == StateActive {
		s := *m.current
		out = &s
	}
	m.mu.Unlock()

	m.fire(fired, "ttl")
	return out, out != nil
}

// Get returns the current session if its id matches.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.Lock()
	fired := m.checkExpiry()
	var (
		out Session
		ok  bool
	)
	if m.current != nil && m.current.ID == id {
		out, ok = *m.current, true
	}
	m.mu.Unlock()

	m.fire(fired, "ttl")
	return out, ok
}

// RecordFailure counts a failed attempt. Reaching the maximum rejects the
// session and returns ErrAttemptsExceeded.
func (m *Manager) RecordFailure(id string) (Session, error) {
	return m.mutate(id, "attempts exceeded", func(s *Session) (SessionState, error) {
		s.Attempts++
		if s.Attempts >= s.MaxAttempts {
			return StateRejected, ErrAttemptsExceeded
		}
		return StateActive, nil
	})
}

// BeginAttempt charges an attempt against the session before any value
// derived from its secret is sent. Every call must be settled by EndAttempt.
// A session with no attempts left is rejected.
func (m *Manager) BeginAttempt(id string) (Session, error) {
	return m.mutate(id, "attempts exceeded", func(s *Session) (SessionState, error) {
		if s.Attempts >= s.MaxAttempts {
			return StateRejected, ErrAttemptsExceeded
		}
		s.Attempts++
		return StateActive, nil
	})
}

// EndAttempt settles an attempt charged by BeginAttempt. A successful
// attempt is refunded. A failed one stays counted and rejects the session
// once the maximum is reached.
func (m *Manager) EndAttempt(id string, ok bool) (Session, error) {
	return m.mutate(id, "attempts exceeded", func(s *Session) (SessionState, error) {
		if ok {
			if s.Attempts > 0 {
				s.Attempts--
			}
			return StateActive, nil
		}
		if s.Attempts >= s.MaxAttempts {
			return StateRejected, ErrAttemptsExceeded
		}
		return StateActive, nil
	})
}

// Verified records that a listener passed the transcript check and the
// comparison code to show the operator. The session stays active.
func (m *Manager) Verified(id, comparisonCode string) (Session, error) {
	return m.mutate(id, "", func(s *Session) (SessionState, error) {
		s.ComparisonCode = comparisonCode
		return StateActive, nil
	})
}

// Confirm accepts a verified session.
func (m *Manager) Confirm(id string) (Session, error) {
	return m.mutate(id, "confirmed", func(s *Session) (SessionState, error) {
		if !s.Verified() {
			return StateActive, failure(ReasonInvalidRequest, errors.New("session not verified"))
		}
		return StateConfirmed, nil
	})
}

// Reject ends a session.
func (m *Manager) Reject(id string) (Session, error) {
	return m.mutate(id, "rejected", func(*Session) (SessionState, error) {
		return StateRejected, nil
	})
}

// Cancel rejects the active session, if any.
func (m *Manager) Cancel() {
	m.mu.Lock()
	var fired []transition
	if m.current != nil && m.current.State == StateActive {
		fired = append(fired, m.setState(m.current, StateRejected))
	}
	m.mu.Unlock()
	m.fire(fired, "cancelled")
}

// Close stops the expiry timer.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// mutate applies fn to the active session with the given id. fn returns the
// next state; an error from fn is returned after the state is applied.
func (m *Manager) mutate(id, reason string, fn func(*Session) (SessionState, error)) (Session, error) {
	m.mu.Lock()
	fired := m.checkExpiry()

	s := m.current
	var err error
	switch {
	case s == nil:
		err = ErrNoActiveSession
	case s.ID != id:
		err = ErrSessionMismatch
	case s.State == StateExpired:
		err = ErrExpired
	case s.State == StateRejected:
		err = ErrRejected
	case s.State != StateActive:
		err = ErrNoActiveSession
	}
	if err != nil {
		m.mu.Unlock()
		m.fire(fired, "ttl")
		return Session{}, err
	}

	next, fnErr := fn(s)
	if next != s.State {
		fired = append(fired, m.setState(s, next))
		if next.Terminal() && m.timer != nil {
			m.timer.Stop()
		}
	}
	out := *s
	m.mu.Unlock()

	m.fire(fired, reason)
	return out, fnErr
}

// checkExpiry expires the current session lazily. Caller holds mu.
func (m *Manager) checkExpiry() []transition {
	if m.current == nil || m.current.State != StateActive {
		return nil
	}
	if m.config.Now().Before(m.current.ExpiresAt) {
		return nil
	}
	return []transition{m.setState(m.current, StateExpired)}
}

func (m *Manager) expire(id string) {
	m.mu.Lock()
	var fired []transition
	if m.current != nil && m.current.ID == id && m.current.State == StateActive {
		fired = append(fired, m.setState(m.current, StateExpired))
	}
	m.mu.Unlock()
	m.fire(fired, "ttl")
}

// setState changes the state. Caller holds mu.
func (m *Manager) setState(s *Session, next SessionState) transition {
	old := s.State
	s.State = next
	return transition{session: *s, old: old, new: next}
}

func (m *Manager) fire(ts []transition, reason string) {
	if len(ts) == 0 {
		return
	}
	m.mu.Lock()
	callbacks := slices.Clone(m.callbacks)
	m.mu.Unlock()

	for _, t := range ts {
		m.config.Logger.Debug("pairing session state",
			"sessionId", t.session.ID,
			"old", t.old.String(),
			"new", t.new.String(),
			"reason", reason)
		if m.config.ProtocolLogger != nil {
			m.config.ProtocolLogger.Log(log.Event{
				Timestamp: m.config.Now(),
				Layer:     log.LayerPairing,
				Category:  log.CategoryState,
				LocalRole: log.RoleMonitor,
				StateChange: &log.StateChangeEvent{
					Entity:   log.StateEntityPairingSession,
					OldState: t.old.String(),
					NewState: t.new.String(),
					Reason:   reason,
				},
			})
		}
		for _, fn := range callbacks {
			fn(t.session, t.old, t.new)
		}
	}
}
