package noise

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Subscription errors.
var (
	// ErrMissingToken means a subscribe carried no delivery token.
	ErrMissingToken = errors.New("delivery token is required")

	// ErrMissingIdentifier means an unsubscribe named neither a token nor a subscription id.
	ErrMissingIdentifier = errors.New("delivery token or subscription id is required")

	// ErrMissingDevice means the caller's device id is unknown.
	ErrMissingDevice = errors.New("device id is required")
)

// Persister saves and restores subscriptions across restarts.
type Persister interface {
	LoadSubscriptions() ([]Subscription, error)
	SaveSubscriptions(subs []Subscription) error
}

// SubscribeRequest is a validated subscribe call from a trusted peer.
type SubscribeRequest struct {
	DeviceID        string
	CertFingerprint string
	DeliveryToken   string
	Platform        string
	LeaseSeconds    *int
	Threshold       *int
	CooldownSeconds *int
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithPersister stores subscriptions on every change.
func WithPersister(p Persister) ManagerOption {
	return func(m *Manager) { m.persister = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithOnChange registers a callback receiving the subscription count after changes.
func WithOnChange(fn func(count int)) ManagerOption {
	return func(m *Manager) { m.onChange = fn }
}

// Manager holds the noise subscriptions of a monitor.
type Manager struct {
	mu   sync.Mutex
	subs map[string]Subscription // by device id

	// persistMu orders snapshot+save so the last write holds the latest state.
	persistMu sync.Mutex
	persister Persister
	now       func() time.Time
	logger    *slog.Logger
	onChange  func(count int)
}

// NewManager creates a manager and loads persisted subscriptions, dropping
// expired ones.
func NewManager(opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		subs:   make(map[string]Subscription),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.persister != nil {
		subs, err := m.persister.LoadSubscriptions()
		if err != nil {
			return nil, fmt.Errorf("load subscriptions: %w", err)
		}
		now := m.now()
		for _, s := range subs {
			if !s.Expired(now) {
				m.subs[s.DeviceID] = s
			}
		}
	}
	return m, nil
}

// Subscribe creates or replaces the device's subscription. A new token
// supersedes any previous one. It returns the stored record and the lease
// actually granted.
func (m *Manager) Subscribe(req SubscribeRequest) (Subscription, int, error) {
	if req.DeviceID == "" {
		return Subscription{}, 0, ErrMissingDevice
	}
	if req.DeliveryToken == "" {
		return Subscription{}, 0, ErrMissingToken
	}

	lease := ClampLease(req.LeaseSeconds)
	now := m.now()
	sub := Subscription{
		DeviceID:          req.DeviceID,
		CertFingerprint:   req.CertFingerprint,
		DeliveryToken:     req.DeliveryToken,
		Platform:          req.Platform,
		SubscriptionID:    SubscriptionID(req.DeviceID, req.DeliveryToken),
		CreatedAtEpochSec: now.Unix(),
		ExpiresAtEpochSec: now.Unix() + int64(lease),
		Threshold:         req.Threshold,
		CooldownSeconds:   req.CooldownSeconds,
	}

	m.mu.Lock()
	if prev, ok := m.subs[req.DeviceID]; ok && prev.SubscriptionID == sub.SubscriptionID {
		sub.CreatedAtEpochSec = prev.CreatedAtEpochSec
	}
	m.subs[req.DeviceID] = sub
	m.mu.Unlock()

	m.logger.Debug("noise subscription stored",
		"deviceId", sub.DeviceID,
		"subscriptionId", sub.SubscriptionID,
		"lease", lease)
	m.changed()
	return sub, lease, nil
}

// Unsubscribe removes the device's subscription if it matches the token or
// the subscription id. It reports whether a record was removed.
func (m *Manager) Unsubscribe(deviceID, token, subscriptionID string) (bool, error) {
	if token == "" && subscriptionID == "" {
		return false, ErrMissingIdentifier
	}
	if deviceID == "" {
		return false, ErrMissingDevice
	}

	m.mu.Lock()
	sub, ok := m.subs[deviceID]
	match := ok && ((token != "" && sub.DeliveryToken == token) ||
		(subscriptionID != "" && sub.SubscriptionID == subscriptionID))
	if match {
		delete(m.subs, deviceID)
	}
	m.mu.Unlock()

	if match {
		m.changed()
	}
	return match, nil
}

// RemoveDevice drops the subscription of a device, e.g. after unpairing.
func (m *Manager) RemoveDevice(deviceID string) bool {
	m.mu.Lock()
	_, ok := m.subs[deviceID]
	delete(m.subs, deviceID)
	m.mu.Unlock()

	if ok {
		m.changed()
	}
	return ok
}

// RemoveFingerprint drops every subscription registered under a certificate.
func (m *Manager) RemoveFingerprint(fingerprint string) int {
	m.mu.Lock()
	n := 0
	for id, s := range m.subs {
		if s.CertFingerprint == fingerprint {
			delete(m.subs, id)
			n++
		}
	}
	m.mu.Unlock()

	if n > 0 {
		m.changed()
	}
	return n
}

// Get returns the subscription of a device.
func (m *Manager) Get(deviceID string) (Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[deviceID]
	return s, ok
}

// Active prunes expired subscriptions and returns the rest, ordered by device id.
func (m *Manager) Active(now time.Time) []Subscription {
	m.Prune(now)

	m.mu.Lock()
	out := make([]Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Prune removes subscriptions whose lease has ended and returns how many.
func (m *Manager) Prune(now time.Time) int {
	m.mu.Lock()
	n := 0
	for id, s := range m.subs {
		if s.Expired(now) {
			delete(m.subs, id)
			n++
		}
	}
	m.mu.Unlock()

	if n > 0 {
		m.changed()
	}
	return n
}

// Len returns the number of stored subscriptions, expired or not.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Clear drops all subscriptions.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.subs = make(map[string]Subscription)
	m.mu.Unlock()
	m.changed()
}

func (m *Manager) changed() {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	snapshot := make([]Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		snapshot = append(snapshot, s)
	}
	m.mu.Unlock()

	if m.persister != nil {
		sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].DeviceID < snapshot[j].DeviceID })
		if err := m.persister.SaveSubscriptions(snapshot); err != nil {
			m.logger.Error("failed to persist noise subscriptions", "error", err)
		}
	}
	if m.onChange != nil {
		m.onChange(len(snapshot))
	}
}
