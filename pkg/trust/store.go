package trust

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cribcall/cribcall-go/pkg/identity"
)

// Trust store errors.
var (
	// ErrInvalidPeer is returned for records that fail Validate.
	ErrInvalidPeer = errors.New("invalid peer")

	// ErrPeerNotFound is returned by Update for unknown fingerprints.
	ErrPeerNotFound = errors.New("peer not found")
)

// Disconnector closes live connections of a peer. The transport registry
// implements it so that removing trust also ends open sessions.
type Disconnector interface {
	DisconnectByFingerprint(fingerprint string) int
}

// Store is the set of trusted peers, keyed by certificate fingerprint.
// It is safe for concurrent use.
type Store struct {
	mu           sync.RWMutex
	peers        map[string]Peer
	repo         Repository
	disconnector Disconnector
	onRemove     []func(Peer)
	logger       *slog.Logger
}

// NewStore creates an in-memory store.
func NewStore() *Store {
	return &Store{
		peers:  make(map[string]Peer),
		logger: slog.Default(),
	}
}

// Open creates a store backed by repo and loads its peers.
// Every mutation is written through to repo.
func Open(repo Repository) (*Store, error) {
	s := NewStore()
	s.repo = repo

	peers, err := repo.LoadPeers()
	if err != nil {
		return nil, fmt.Errorf("load trusted peers: %w", err)
	}
	for _, p := range peers {
		if err := p.Validate(); err != nil {
			s.logger.Warn("skipping invalid trusted peer", "fingerprint", p.CertFingerprint, "error", err)
			continue
		}
		s.peers[p.CertFingerprint] = p
	}
	return s, nil
}

// SetLogger sets the operational logger.
func (s *Store) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

// SetDisconnector installs the hook called on Remove.
func (s *Store) SetDisconnector(d Disconnector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnector = d
}

// OnRemove registers a callback invoked after a peer was removed.
func (s *Store) OnRemove(fn func(Peer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRemove = append(s.onRemove, fn)
}

// IsTrusted reports whether the fingerprint belongs to a trusted peer.
func (s *Store) IsTrusted(fingerprint string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.peers[identity.NormalizeFingerprint(fingerprint)]
	return ok
}

// Add trusts the given certificate.
func (s *Store) Add(certDER []byte) (Peer, error) {
	p, err := PeerFromCertificate(certDER, "")
	if err != nil {
		return Peer{}, err
	}
	if err := s.AddPeer(p); err != nil {
		return Peer{}, err
	}
	return p, nil
}

// AddPeer trusts a peer record, replacing any record with the same fingerprint.
func (s *Store) AddPeer(p Peer) error {
	p.CertFingerprint = identity.NormalizeFingerprint(p.CertFingerprint)
	if p.AddedAtEpochSec == 0 {
		p.AddedAtEpochSec = time.Now().Unix()
	}
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.repo != nil {
		if err := s.repo.SavePeer(p); err != nil {
			return fmt.Errorf("persist peer %s: %w", p.CertFingerprint, err)
		}
	}
	s.peers[p.CertFingerprint] = p
	return nil
}

// Remove revokes trust in a fingerprint. Live connections of the peer are
// closed through the Disconnector before Remove returns.
func (s *Store) Remove(fingerprint string) bool {
	fp := identity.NormalizeFingerprint(fingerprint)

	s.mu.Lock()
	p, ok := s.peers[fp]
	delete(s.peers, fp)
	d := s.disconnector
	hooks := slices.Clone(s.onRemove)
	if ok && s.repo != nil {
		// Memory is already revoked; a persistence failure must not undo that.
		if err := s.repo.DeletePeer(fp); err != nil {
			s.logger.Error("failed to delete trusted peer", "fingerprint", fp, "error", err)
		}
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	if d != nil {
		n := d.DisconnectByFingerprint(fp)
		s.logger.Info("trust revoked", "fingerprint", fp, "deviceId", p.RemoteDeviceID, "closed", n)
	}
	for _, fn := range hooks {
		fn(p)
	}
	return true
}

// Get returns the peer with the given fingerprint.
func (s *Store) Get(fingerprint string) (Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[identity.NormalizeFingerprint(fingerprint)]
	return p, ok
}

// Update applies fn to the stored peer and persists the result.
// fn must not change the fingerprint.
func (s *Store) Update(fingerprint string, fn func(*Peer)) error {
	fp := identity.NormalizeFingerprint(fingerprint)

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[fp]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, fp)
	}
	fn(&p)
	if p.CertFingerprint != fp {
		return fmt.Errorf("%w: fingerprint cannot change", ErrInvalidPeer)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if s.repo != nil {
		if err := s.repo.SavePeer(p); err != nil {
			return fmt.Errorf("persist peer %s: %w", fp, err)
		}
	}
	s.peers[fp] = p
	return nil
}

// All returns the trusted fingerprints in sorted order.
func (s *Store) All() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.peers))
	for fp := range s.peers {
		out = append(out, fp)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Peers returns all peer records ordered by fingerprint.
func (s *Store) Peers() []Peer {
	s.mu.RLock()
	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CertFingerprint < out[j].CertFingerprint })
	return out
}

// Len returns the number of trusted peers.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Clear removes every peer, disconnecting each. Used after the local
// identity was regenerated and all pairings became invalid.
func (s *Store) Clear() error {
	var errs []error
	for _, fp := range s.All() {
		s.Remove(fp)
	}
	s.mu.Lock()
	if s.repo != nil {
		if err := s.repo.ClearPeers(); err != nil {
			errs = append(errs, err)
		}
	}
	s.mu.Unlock()
	return errors.Join(errs...)
}
