package target

import (
	"sync"

	"github.com/io-engine/io-engine/pkg/bdev"
	"github.com/io-engine/io-engine/pkg/ioerr"
)

// Subsystem is created per published nexus or shared replica, its NQN
// derived from the device UUID. A subsystem publishes exactly one
// namespace in this implementation (one nexus or replica per NQN), matching
// how pkg/pool mints one BlockDevice per replica.
type Subsystem struct {
	mu sync.RWMutex

	NQN string

	namespace *bdev.Handle
	paused    bool
	anaOn     bool

	allowAny     bool
	allowedHosts map[string]bool

	reservation ReservationConfig
}

// ReservationConfig captures NVMe reservation / PTPL (persist-through-power-
// loss) settings for a subsystem. The value is stored and returned as-is;
// this implementation doesn't interpret reservation semantics itself beyond
// gating when the setting can change (see SetReservationConfig).
type ReservationConfig struct {
	PersistThroughPowerLoss bool
}

// NewSubsystem creates a subsystem with no namespace and no allowed hosts
// (callers must either AllowAnyHost or AddAllowedHost before any host can
// connect).
func NewSubsystem(nqn string) *Subsystem {
	return &Subsystem{NQN: nqn, allowedHosts: make(map[string]bool)}
}

// AddNamespace claims dev exclusively and installs it as the subsystem's
// published namespace, pausing and resuming around the mutation.
// The claim means the backing device cannot be opened read-write
// elsewhere while this subsystem publishes it, the same exclusivity a
// nexus relies on for its children.
func (s *Subsystem) AddNamespace(dev *bdev.BlockDevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.namespace != nil {
		return ioerr.New(ioerr.AlreadyExists, "subsystem %s already has a namespace", s.NQN)
	}
	guard, err := dev.Open(true, "nvmf-target:"+s.NQN)
	if err != nil {
		return err
	}
	s.pauseLocked()
	s.namespace = guard.IntoHandle()
	s.resumeLocked()
	return nil
}

// RemoveNamespace releases the claim on and clears the subsystem's
// published namespace.
func (s *Subsystem) RemoveNamespace() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauseLocked()
	if s.namespace != nil {
		s.namespace.Close()
		s.namespace = nil
	}
	s.resumeLocked()
}

func (s *Subsystem) pauseLocked() { s.paused = true }
func (s *Subsystem) resumeLocked() { s.paused = false }

// Pause quiesces the subsystem, used by nexus pause/resume around
// snapshot.
func (s *Subsystem) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauseLocked()
}

// Resume un-quiesces the subsystem.
func (s *Subsystem) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumeLocked()
}

// IsPaused reports whether the subsystem currently rejects I/O dispatch.
func (s *Subsystem) IsPaused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused
}

// Namespace returns the handle to the subsystem's published device, or
// nil if none is installed.
func (s *Subsystem) Namespace() *bdev.Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.namespace
}

// SetReservationConfig installs the subsystem's reservation/PTPL settings.
// Refused once a namespace is published: reservation state is expected to be
// fixed for the lifetime of an active subsystem, the same activation gating
// AddNamespace/RemoveNamespace apply to the namespace itself.
func (s *Subsystem) SetReservationConfig(cfg ReservationConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.namespace != nil {
		return ioerr.New(ioerr.FailedPrecondition, "subsystem %s: cannot change reservation config while active", s.NQN)
	}
	s.reservation = cfg
	return nil
}

// ReservationConfig returns the subsystem's current reservation/PTPL settings.
func (s *Subsystem) ReservationConfig() ReservationConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reservation
}

// SetANA toggles asymmetric namespace access reporting for this subsystem.
func (s *Subsystem) SetANA(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anaOn = on
}

// ANA reports whether ANA reporting is enabled.
func (s *Subsystem) ANA() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.anaOn
}

// AllowAnyHost permits any host NQN to connect: an empty allow-list plus
// allow=true permits anyone.
func (s *Subsystem) AllowAnyHost(allow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowAny = allow
}

// AddAllowedHost appends hostNQN to the allow-list.
func (s *Subsystem) AddAllowedHost(hostNQN string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowedHosts[hostNQN] = true
}

// RemoveAllowedHost removes hostNQN from the allow-list.
func (s *Subsystem) RemoveAllowedHost(hostNQN string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.allowedHosts, hostNQN)
}

// HostAllowed reports whether hostNQN may connect to this subsystem.
func (s *Subsystem) HostAllowed(hostNQN string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.allowAny && len(s.allowedHosts) == 0 {
		return true
	}
	return s.allowedHosts[hostNQN]
}
