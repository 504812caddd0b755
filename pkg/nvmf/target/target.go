package target

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/io-engine/io-engine/internal/logger"
	"github.com/io-engine/io-engine/pkg/bdev"
	"github.com/io-engine/io-engine/pkg/config"
	"github.com/io-engine/io-engine/pkg/ioerr"
)

// Target drives the NVMe-oF target state machine:
// Init → CreatePollGroupsPerCore → AddTCPTransport →
// Listen(nexus_port, replica_port) → EnableDiscovery → Running, and the
// mirrored shutdown sequence. Two listeners are kept so nexus-serving and
// replica-serving traffic can be firewalled independently.
type Target struct {
	cfg      config.NvmfConfig
	registry *bdev.Registry
	bearer   *bearerValidator

	mu         sync.RWMutex
	state      State
	pollGroups []*pollGroup
	subsystems map[string]*Subsystem

	nexusListener   net.Listener
	replicaListener net.Listener

	shutdownOnce sync.Once
	conns        sync.WaitGroup
	acceptors    sync.WaitGroup
}

// New creates a target bound to cfg. registry is where published
// namespaces' backing devices are looked up; nil uses bdev.Global().
func New(cfg config.NvmfConfig, registry *bdev.Registry) *Target {
	if registry == nil {
		registry = bdev.Global()
	}
	t := &Target{
		cfg:        cfg,
		registry:   registry,
		subsystems: make(map[string]*Subsystem),
	}
	if cfg.BearerAuth.Enabled {
		t.bearer = newBearerValidator(cfg.BearerAuth.Secret, cfg.BearerAuth.Issuer)
	}
	return t
}

// State returns the target's current lifecycle state.
func (t *Target) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *Target) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	logger.Info("nvmf target state transition", "state", s.String())
}

// Start runs the target through its initialization state machine and
// begins serving connections. cores sizes the poll-group set; in this
// implementation a poll group carries no scheduling behavior of its own
// (see pollgroup.go), but the create/destroy ordering is preserved so the
// target's lifecycle matches that exactly.
func (t *Target) Start(ctx context.Context, cores int) error {
	if cores <= 0 {
		cores = 1
	}

	t.setState(CreatingPollGroups)
	t.mu.Lock()
	t.pollGroups = createPollGroups(cores)
	t.mu.Unlock()

	t.setState(AddingTCPTransport)
	// A real target registers the TCP transport with SPDK here; this
	// implementation's transport is the two net.Listeners opened below.

	t.setState(Listening)
	nexusAddr := fmt.Sprintf("%s:%d", t.cfg.Address, t.cfg.NexusPort)
	nexusLn, err := net.Listen("tcp", nexusAddr)
	if err != nil {
		t.setState(Init)
		return ioerr.Wrap(ioerr.Unavailable, err, "listening on nexus endpoint %s", nexusAddr)
	}

	replicaAddr := fmt.Sprintf("%s:%d", t.cfg.Address, t.cfg.ReplicaPort)
	replicaLn, err := net.Listen("tcp", replicaAddr)
	if err != nil {
		nexusLn.Close()
		t.setState(Init)
		return ioerr.Wrap(ioerr.Unavailable, err, "listening on replica endpoint %s", replicaAddr)
	}

	t.mu.Lock()
	t.nexusListener = nexusLn
	t.replicaListener = replicaLn
	t.mu.Unlock()

	t.setState(EnablingDiscovery)
	// Discovery in this implementation is implicit: a subsystem is
	// reachable on either endpoint the instant CreateSubsystem installs
	// it, so there is no separate discovery log/service to start.

	t.acceptors.Add(2)
	go t.acceptLoop(nexusLn, "nexus")
	go t.acceptLoop(replicaLn, "replica")

	t.setState(Running)
	logger.Info("nvmf target running", "nexus_addr", nexusAddr, "replica_addr", replicaAddr)
	return nil
}

// CreateSubsystem creates a subsystem for a published nexus or shared
// replica, NQN'd by the caller from the device's UUID. No new subsystem
// starts are accepted once shutdown has begun.
func (t *Target) CreateSubsystem(nqn string) (*Subsystem, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == ShuttingDown || t.state == Stopped {
		return nil, ioerr.New(ioerr.FailedPrecondition, "target is shutting down, refusing new subsystem %s", nqn)
	}
	if _, exists := t.subsystems[nqn]; exists {
		return nil, ioerr.New(ioerr.AlreadyExists, "subsystem %s already exists", nqn)
	}
	sub := NewSubsystem(nqn)
	sub.AllowAnyHost(t.cfg.AllowAnyHost)
	t.subsystems[nqn] = sub
	logger.Info("nvmf subsystem created", "nqn", nqn)
	return sub, nil
}

// PublishNamespace looks deviceName up in the target's registry and
// installs it as nqn's namespace. This is the path a pool or nexus takes
// to make a replica or published nexus reachable over the fabric.
func (t *Target) PublishNamespace(nqn, deviceName string) error {
	sub, err := t.Lookup(nqn)
	if err != nil {
		return err
	}
	dev, err := t.registry.Lookup(deviceName)
	if err != nil {
		return err
	}
	return sub.AddNamespace(dev)
}

// Lookup returns the subsystem with the given NQN.
func (t *Target) Lookup(nqn string) (*Subsystem, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sub, ok := t.subsystems[nqn]
	if !ok {
		return nil, ioerr.New(ioerr.NotFound, "subsystem %s not found", nqn)
	}
	return sub, nil
}

// DestroySubsystem releases the subsystem's namespace claim and removes it.
func (t *Target) DestroySubsystem(nqn string) error {
	t.mu.Lock()
	sub, ok := t.subsystems[nqn]
	if !ok {
		t.mu.Unlock()
		return ioerr.New(ioerr.NotFound, "subsystem %s not found", nqn)
	}
	delete(t.subsystems, nqn)
	t.mu.Unlock()

	sub.RemoveNamespace()
	logger.Info("nvmf subsystem destroyed", "nqn", nqn)
	return nil
}

// Shutdown stops listening on both endpoints, stops every subsystem,
// destroys the poll groups, and waits for in-flight connections to drain,
// in that order. It is safe to call more than once.
func (t *Target) Shutdown(ctx context.Context) error {
	var shutdownErr error
	t.shutdownOnce.Do(func() {
		t.setState(ShuttingDown)

		t.mu.Lock()
		nexusLn, replicaLn := t.nexusListener, t.replicaListener
		groups := t.pollGroups
		subs := make([]*Subsystem, 0, len(t.subsystems))
		for _, sub := range t.subsystems {
			subs = append(subs, sub)
		}
		t.subsystems = make(map[string]*Subsystem)
		t.mu.Unlock()

		if nexusLn != nil {
			nexusLn.Close()
		}
		if replicaLn != nil {
			replicaLn.Close()
		}
		t.acceptors.Wait()

		for _, sub := range subs {
			sub.Pause()
			sub.RemoveNamespace()
		}

		var wg sync.WaitGroup
		wg.Add(len(groups))
		for i := range groups {
			go func(g *pollGroup) {
				defer wg.Done()
				destroyPollGroups([]*pollGroup{g})
			}(groups[i])
		}
		wg.Wait()

		drained := make(chan struct{})
		go func() {
			t.conns.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			shutdownErr = ctx.Err()
		}

		t.setState(Stopped)
		logger.Info("nvmf target shutdown complete")
	})
	return shutdownErr
}

// NexusAddr returns the nexus-serving listener's bound address, valid
// once Start has reached Listening or later.
func (t *Target) NexusAddr() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.nexusListener == nil {
		return ""
	}
	return t.nexusListener.Addr().String()
}

// ReplicaAddr returns the replica-serving listener's bound address, valid
// once Start has reached Listening or later.
func (t *Target) ReplicaAddr() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.replicaListener == nil {
		return ""
	}
	return t.replicaListener.Addr().String()
}

func (t *Target) isShuttingDown() bool {
	return t.State() == ShuttingDown || t.State() == Stopped
}
