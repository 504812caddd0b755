package initiator

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/io-engine/io-engine/internal/logger"
	"github.com/io-engine/io-engine/pkg/bdev"
	"github.com/io-engine/io-engine/pkg/ioerr"
	"github.com/io-engine/io-engine/pkg/nvmf/wire"
	"github.com/io-engine/io-engine/pkg/stats"
	"github.com/io-engine/io-engine/pkg/uri"
)

// ProbeState is a step in the SPDK-style asynchronous connect-and-attach
// state machine: a periodic poller drives the probe until the callback
// fires with either Success or an errno.
type ProbeState int

const (
	ProbeConnecting ProbeState = iota
	ProbeProbing
	ProbeAttached
	ProbeFailed
)

func (s ProbeState) String() string {
	switch s {
	case ProbeConnecting:
		return "Connecting"
	case ProbeProbing:
		return "Probing"
	case ProbeAttached:
		return "Attached"
	case ProbeFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ControllerOptions carries the controller context: the transport id is
// implied by the URI itself, leaving retry count,
// keep-alive interval, and an optional HostNQN to identify this initiator
// to the target's allowed-host check.
type ControllerOptions struct {
	RetryCount int
	KeepAlive  time.Duration
	HostNQN    string

	// pollInterval paces the probe loop's dial retries; zero uses a
	// sensible default. Exposed only for tests that don't want to wait
	// out the production interval.
	pollInterval time.Duration
}

// Controller is a single NVMe-oF controller context: one TCP connection
// to a target's replica-serving endpoint, and the namespaces it surfaced
// on attach. Exactly one BlockDevice is created per namespace; this
// implementation's targets always publish a single namespace per
// subsystem, so a Controller always surfaces exactly one.
type Controller struct {
	Name string
	opts ControllerOptions
	dev  *uri.Device

	reqMu sync.Mutex
	conn  net.Conn

	mu          sync.RWMutex
	state       ProbeState
	blockDevice *bdev.BlockDevice

	inflight    sync.WaitGroup
	destroyOnce sync.Once

	reg         *Registry
	devRegistry *bdev.Registry
	stats       stats.Counters
}

// Connect performs the asynchronous connect-and-attach against dev (which
// must be a parsed nvmf:// URI), registering the resulting controller
// under name in reg and the surfaced namespace's BlockDevice under
// "<name>n1" in devRegistry.
func Connect(ctx context.Context, name string, dev *uri.Device, opts ControllerOptions, reg *Registry, devRegistry *bdev.Registry) (*Controller, error) {
	if dev.Scheme != uri.SchemeNvmf {
		return nil, ioerr.New(ioerr.InvalidArgument, "Connect requires an nvmf:// URI, got %s", dev.Scheme)
	}
	if devRegistry == nil {
		devRegistry = bdev.Global()
	}
	if opts.RetryCount <= 0 {
		opts.RetryCount = 3
	}
	if opts.pollInterval <= 0 {
		opts.pollInterval = 50 * time.Millisecond
	}
	if opts.HostNQN == "" {
		opts.HostNQN = dev.HostNQN
	}

	c := &Controller{
		Name:        name,
		opts:        opts,
		dev:         dev,
		devRegistry: devRegistry,
	}
	c.setState(ProbeConnecting)

	addr := fmt.Sprintf("%s:%d", dev.Host, dev.Port)
	conn, err := c.probe(ctx, addr)
	if err != nil {
		c.setState(ProbeFailed)
		return nil, err
	}
	c.conn = conn

	resp, err := c.connectHandshake()
	if err != nil {
		conn.Close()
		c.setState(ProbeFailed)
		return nil, err
	}

	blockDev, err := bdev.NewBlockDevice(name+"n1", "nvmf", "nvmf", dev.UUID.String(), resp.BlockSize, resp.BlockCount, 512, newRemoteBackend(c))
	if err != nil {
		conn.Close()
		c.setState(ProbeFailed)
		return nil, err
	}
	if err := devRegistry.Register(blockDev); err != nil {
		conn.Close()
		c.setState(ProbeFailed)
		return nil, err
	}

	c.mu.Lock()
	c.blockDevice = blockDev
	c.mu.Unlock()
	c.setState(ProbeAttached)

	if err := reg.Register(c); err != nil {
		devRegistry.Unregister(blockDev.Name)
		conn.Close()
		return nil, err
	}
	c.reg = reg

	logger.Info("nvmf controller attached", "controller", name, "namespace", blockDev.Name, "addr", addr)
	return c, nil
}

// probe drives the periodic dial-retry loop standing in for SPDK's
// asynchronous probe poller: each tick is one connection attempt, up to
// RetryCount attempts, until one succeeds or ctx is done.
func (c *Controller) probe(ctx context.Context, addr string) (net.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < c.opts.RetryCount; attempt++ {
		c.setState(ProbeProbing)

		dialer := net.Dialer{}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ioerr.Wrap(ioerr.Unavailable, ctx.Err(), "probe cancelled connecting to %s", addr)
		case <-time.After(c.opts.pollInterval):
		}
	}
	return nil, ioerr.Wrap(ioerr.Unavailable, lastErr, "failed to connect to %s after %d attempts", addr, c.opts.RetryCount)
}

func (c *Controller) connectHandshake() (wire.Response, error) {
	req := wire.Request{
		Op:      wire.OpConnect,
		NQN:     c.dev.Name,
		HostNQN: c.opts.HostNQN,
	}
	resp, err := c.roundTrip(req)
	if err != nil {
		return wire.Response{}, err
	}
	if err := resp.Err(); err != nil {
		return wire.Response{}, err
	}
	return resp, nil
}

func (c *Controller) roundTrip(req wire.Request) (wire.Response, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if err := wire.WriteFrame(c.conn, req); err != nil {
		return wire.Response{}, err
	}
	var resp wire.Response
	if err := wire.ReadFrame(c.conn, &resp); err != nil {
		return wire.Response{}, ioerr.Wrap(ioerr.IoError, err, "reading response for %s", req.Op)
	}
	return resp, nil
}

func (c *Controller) setState(s ProbeState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the controller's current probe state.
func (c *Controller) State() ProbeState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// BlockDevice returns the namespace surfaced by this controller.
func (c *Controller) BlockDevice() *bdev.BlockDevice {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blockDevice
}

// Destroy unregisters the controller and waits for in-flight commands to
// drain before closing the underlying connection. It is idempotent and
// safe to call from a timeout-reset action: a second call after
// destruction is a no-op, never an error.
func (c *Controller) Destroy(ctx context.Context) error {
	var destroyErr error
	c.destroyOnce.Do(func() {
		if c.reg != nil {
			_ = c.reg.Unregister(c.Name)
		}

		c.mu.RLock()
		blockDev := c.blockDevice
		c.mu.RUnlock()
		if blockDev != nil {
			if err := c.devRegistry.Unregister(blockDev.Name); err != nil {
				logger.Warn("nvmf controller destroy: namespace still claimed", "controller", c.Name, "namespace", blockDev.Name, "error", err)
			}
		}

		drained := make(chan struct{})
		go func() {
			c.inflight.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			destroyErr = ctx.Err()
		}

		c.reqMu.Lock()
		if c.conn != nil {
			_ = wire.WriteFrame(c.conn, wire.Request{Op: wire.OpDisconnect})
			c.conn.Close()
		}
		c.reqMu.Unlock()

		logger.Info("nvmf controller destroyed", "controller", c.Name)
	})
	return destroyErr
}
