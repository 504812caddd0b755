package bdev

import (
	"context"
	"sync"
)

// TimeoutAction is the per-controller policy applied when a command fails
// to complete in its allotted time. It is the only place the timeout
// policy exists: the nexus and rebuild engine never see a timed-out
// command directly, only the resulting completion status once Apply has
// run.
type TimeoutAction int

const (
	// TimeoutReset cancels every outstanding command on the controller
	// with a failure status and transitions the controller into recovery.
	TimeoutReset TimeoutAction = iota
	// TimeoutAbort cancels only the timed-out command.
	TimeoutAbort
	// TimeoutIgnore leaves the command outstanding indefinitely.
	TimeoutIgnore
)

func (a TimeoutAction) String() string {
	switch a {
	case TimeoutReset:
		return "reset"
	case TimeoutAbort:
		return "abort"
	case TimeoutIgnore:
		return "ignore"
	default:
		return "unknown"
	}
}

// Recoverable is implemented by anything a TimeoutPolicy can act on: an
// initiator controller, or (in principle) any backend that exposes
// controller-level recovery.
type Recoverable interface {
	ResetController(ctx context.Context) error
	AbortCommand(ctx context.Context, cmdID uint64) error
}

// TimeoutPolicy holds the configured action for one controller and applies
// it on demand. It is safe for concurrent use since a controller's
// timeout policy can be reconfigured while I/O is in flight.
type TimeoutPolicy struct {
	mu     sync.RWMutex
	action TimeoutAction
}

func NewTimeoutPolicy(action TimeoutAction) *TimeoutPolicy {
	return &TimeoutPolicy{action: action}
}

func (p *TimeoutPolicy) Action() TimeoutAction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.action
}

func (p *TimeoutPolicy) SetAction(action TimeoutAction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.action = action
}

// Apply executes the configured action against target for the command
// identified by cmdID. TimeoutIgnore is a no-op by design.
func (p *TimeoutPolicy) Apply(ctx context.Context, target Recoverable, cmdID uint64) error {
	switch p.Action() {
	case TimeoutReset:
		return target.ResetController(ctx)
	case TimeoutAbort:
		return target.AbortCommand(ctx, cmdID)
	default:
		return nil
	}
}
