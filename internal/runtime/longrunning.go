package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	configpkg "github.com/drblury/busflow/internal/runtime/config"
	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	"github.com/drblury/busflow/transport"
)

// LockRenewer extends the lock on a received message. transport.Receiver
// satisfies it.
type LockRenewer interface {
	RenewLock(ctx context.Context, msg *transport.Message) (time.Time, error)
}

// LeaseState is the state of a supervised long-running invocation.
type LeaseState int

const (
	LeaseRunning LeaseState = iota
	LeaseRenewingLock
	LeaseCompleted
	LeaseFailed
	LeaseExpired
)

func (s LeaseState) String() string {
	switch s {
	case LeaseRunning:
		return "running"
	case LeaseRenewingLock:
		return "renewing_lock"
	case LeaseCompleted:
		return "completed"
	case LeaseFailed:
		return "failed"
	case LeaseExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// minRenewalInterval keeps a nearly expired lock from turning the
// supervisor into a busy loop.
const minRenewalInterval = 10 * time.Millisecond

// SupervisorOptions tunes lock renewal for long-running handlers.
type SupervisorOptions struct {
	// LockDuration is assumed when the receiver did not report a lock expiry.
	LockDuration time.Duration
	// RenewalFraction of the remaining lock time elapses before each renewal.
	RenewalFraction float64
	// MaxDuration caps the invocation regardless of successful renewals.
	MaxDuration time.Duration
	Logger      loggingpkg.ServiceLogger
	Metrics     *BusMetrics
	// OnStateChange observes every transition.
	OnStateChange func(LeaseState)
}

func (o SupervisorOptions) withDefaults() SupervisorOptions {
	if o.LockDuration <= 0 {
		o.LockDuration = configpkg.DefaultLockDuration
	}
	if o.RenewalFraction <= 0 || o.RenewalFraction >= 1 {
		o.RenewalFraction = configpkg.DefaultLockRenewalFraction
	}
	if o.MaxDuration <= 0 {
		o.MaxDuration = configpkg.DefaultMaxHandlerDuration
	}
	if o.Logger == nil {
		o.Logger = loggingpkg.NopLogger{}
	}
	return o
}

// Supervisor runs one long-running invocation and keeps its message lock
// alive until the handler returns, the lock cannot be renewed or the maximum
// duration elapses.
type Supervisor struct {
	opts SupervisorOptions

	mu          sync.Mutex
	state       LeaseState
	lockedUntil time.Time
	renewals    int
}

// NewSupervisor returns a supervisor for a single invocation.
func NewSupervisor(opts SupervisorOptions) *Supervisor {
	return &Supervisor{opts: opts.withDefaults()}
}

// State returns the current lease state.
func (s *Supervisor) State() LeaseState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Renewals returns how many times the lock was renewed.
func (s *Supervisor) Renewals() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renewals
}

type outcome struct {
	value any
	err   error
}

// Run starts fn concurrently and races it against lock renewals and the
// maximum duration. On LockLost or MaxDurationExceeded fn's context is
// cancelled but fn is not waited for; its eventual result is discarded.
func (s *Supervisor) Run(ctx context.Context, msg *transport.Message, lock LockRenewer, fn func(context.Context) (any, error)) (any, error) {
	handlerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.setLockedUntil(msg.LockedUntil)
	s.transition(LeaseRunning)

	done := make(chan outcome, 1)
	go func() {
		value, err := callSafely(handlerCtx, fn)
		done <- outcome{value: value, err: err}
	}()

	ceiling := time.NewTimer(s.opts.MaxDuration)
	defer ceiling.Stop()
	renew := time.NewTimer(s.nextRenewal(time.Now()))
	defer renew.Stop()

	fields := messageFields(msg)
	for {
		select {
		case res := <-done:
			if res.err != nil {
				s.transition(LeaseFailed)
			} else {
				s.transition(LeaseCompleted)
			}
			return res.value, res.err

		case <-ceiling.C:
			s.transition(LeaseExpired)
			s.opts.Logger.Error("Long-running handler exceeded its maximum duration", errspkg.ErrMaxDurationExceeded, fields)
			return nil, fmt.Errorf("%w after %s", errspkg.ErrMaxDurationExceeded, s.opts.MaxDuration)

		case <-renew.C:
			s.transition(LeaseRenewingLock)
			until, err := lock.RenewLock(ctx, msg)
			if err != nil {
				s.transition(LeaseExpired)
				s.opts.Metrics.RecordLockRenewal(false)
				s.opts.Logger.Error("Lock lost while handler was running", err, fields)
				if errors.Is(err, errspkg.ErrLockLost) {
					return nil, err
				}
				return nil, fmt.Errorf("%w: %w", errspkg.ErrLockLost, err)
			}
			s.opts.Metrics.RecordLockRenewal(true)
			s.setLockedUntil(until)
			s.mu.Lock()
			s.renewals++
			s.mu.Unlock()
			s.opts.Logger.Debug("Lock renewed", withField(fields, "locked_until", until))
			s.transition(LeaseRunning)
			renew.Reset(s.nextRenewal(time.Now()))

		case <-ctx.Done():
			s.transition(LeaseExpired)
			return nil, ctx.Err()
		}
	}
}

// nextRenewal is RenewalFraction of the time left on the lock.
func (s *Supervisor) nextRenewal(now time.Time) time.Duration {
	s.mu.Lock()
	until := s.lockedUntil
	s.mu.Unlock()

	remaining := s.opts.LockDuration
	if !until.IsZero() {
		remaining = until.Sub(now)
	}
	interval := time.Duration(float64(remaining) * s.opts.RenewalFraction)
	if interval < minRenewalInterval {
		return minRenewalInterval
	}
	return interval
}

func (s *Supervisor) setLockedUntil(until time.Time) {
	s.mu.Lock()
	s.lockedUntil = until
	s.mu.Unlock()
}

func (s *Supervisor) transition(state LeaseState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(state)
	}
}
