package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	configpkg "github.com/drblury/busflow/internal/runtime/config"
	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	"github.com/drblury/busflow/transport"
)

// DispatchFunc processes one received message. A nil error completes the
// message, anything else abandons it.
type DispatchFunc func(ctx context.Context, msg *transport.Message, lock LockRenewer) error

// PumpOptions tunes a MessagePump.
type PumpOptions struct {
	ReceiveTimeout time.Duration
	// ErrorBackoff is the pause after a failed receive.
	ErrorBackoff time.Duration
	Logger       loggingpkg.ServiceLogger
	Metrics      *BusMetrics
}

func (o PumpOptions) withDefaults() PumpOptions {
	if o.ReceiveTimeout <= 0 {
		o.ReceiveTimeout = configpkg.DefaultReceiveTimeout
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = configpkg.DefaultReceiveErrorBackoff
	}
	if o.Logger == nil {
		o.Logger = loggingpkg.NopLogger{}
	}
	return o
}

// MessagePump runs the receive, dispatch and acknowledge loop for a single
// queue. Messages are processed one at a time.
type MessagePump struct {
	queue    string
	receiver transport.Receiver
	dispatch DispatchFunc
	opts     PumpOptions
	logger   loggingpkg.ServiceLogger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMessagePump binds receiver to dispatch.
func NewMessagePump(queue string, receiver transport.Receiver, dispatch DispatchFunc, opts PumpOptions) *MessagePump {
	opts = opts.withDefaults()
	return &MessagePump{
		queue:    queue,
		receiver: receiver,
		dispatch: dispatch,
		opts:     opts,
		logger:   opts.Logger.With(loggingpkg.LogFields{"queue": queue}),
	}
}

// Queue returns the queue the pump reads.
func (p *MessagePump) Queue() string { return p.queue }

// Running reports whether the loop is active.
func (p *MessagePump) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Start launches the loop. Values of ctx reach the handlers; cancelling ctx
// ends the loop like Stop does, without interrupting an in-flight dispatch.
func (p *MessagePump) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errspkg.ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(loopCtx, context.WithoutCancel(ctx), p.done)
	p.logger.Debug("Message pump started", nil)
	return nil
}

// Stop ends the loop and waits for the in-flight message to finish. Calling
// it again, or on a pump that never started, is a no-op.
func (p *MessagePump) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done
	p.logger.Debug("Message pump stopped", nil)
}

func (p *MessagePump) run(ctx, work context.Context, done chan struct{}) {
	defer func() {
		p.mu.Lock()
		if p.done == done && p.running {
			// ctx ended without Stop
			p.running = false
			p.cancel()
		}
		p.mu.Unlock()
		close(done)
	}()
	for ctx.Err() == nil {
		p.iterate(ctx, work)
	}
}

// iterate receives and handles at most one message. Panics are contained so
// the loop keeps going.
func (p *MessagePump) iterate(ctx, work context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Message pump iteration panicked", errspkg.NewPanicError(r), nil)
			p.pause(ctx)
		}
	}()

	msg, err := p.receiver.Receive(ctx, p.opts.ReceiveTimeout)
	switch {
	case errors.Is(err, transport.ErrReceiveTimeout):
		return
	case err != nil:
		if ctx.Err() != nil {
			return
		}
		p.opts.Metrics.RecordReceiveError(p.queue)
		p.logger.Error("Failed to receive message", err, nil)
		p.pause(ctx)
		return
	case msg == nil:
		return
	}
	p.handle(work, msg)
}

func (p *MessagePump) handle(ctx context.Context, msg *transport.Message) {
	p.opts.Metrics.RecordReceived(p.queue)
	fields := messageFields(msg)

	err := p.safeDispatch(ctx, msg)
	if err == nil {
		if cerr := p.receiver.Complete(ctx, msg); cerr != nil {
			p.logger.Error("Failed to complete message", cerr, fields)
			return
		}
		p.opts.Metrics.RecordCompleted(p.queue)
		return
	}

	detail := errspkg.Detail(err)
	p.logger.Error("Message dispatch failed", err, withField(fields, "error_category", string(detail.Category)))
	if errors.Is(err, errspkg.ErrLockLost) {
		// The lock is gone; the transport redelivers once it expires.
		p.opts.Metrics.RecordAbandoned(p.queue, detail.Category)
		return
	}
	if aerr := p.receiver.Abandon(ctx, msg, detail); aerr != nil {
		p.logger.Error("Failed to abandon message", aerr, fields)
		return
	}
	p.opts.Metrics.RecordAbandoned(p.queue, detail.Category)
}

func (p *MessagePump) safeDispatch(ctx context.Context, msg *transport.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errspkg.NewDispatchFailedError(msg, errspkg.NewPanicError(r))
		}
	}()
	return p.dispatch(withQueue(ctx, p.queue), msg, p.receiver)
}

func (p *MessagePump) pause(ctx context.Context) {
	timer := time.NewTimer(p.opts.ErrorBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
