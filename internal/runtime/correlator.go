package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	"github.com/drblury/busflow/transport"
)

// PendingRequest is the caller side of an outstanding request. It is
// resolved exactly once, by whoever removes it from the correlator table.
type PendingRequest struct {
	CorrelationID string
	CreatedAt     time.Time
	Timeout       time.Duration

	done  chan struct{}
	reply *transport.Message
	err   error
}

// Done is closed once the request is resolved.
func (p *PendingRequest) Done() <-chan struct{} { return p.done }

// Result returns the reply or the failure. It is only meaningful after Done
// is closed.
func (p *PendingRequest) Result() (*transport.Message, error) { return p.reply, p.err }

func (p *PendingRequest) resolve(reply *transport.Message, err error) {
	p.reply, p.err = reply, err
	close(p.done)
}

// SendFunc ships a request message.
type SendFunc func(ctx context.Context, msg *transport.Message) error

// Correlator matches replies to pending requests by correlation id.
type Correlator struct {
	logger  loggingpkg.ServiceLogger
	metrics *BusMetrics

	mu      sync.Mutex
	pending map[string]*PendingRequest
	stopped bool
}

// NewCorrelator returns an empty correlator.
func NewCorrelator(logger loggingpkg.ServiceLogger, metrics *BusMetrics) *Correlator {
	if logger == nil {
		logger = loggingpkg.NopLogger{}
	}
	return &Correlator{
		logger:  logger,
		metrics: metrics,
		pending: make(map[string]*PendingRequest),
	}
}

// Register adds a pending entry for correlationID. It must happen before the
// request is sent so an immediate reply finds it.
func (c *Correlator) Register(correlationID string, timeout time.Duration) (*PendingRequest, error) {
	if correlationID == "" {
		return nil, fmt.Errorf("busflow: correlation id is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil, errspkg.ErrBusStopped
	}
	if _, exists := c.pending[correlationID]; exists {
		return nil, fmt.Errorf("busflow: request %s is already pending", correlationID)
	}
	p := &PendingRequest{
		CorrelationID: correlationID,
		CreatedAt:     time.Now(),
		Timeout:       timeout,
		done:          make(chan struct{}),
	}
	c.pending[correlationID] = p
	c.metrics.SetPendingRequests(len(c.pending))
	return p, nil
}

// take removes p from the table. Only the caller that gets true may resolve
// it.
func (c *Correlator) take(p *PendingRequest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.pending[p.CorrelationID]
	if !ok || current != p {
		return false
	}
	delete(c.pending, p.CorrelationID)
	c.metrics.SetPendingRequests(len(c.pending))
	return true
}

// Wait blocks until p is resolved, its timeout elapses or ctx ends.
func (c *Correlator) Wait(ctx context.Context, p *PendingRequest) (*transport.Message, error) {
	var timeout <-chan time.Time
	if p.Timeout > 0 {
		timer := time.NewTimer(p.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-p.done:
	case <-timeout:
		if c.take(p) {
			c.metrics.RecordRequestTimeout()
			p.resolve(nil, fmt.Errorf("%w after %s", errspkg.ErrRequestTimeout, p.Timeout))
		}
		<-p.done
	case <-ctx.Done():
		if c.take(p) {
			p.resolve(nil, ctx.Err())
		}
		<-p.done
	}
	return p.Result()
}

// MakeCorrelatedRequest registers msg, sends it and waits for the reply.
// The correlation id defaults to the message id. A failure response comes
// back as a *errors.RemoteError.
func (c *Correlator) MakeCorrelatedRequest(ctx context.Context, msg *transport.Message, timeout time.Duration, send SendFunc) (*transport.Message, error) {
	if msg.CorrelationID == "" {
		msg.CorrelationID = msg.MessageID
	}
	p, err := c.Register(msg.CorrelationID, timeout)
	if err != nil {
		return nil, err
	}
	if err := send(ctx, msg); err != nil {
		if c.take(p) {
			p.resolve(nil, err)
		}
		<-p.done
		return p.Result()
	}
	return c.Wait(ctx, p)
}

// OnReplyReceived resolves the pending request matching msg. Unmatched
// replies are logged and dropped; the returned error is always nil so the
// reply is acknowledged.
func (c *Correlator) OnReplyReceived(_ context.Context, msg *transport.Message, _ LockRenewer) error {
	c.mu.Lock()
	p, ok := c.pending[msg.CorrelationID]
	if ok {
		delete(c.pending, msg.CorrelationID)
		c.metrics.SetPendingRequests(len(c.pending))
	}
	c.mu.Unlock()

	if !ok {
		c.metrics.RecordUnmatchedReply()
		c.logger.Info("Dropping reply without pending request", messageFields(msg))
		return nil
	}
	if msg.IsFailureResponse() {
		detail, _ := transport.ErrorDetailFromProperties(msg.Properties)
		p.resolve(nil, &errspkg.RemoteError{Detail: detail})
		return nil
	}
	p.resolve(msg, nil)
	return nil
}

// Pending returns the number of outstanding requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stop fails every pending request with ErrBusStopped and rejects new ones.
func (c *Correlator) Stop() {
	c.mu.Lock()
	c.stopped = true
	pending := c.pending
	c.pending = make(map[string]*PendingRequest)
	c.metrics.SetPendingRequests(0)
	c.mu.Unlock()

	for _, p := range pending {
		p.resolve(nil, errspkg.ErrBusStopped)
	}
	if len(pending) > 0 {
		c.logger.Info("Failed pending requests on shutdown", loggingpkg.LogFields{"count": len(pending)})
	}
}
