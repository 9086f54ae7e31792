package runtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	configpkg "github.com/drblury/busflow/internal/runtime/config"
	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	"github.com/drblury/busflow/transport"
)

// SenderFactory opens a transport sender for destination.
type SenderFactory func(ctx context.Context, destination string) (transport.Sender, error)

// BatchOptions tunes a BatchingSender.
type BatchOptions struct {
	MaxMessages   int
	MaxBytes      int
	FlushInterval time.Duration
	Logger        loggingpkg.ServiceLogger
	Metrics       *BusMetrics
}

func (o BatchOptions) withDefaults() BatchOptions {
	if o.MaxMessages <= 0 {
		o.MaxMessages = configpkg.DefaultBatchMaxMessages
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = configpkg.DefaultBatchMaxBytes
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = configpkg.DefaultBatchFlushInterval
	}
	if o.Logger == nil {
		o.Logger = loggingpkg.NopLogger{}
	}
	return o
}

// BatchingSender buffers messages for one destination and ships them as a
// single SendBatch call. A failed flush drops the transport sender so the
// next attempt opens a new one; the buffered messages stay queued.
type BatchingSender struct {
	destination string
	newSender   SenderFactory
	opts        BatchOptions

	mu      sync.Mutex
	buffer  []*transport.Message
	bytes   int
	sender  transport.Sender
	closed  bool
	started bool

	flushMu sync.Mutex
	kick    chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// NewBatchingSender returns an idle sender. Call Start to enable the
// background flush trigger.
func NewBatchingSender(destination string, factory SenderFactory, opts BatchOptions) *BatchingSender {
	return &BatchingSender{
		destination: destination,
		newSender:   factory,
		opts:        opts.withDefaults(),
		kick:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Destination returns the queue this sender writes to.
func (s *BatchingSender) Destination() string { return s.destination }

// Start launches the flush loop. It flushes every FlushInterval and as soon
// as the buffer crosses a size threshold.
func (s *BatchingSender) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	go s.loop()
}

func (s *BatchingSender) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		case <-s.kick:
		}
		if err := s.Flush(context.Background()); err != nil {
			s.opts.Logger.Error("Background flush failed, messages kept for retry", err, loggingpkg.LogFields{
				"destination": s.destination,
				"count":       s.Buffered(),
			})
		}
	}
}

// Send enqueues msgs without blocking on the transport.
func (s *BatchingSender) Send(msgs ...*transport.Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errspkg.ErrSenderClosed
	}
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		s.buffer = append(s.buffer, msg)
		s.bytes += msg.Size()
	}
	full := len(s.buffer) >= s.opts.MaxMessages || s.bytes >= s.opts.MaxBytes
	buffered := len(s.buffer)
	s.mu.Unlock()

	s.opts.Metrics.SetBuffered(s.destination, buffered)
	if full {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Buffered returns the number of messages waiting to be sent.
func (s *BatchingSender) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Flush sends everything currently buffered as one batch. Messages enqueued
// while the batch is in flight wait for the next flush.
func (s *BatchingSender) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	batch := append([]*transport.Message(nil), s.buffer...)
	sender := s.sender
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	if sender == nil {
		created, err := s.newSender(ctx, s.destination)
		if err != nil {
			s.opts.Metrics.RecordFlush(s.destination, false)
			return &errspkg.SendFailedError{Destination: s.destination, Count: len(batch), Err: err}
		}
		sender = created
		s.mu.Lock()
		s.sender = sender
		s.mu.Unlock()
	}

	if err := sender.SendBatch(ctx, batch); err != nil {
		s.mu.Lock()
		if s.sender == sender {
			s.sender = nil
		}
		s.mu.Unlock()
		if cerr := sender.Close(); cerr != nil {
			s.opts.Logger.Debug("Closing failed sender", loggingpkg.LogFields{"destination": s.destination, "error": cerr.Error()})
		}
		s.opts.Metrics.RecordFlush(s.destination, false)
		return &errspkg.SendFailedError{Destination: s.destination, Count: len(batch), Err: err}
	}

	s.mu.Lock()
	s.buffer = append([]*transport.Message(nil), s.buffer[len(batch):]...)
	s.bytes = 0
	for _, msg := range s.buffer {
		s.bytes += msg.Size()
	}
	remaining := len(s.buffer)
	s.mu.Unlock()

	s.opts.Metrics.RecordFlush(s.destination, true)
	s.opts.Metrics.SetBuffered(s.destination, remaining)
	s.opts.Logger.Debug("Flushed batch", loggingpkg.LogFields{"destination": s.destination, "count": len(batch)})
	return nil
}

// Close stops the flush loop, makes a last flush attempt and gives up on
// whatever is still buffered, reporting it as a SendFailedError.
func (s *BatchingSender) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	if started {
		close(s.stop)
		<-s.done
	}

	var result error
	if err := s.Flush(ctx); err != nil {
		s.mu.Lock()
		lost := len(s.buffer)
		s.buffer = nil
		s.bytes = 0
		s.mu.Unlock()
		s.opts.Metrics.SetBuffered(s.destination, 0)
		result = &errspkg.SendFailedError{Destination: s.destination, Count: lost, Err: errors.Unwrap(err)}
		s.opts.Logger.Error("Giving up on buffered messages", err, loggingpkg.LogFields{"destination": s.destination, "count": lost})
	}

	s.mu.Lock()
	sender := s.sender
	s.sender = nil
	s.mu.Unlock()
	if sender != nil {
		if err := sender.Close(); err != nil && result == nil {
			result = err
		}
	}
	return result
}

// SenderPool owns one BatchingSender per destination.
type SenderPool struct {
	newSender SenderFactory
	opts      BatchOptions

	mu      sync.Mutex
	senders map[string]*BatchingSender
	closed  bool
}

// NewSenderPool returns an empty pool. Senders are created on first use and
// start their flush loop immediately.
func NewSenderPool(factory SenderFactory, opts BatchOptions) *SenderPool {
	return &SenderPool{
		newSender: factory,
		opts:      opts.withDefaults(),
		senders:   make(map[string]*BatchingSender),
	}
}

// Get returns the sender for destination, creating it when needed.
func (p *SenderPool) Get(destination string) (*BatchingSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errspkg.ErrSenderClosed
	}
	if s, ok := p.senders[destination]; ok {
		return s, nil
	}
	s := NewBatchingSender(destination, p.newSender, p.opts)
	s.Start()
	p.senders[destination] = s
	return s, nil
}

// Send enqueues msgs for destination.
func (p *SenderPool) Send(_ context.Context, destination string, msgs ...*transport.Message) error {
	s, err := p.Get(destination)
	if err != nil {
		return err
	}
	return s.Send(msgs...)
}

// FlushAll flushes every destination and joins the failures.
func (p *SenderPool) FlushAll(ctx context.Context) error {
	var errs []error
	for _, s := range p.snapshot() {
		if err := s.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sender. Messages that could not be flushed are reported
// as joined SendFailedErrors.
func (p *SenderPool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for _, s := range p.snapshot() {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *SenderPool) snapshot() []*BatchingSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*BatchingSender, 0, len(p.senders))
	for _, s := range p.senders {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].destination < out[j].destination })
	return out
}
