package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	"github.com/drblury/busflow/transport"
)

type placeOrder struct {
	ID    string `json:"id"`
	Items int    `json:"items"`
}

type orderPlaced struct {
	ID string `json:"id"`
}

type getQuote struct {
	Symbol string `json:"symbol"`
}

type quote struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

type logEntry struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]logEntry
	base    loggingpkg.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]logEntry{}}
}

func (l *recordingLogger) record(level, msg string, err error, fields loggingpkg.LogFields) {
	merged := loggingpkg.LogFields{}
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	l.mu.Lock()
	*l.entries = append(*l.entries, logEntry{level: level, msg: msg, err: err, fields: merged})
	l.mu.Unlock()
}

func (l *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	base := loggingpkg.LogFields{}
	for k, v := range l.base {
		base[k] = v
	}
	for k, v := range fields {
		base[k] = v
	}
	return &recordingLogger{mu: l.mu, entries: l.entries, base: base}
}

func (l *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.record("debug", msg, nil, fields)
}

func (l *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.record("info", msg, nil, fields)
}

func (l *recordingLogger) Warn(msg string, fields loggingpkg.LogFields) {
	l.record("warn", msg, nil, fields)
}

func (l *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.record("error", msg, err, fields)
}

func (l *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	l.record("trace", msg, nil, fields)
}

func (l *recordingLogger) find(level, msg string) (logEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range *l.entries {
		if e.level == level && e.msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}

func (l *recordingLogger) count(level, msg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range *l.entries {
		if e.level == level && e.msg == msg {
			n++
		}
	}
	return n
}

type abandonRecord struct {
	msg    *transport.Message
	detail transport.ErrorDetail
}

// fakeReceiver serves queued messages and errors in order. An empty queue
// waits for the timeout and reports ErrReceiveTimeout.
type fakeReceiver struct {
	mu        sync.Mutex
	incoming  chan *transport.Message
	errs      []error
	receives  int
	completed []*transport.Message
	abandoned []abandonRecord
	renewals  int
	renew     func(msg *transport.Message) (time.Time, error)
	closed    bool
}

func newFakeReceiver() *fakeReceiver {
	return &fakeReceiver{incoming: make(chan *transport.Message, 64)}
}

func (r *fakeReceiver) push(msgs ...*transport.Message) {
	for _, m := range msgs {
		r.incoming <- m
	}
}

func (r *fakeReceiver) failNext(errs ...error) {
	r.mu.Lock()
	r.errs = append(r.errs, errs...)
	r.mu.Unlock()
}

func (r *fakeReceiver) Receive(ctx context.Context, timeout time.Duration) (*transport.Message, error) {
	r.mu.Lock()
	r.receives++
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		r.mu.Unlock()
		return nil, err
	}
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-r.incoming:
		return msg, nil
	case <-timer.C:
		return nil, transport.ErrReceiveTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *fakeReceiver) Complete(_ context.Context, msg *transport.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, msg)
	return nil
}

func (r *fakeReceiver) Abandon(_ context.Context, msg *transport.Message, detail transport.ErrorDetail) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abandoned = append(r.abandoned, abandonRecord{msg: msg, detail: detail})
	return nil
}

func (r *fakeReceiver) RenewLock(_ context.Context, msg *transport.Message) (time.Time, error) {
	r.mu.Lock()
	r.renewals++
	renew := r.renew
	r.mu.Unlock()
	if renew != nil {
		return renew(msg)
	}
	return time.Now().Add(time.Second), nil
}

func (r *fakeReceiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReceiver) receiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.receives
}

func (r *fakeReceiver) completedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed)
}

func (r *fakeReceiver) abandonedRecords() []abandonRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]abandonRecord(nil), r.abandoned...)
}

func (r *fakeReceiver) renewalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.renewals
}

// fakeSender records every batch. Set err to make SendBatch fail.
type fakeSender struct {
	mu      sync.Mutex
	batches [][]*transport.Message
	err     error
	closed  bool
}

func (s *fakeSender) SendBatch(_ context.Context, msgs []*transport.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, append([]*transport.Message(nil), msgs...))
	return nil
}

func (s *fakeSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSender) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *fakeSender) sent() []*transport.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*transport.Message
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func (s *fakeSender) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

// senderFactory hands out one shared fakeSender and counts creations.
type senderFactory struct {
	mu      sync.Mutex
	sender  *fakeSender
	created int
	err     error
}

func (f *senderFactory) create(context.Context, string) (transport.Sender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.created++
	return f.sender, nil
}

func (f *senderFactory) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

var errBoom = errors.New("boom")
