// Package sqlqueue implements the transport port on top of a SQL database.
// Each message row carries its lock token and expiry, so receivers on any
// number of processes sharing the database compete for rows safely.
package sqlqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/busflow/internal/runtime/ids"
	"github.com/drblury/busflow/internal/runtime/jsoncodec"
	"github.com/drblury/busflow/internal/runtime/metadata"
	"github.com/drblury/busflow/transport"
)

const (
	DefaultLockDuration  = 30 * time.Second
	DefaultMaxDeliveries = 5
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultRetryBackoff  = time.Second
)

const expiredLockReason = "lock expired after maximum deliveries"

// Options tunes a Store.
type Options struct {
	Dialect Dialect
	Tables  Tables

	LockDuration  time.Duration
	MaxDeliveries int
	PollInterval  time.Duration
	// RetryBackoff delays an abandoned message by RetryBackoff times its
	// delivery count. Negative disables the delay.
	RetryBackoff time.Duration

	Capabilities transport.Capabilities
	Logger       watermill.LoggerAdapter
}

func (o Options) withDefaults() Options {
	if o.Dialect == nil {
		o.Dialect = SQLite{}
	}
	if o.Tables == (Tables{}) {
		o.Tables = TablesWithPrefix("")
	}
	if o.LockDuration <= 0 {
		o.LockDuration = DefaultLockDuration
	}
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = DefaultMaxDeliveries
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.RetryBackoff == 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.Logger == nil {
		o.Logger = watermill.NopLogger{}
	}
	return o
}

// Store is a transport.QueueManager backed by db. It also implements the
// DLQ and introspection capabilities.
type Store struct {
	db   *sql.DB
	opts Options
	q    queries

	closeOnce sync.Once
	done      chan struct{}
}

type lockHandle struct {
	id    int64
	token string
}

// New creates the schema and returns a Store owning db.
func New(ctx context.Context, db *sql.DB, opts Options) (*Store, error) {
	opts = opts.withDefaults()
	for _, stmt := range opts.Dialect.Schema(opts.Tables) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%s: initialize schema: %w", opts.Dialect.Name(), err)
		}
	}
	return &Store{
		db:   db,
		opts: opts,
		q:    buildQueries(opts.Dialect, opts.Tables),
		done: make(chan struct{}),
	}, nil
}

// Capabilities implements transport.CapabilitiesProvider.
func (s *Store) Capabilities() transport.Capabilities { return s.opts.Capabilities }

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database and wakes every polling receiver.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.db.Close()
	})
	return err
}

func (s *Store) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// EnsureQueueExists records the queue. Messages can be sent to unrecorded
// queues as well.
func (s *Store) EnsureQueueExists(ctx context.Context, name string, opts transport.QueueOptions) error {
	if s.isClosed() {
		return transport.ErrClosed
	}
	_, err := s.db.ExecContext(ctx, s.q.ensureQueue, name, opts.EnablePartitioning, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("%s: ensure queue %q: %w", s.opts.Dialect.Name(), name, err)
	}
	return nil
}

// CreateSender returns a sender inserting into destination.
func (s *Store) CreateSender(_ context.Context, destination string) (transport.Sender, error) {
	if s.isClosed() {
		return nil, transport.ErrClosed
	}
	return &sender{store: s, queue: destination}, nil
}

// CreateReceiver returns a receiver locking rows of source.
func (s *Store) CreateReceiver(_ context.Context, source string) (transport.Receiver, error) {
	if s.isClosed() {
		return nil, transport.ErrClosed
	}
	return &receiver{store: s, queue: source}, nil
}

func (s *Store) insert(ctx context.Context, queueName string, msgs []*transport.Message) error {
	if s.isClosed() {
		return transport.ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.q.insertMessage)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for _, msg := range msgs {
		if msg.EnqueuedAt.IsZero() {
			msg.EnqueuedAt = now.UTC()
		}
		props, err := encodeProperties(transport.EnvelopeProperties(msg))
		if err != nil {
			return err
		}
		available := now
		if at, ok := msg.DeliverAt(); ok {
			available = at
		}
		if _, err := stmt.ExecContext(ctx, queueName, msg.MessageID, msg.Body, props, msg.EnqueuedAt.UnixNano(), available.UnixNano()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// lockNext locks the oldest deliverable row of queueName. It returns nil
// when nothing is deliverable.
func (s *Store) lockNext(ctx context.Context, queueName string) (*transport.Message, error) {
	for {
		now := time.Now()
		token := ids.NewLockToken()
		lockedUntil := now.Add(s.opts.LockDuration)

		var (
			id         int64
			messageID  string
			body       []byte
			rawProps   []byte
			deliveries int
		)
		err := s.db.QueryRowContext(ctx, s.q.lockNext,
			token, lockedUntil.UnixNano(), queueName, now.UnixNano(), now.UnixNano(),
		).Scan(&id, &messageID, &body, &rawProps, &deliveries)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		props, err := decodeProperties(rawProps)
		if err != nil {
			return nil, err
		}
		if deliveries > s.opts.MaxDeliveries {
			// the previous holder let the lock lapse on the final delivery
			if err := s.deadLetter(ctx, lockHandle{id: id, token: token}, props, expiredLockReason); err != nil && !errors.Is(err, transport.ErrLockLost) {
				return nil, err
			}
			continue
		}

		msg := transport.MessageFromEnvelope(messageID, body, props)
		msg.DeliveryCount = deliveries
		msg.LockedUntil = lockedUntil
		msg.Handle = lockHandle{id: id, token: token}
		return msg, nil
	}
}

func (s *Store) complete(ctx context.Context, h lockHandle) error {
	res, err := s.db.ExecContext(ctx, s.q.deleteLocked, h.id, h.token, time.Now().UnixNano())
	if err != nil {
		return err
	}
	return lockResult(res)
}

func (s *Store) renew(ctx context.Context, h lockHandle) (time.Time, error) {
	now := time.Now()
	until := now.Add(s.opts.LockDuration)
	res, err := s.db.ExecContext(ctx, s.q.renewLock, until.UnixNano(), h.id, h.token, now.UnixNano())
	if err != nil {
		return time.Time{}, err
	}
	if err := lockResult(res); err != nil {
		return time.Time{}, err
	}
	return until, nil
}

func (s *Store) abandon(ctx context.Context, h lockHandle, detail transport.ErrorDetail) error {
	now := time.Now()
	var (
		rawProps   []byte
		deliveries int
	)
	err := s.db.QueryRowContext(ctx, s.q.selectLocked, h.id, h.token, now.UnixNano()).Scan(&rawProps, &deliveries)
	if errors.Is(err, sql.ErrNoRows) {
		return transport.ErrLockLost
	}
	if err != nil {
		return err
	}
	props, err := decodeProperties(rawProps)
	if err != nil {
		return err
	}
	if !detail.IsZero() {
		props = props.Merge(detail.Properties())
	}

	if deliveries >= s.opts.MaxDeliveries {
		reason := detail.Message
		if reason == "" {
			reason = "maximum deliveries exceeded"
		}
		return s.deadLetter(ctx, h, props, reason)
	}

	encoded, err := encodeProperties(props)
	if err != nil {
		return err
	}
	available := now
	if s.opts.RetryBackoff > 0 {
		available = now.Add(time.Duration(deliveries) * s.opts.RetryBackoff)
	}
	res, err := s.db.ExecContext(ctx, s.q.releaseLock, encoded, available.UnixNano(), h.id, h.token, now.UnixNano())
	if err != nil {
		return err
	}
	return lockResult(res)
}

// deadLetter moves the row locked by h to the dead letter table.
func (s *Store) deadLetter(ctx context.Context, h lockHandle, props metadata.Metadata, reason string) error {
	encoded, err := encodeProperties(props)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		queueName  string
		messageID  string
		deliveries int
	)
	err = tx.QueryRowContext(ctx, s.q.selectForDeadLetter, h.id, h.token).Scan(&queueName, &messageID, &deliveries)
	if errors.Is(err, sql.ErrNoRows) {
		return transport.ErrLockLost
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.q.insertDeadLetter, encoded, reason, time.Now().UnixNano(), h.id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, s.q.deleteByToken, h.id, h.token)
	if err != nil {
		return err
	}
	if err := lockResult(res); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.opts.Logger.Info("Message dead-lettered", watermill.LogFields{
		"queue":          queueName,
		"message_id":     messageID,
		"delivery_count": deliveries,
		"reason":         reason,
	})
	return nil
}

// GetPendingCount implements transport.QueueIntrospector. Locked and delayed
// rows are included.
func (s *Store) GetPendingCount(queueName string) (int64, error) {
	return s.count(s.q.countMessages, queueName)
}

// GetDLQCount implements transport.DLQManager.
func (s *Store) GetDLQCount(queueName string) (int64, error) {
	return s.count(s.q.countDeadLetters, queueName)
}

func (s *Store) count(query, queueName string) (int64, error) {
	var n int64
	if err := s.db.QueryRow(query, queueName).Scan(&n); err != nil {
		return 0, fmt.Errorf("%s: count %q: %w", s.opts.Dialect.Name(), queueName, err)
	}
	return n, nil
}

// ListDLQMessages implements transport.DLQLister, oldest first. A limit of
// zero or less lists everything.
func (s *Store) ListDLQMessages(queueName string, limit, offset int) ([]transport.DLQMessage, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.Query(s.q.listDeadLetters, queueName, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []transport.DLQMessage
	for rows.Next() {
		var (
			m        transport.DLQMessage
			rawProps []byte
			failedAt int64
		)
		if err := rows.Scan(&m.ID, &m.OriginalQueue, &m.MessageID, &m.Body, &rawProps, &m.ErrorMessage, &failedAt, &m.DeliveryCount); err != nil {
			return nil, err
		}
		props, err := decodeProperties(rawProps)
		if err != nil {
			return nil, err
		}
		m.Properties = props
		m.FailedAt = time.Unix(0, failedAt).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// ReplayDLQMessage moves one dead letter back to its queue with a fresh
// delivery count.
func (s *Store) ReplayDLQMessage(dlqID int64) error {
	n, err := s.replay(s.q.replayOne, s.q.deleteDeadLetter, dlqID)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: dead letter %d not found", s.opts.Dialect.Name(), dlqID)
	}
	return nil
}

// ReplayAllDLQ moves every dead letter of queueName back to the queue.
func (s *Store) ReplayAllDLQ(queueName string) (int64, error) {
	return s.replay(s.q.replayAll, s.q.purgeDeadLetters, queueName)
}

func (s *Store) replay(insertQuery, deleteQuery string, arg any) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixNano()
	if _, err := tx.Exec(insertQuery, now, now, arg); err != nil {
		return 0, err
	}
	res, err := tx.Exec(deleteQuery, arg)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// PurgeDLQ drops every dead letter of queueName.
func (s *Store) PurgeDLQ(queueName string) (int64, error) {
	res, err := s.db.Exec(s.q.purgeDeadLetters, queueName)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func lockResult(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return transport.ErrLockLost
	}
	return nil
}

func encodeProperties(md metadata.Metadata) (string, error) {
	if md == nil {
		md = metadata.Metadata{}
	}
	raw, err := jsoncodec.Marshal(map[string]string(md))
	if err != nil {
		return "", fmt.Errorf("encode properties: %w", err)
	}
	return string(raw), nil
}

func decodeProperties(raw []byte) (metadata.Metadata, error) {
	md := metadata.Metadata{}
	if len(raw) == 0 {
		return md, nil
	}
	if err := jsoncodec.Unmarshal(raw, &md); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	return md, nil
}

type sender struct {
	store *Store
	queue string
}

func (s *sender) SendBatch(ctx context.Context, msgs []*transport.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.store.insert(ctx, s.queue, msgs)
}

func (s *sender) Close() error { return nil }

type receiver struct {
	store *Store
	queue string
}

// Receive polls every PollInterval until a row is locked or timeout elapses.
func (r *receiver) Receive(ctx context.Context, timeout time.Duration) (*transport.Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		if r.store.isClosed() {
			return nil, transport.ErrClosed
		}
		msg, err := r.store.lockNext(ctx, r.queue)
		if err != nil || msg != nil {
			return msg, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, transport.ErrReceiveTimeout
		}
		wait := min(r.store.opts.PollInterval, remaining)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-r.store.done:
			timer.Stop()
			return nil, transport.ErrClosed
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (r *receiver) Complete(ctx context.Context, msg *transport.Message) error {
	h, err := handleOf(msg)
	if err != nil {
		return err
	}
	return r.store.complete(ctx, h)
}

func (r *receiver) Abandon(ctx context.Context, msg *transport.Message, detail transport.ErrorDetail) error {
	h, err := handleOf(msg)
	if err != nil {
		return err
	}
	return r.store.abandon(ctx, h, detail)
}

func (r *receiver) RenewLock(ctx context.Context, msg *transport.Message) (time.Time, error) {
	h, err := handleOf(msg)
	if err != nil {
		return time.Time{}, err
	}
	return r.store.renew(ctx, h)
}

func (r *receiver) Close() error { return nil }

var errForeignMessage = errors.New("sqlqueue: message was not received from this store")

func handleOf(msg *transport.Message) (lockHandle, error) {
	if msg == nil {
		return lockHandle{}, errForeignMessage
	}
	h, ok := msg.Handle.(lockHandle)
	if !ok {
		return lockHandle{}, errForeignMessage
	}
	return h, nil
}
