package redisstream

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/redis/go-redis/v9"

	"github.com/drblury/busflow/transport"
)

const expiredLockReason = "lock expired after maximum deliveries"

type receiver struct {
	qm     *QueueManager
	queue  string
	stream string
}

// Receive first reclaims entries whose holder let the lock lapse, then
// blocks on new entries until timeout.
func (r *receiver) Receive(ctx context.Context, timeout time.Duration) (*transport.Message, error) {
	cfg := r.qm.cfg
	deadline := time.Now().Add(timeout)
	for {
		if r.qm.closed.Load() {
			return nil, transport.ErrClosed
		}

		claimed, _, err := r.qm.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   r.stream,
			Group:    cfg.Group,
			Consumer: cfg.Consumer,
			MinIdle:  cfg.LockDuration,
			Start:    "0-0",
			Count:    1,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, r.receiveError(ctx, err)
		}
		if len(claimed) > 0 {
			retries, err := r.retryCount(ctx, claimed[0].ID)
			if err != nil {
				return nil, r.receiveError(ctx, err)
			}
			msg, err := r.deliver(ctx, claimed[0], retries)
			if err != nil || msg != nil {
				return msg, err
			}
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, transport.ErrReceiveTimeout
		}
		streams, err := r.qm.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    cfg.Group,
			Consumer: cfg.Consumer,
			Streams:  []string{r.stream, ">"},
			Count:    1,
			Block:    max(remaining, time.Millisecond),
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, r.receiveError(ctx, err)
		}
		for _, s := range streams {
			for _, xm := range s.Messages {
				msg, err := r.deliver(ctx, xm, 1)
				if err != nil || msg != nil {
					return msg, err
				}
			}
		}
	}
}

func (r *receiver) receiveError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if r.qm.closed.Load() || errors.Is(err, redis.ErrClosed) {
		return transport.ErrClosed
	}
	return err
}

// retryCount reads how often the group delivered id.
func (r *receiver) retryCount(ctx context.Context, id string) (int, error) {
	pending, err := r.qm.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: r.stream,
		Group:  r.qm.cfg.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 1, nil
	}
	return int(pending[0].RetryCount), nil
}

// deliver turns an entry into a locked message. It returns nil when the
// entry was dead-lettered or dropped instead.
func (r *receiver) deliver(ctx context.Context, xm redis.XMessage, retries int) (*transport.Message, error) {
	h := lockHandle{stream: r.stream, id: xm.ID}
	msg, attempts, err := decodeEntry(xm)
	if err != nil {
		r.qm.logger.Error("Dropping malformed stream entry", err, watermill.LogFields{
			"queue":    r.queue,
			"entry_id": xm.ID,
		})
		return nil, r.remove(ctx, h)
	}
	h.attempts = attempts
	msg.DeliveryCount = attempts + retries
	if msg.DeliveryCount > r.qm.cfg.MaxDeliveries {
		return nil, r.deadLetter(ctx, h, msg, expiredLockReason)
	}
	msg.LockedUntil = time.Now().Add(r.qm.cfg.LockDuration)
	msg.Handle = h
	return msg, nil
}

// owned returns the pending entry when this consumer still holds the lock.
func (r *receiver) owned(ctx context.Context, h lockHandle) (redis.XPendingExt, error) {
	pending, err := r.qm.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   h.stream,
		Group:    r.qm.cfg.Group,
		Start:    h.id,
		End:      h.id,
		Count:    1,
		Consumer: r.qm.cfg.Consumer,
	}).Result()
	if err != nil {
		return redis.XPendingExt{}, err
	}
	if len(pending) == 0 || pending[0].Idle >= r.qm.cfg.LockDuration {
		return redis.XPendingExt{}, transport.ErrLockLost
	}
	return pending[0], nil
}

func (r *receiver) Complete(ctx context.Context, msg *transport.Message) error {
	h, err := handleOf(msg)
	if err != nil {
		return err
	}
	if _, err := r.owned(ctx, h); err != nil {
		return err
	}
	return r.remove(ctx, h)
}

func (r *receiver) remove(ctx context.Context, h lockHandle) error {
	_, err := r.qm.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, h.stream, r.qm.cfg.Group, h.id)
		pipe.XDel(ctx, h.stream, h.id)
		return nil
	})
	return err
}

// Abandon re-appends the message with the error detail merged into its
// properties, so redelivery goes to the tail of the stream.
func (r *receiver) Abandon(ctx context.Context, msg *transport.Message, detail transport.ErrorDetail) error {
	h, err := handleOf(msg)
	if err != nil {
		return err
	}
	pending, err := r.owned(ctx, h)
	if err != nil {
		return err
	}
	retry := msg.Clone()
	if !detail.IsZero() {
		retry.Properties = retry.Properties.Merge(detail.Properties())
	}
	deliveries := h.attempts + int(pending.RetryCount)
	if deliveries >= r.qm.cfg.MaxDeliveries {
		reason := detail.Message
		if reason == "" {
			reason = "maximum deliveries exceeded"
		}
		return r.deadLetter(ctx, h, retry, reason)
	}

	retry.DeliveryCount = 0
	values, err := encodeEntry(retry, deliveries)
	if err != nil {
		return err
	}
	_, err = r.qm.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		r.qm.add(ctx, pipe, h.stream, values)
		pipe.XAck(ctx, h.stream, r.qm.cfg.Group, h.id)
		pipe.XDel(ctx, h.stream, h.id)
		return nil
	})
	return err
}

// RenewLock resets the idle time of the pending entry.
func (r *receiver) RenewLock(ctx context.Context, msg *transport.Message) (time.Time, error) {
	h, err := handleOf(msg)
	if err != nil {
		return time.Time{}, err
	}
	if _, err := r.owned(ctx, h); err != nil {
		return time.Time{}, err
	}
	claimed, err := r.qm.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   h.stream,
		Group:    r.qm.cfg.Group,
		Consumer: r.qm.cfg.Consumer,
		Messages: []string{h.id},
	}).Result()
	if err != nil {
		return time.Time{}, err
	}
	if len(claimed) == 0 {
		return time.Time{}, transport.ErrLockLost
	}
	return time.Now().Add(r.qm.cfg.LockDuration), nil
}

func (r *receiver) Close() error { return nil }

func (r *receiver) deadLetter(ctx context.Context, h lockHandle, msg *transport.Message, reason string) error {
	err := r.qm.deadLetter(ctx, r.queue, msg, reason, func(pipe redis.Pipeliner) {
		pipe.XAck(ctx, h.stream, r.qm.cfg.Group, h.id)
		pipe.XDel(ctx, h.stream, h.id)
	})
	if err != nil {
		return err
	}
	r.qm.logger.Info("Message dead-lettered", watermill.LogFields{
		"queue":          r.queue,
		"message_id":     msg.MessageID,
		"delivery_count": msg.DeliveryCount,
		"reason":         reason,
	})
	return nil
}
