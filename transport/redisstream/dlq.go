package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/drblury/busflow/transport"
)

// deadLetter appends msg to the queue's dead letter stream inside the same
// transaction as extra, which removes the original entry.
func (q *QueueManager) deadLetter(ctx context.Context, queue string, msg *transport.Message, reason string, extra func(redis.Pipeliner)) error {
	dlqID, err := q.client.Incr(ctx, q.cfg.dlqSeqKey()).Result()
	if err != nil {
		return err
	}
	values, err := encodeDeadLetter(dlqID, queue, msg, reason, msg.DeliveryCount)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: q.cfg.dlqKey(queue), ID: "*", Values: values})
		pipe.HSet(ctx, q.cfg.dlqIndexKey(), strconv.FormatInt(dlqID, 10), queue)
		extra(pipe)
		return nil
	})
	return err
}

type deadEntry struct {
	streamID string
	msg      transport.DLQMessage
}

func (q *QueueManager) deadEntries(ctx context.Context, queue string) ([]deadEntry, error) {
	xms, err := q.client.XRange(ctx, q.cfg.dlqKey(queue), "-", "+").Result()
	if err != nil {
		return nil, err
	}
	out := make([]deadEntry, 0, len(xms))
	for _, xm := range xms {
		m, err := decodeDeadLetter(xm)
		if err != nil {
			return nil, err
		}
		out = append(out, deadEntry{streamID: xm.ID, msg: m})
	}
	return out, nil
}

// GetPendingCount implements transport.QueueIntrospector. Locked entries
// are included.
func (q *QueueManager) GetPendingCount(queue string) (int64, error) {
	return q.client.XLen(context.Background(), q.cfg.streamKey(queue)).Result()
}

// GetDLQCount implements transport.DLQManager.
func (q *QueueManager) GetDLQCount(queue string) (int64, error) {
	return q.client.XLen(context.Background(), q.cfg.dlqKey(queue)).Result()
}

// ListDLQMessages implements transport.DLQLister, oldest first.
func (q *QueueManager) ListDLQMessages(queue string, limit, offset int) ([]transport.DLQMessage, error) {
	entries, err := q.deadEntries(context.Background(), queue)
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(entries) {
		return nil, nil
	}
	entries = entries[offset:]
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	out := make([]transport.DLQMessage, len(entries))
	for i, e := range entries {
		out[i] = e.msg
	}
	return out, nil
}

// ReplayDLQMessage moves one dead letter back to its queue with a fresh
// delivery count.
func (q *QueueManager) ReplayDLQMessage(dlqID int64) error {
	ctx := context.Background()
	queue, err := q.client.HGet(ctx, q.cfg.dlqIndexKey(), strconv.FormatInt(dlqID, 10)).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("redisstream: dead letter %d not found", dlqID)
	}
	if err != nil {
		return err
	}
	entries, err := q.deadEntries(ctx, queue)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.msg.ID == dlqID {
			_, err := q.replay(ctx, queue, []deadEntry{e})
			return err
		}
	}
	return fmt.Errorf("redisstream: dead letter %d not found", dlqID)
}

// ReplayAllDLQ moves every dead letter of queue back, oldest first.
func (q *QueueManager) ReplayAllDLQ(queue string) (int64, error) {
	ctx := context.Background()
	entries, err := q.deadEntries(ctx, queue)
	if err != nil {
		return 0, err
	}
	return q.replay(ctx, queue, entries)
}

func (q *QueueManager) replay(ctx context.Context, queue string, entries []deadEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	stream := q.cfg.streamKey(queue)
	values := make([]map[string]any, len(entries))
	for i, e := range entries {
		msg := transport.MessageFromEnvelope(e.msg.MessageID, e.msg.Body, e.msg.Properties)
		msg.DeliveryCount = 0
		v, err := encodeEntry(msg, 0)
		if err != nil {
			return 0, err
		}
		values[i] = v
	}
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, e := range entries {
			q.add(ctx, pipe, stream, values[i])
			pipe.XDel(ctx, q.cfg.dlqKey(queue), e.streamID)
			pipe.HDel(ctx, q.cfg.dlqIndexKey(), strconv.FormatInt(e.msg.ID, 10))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int64(len(entries)), nil
}

// PurgeDLQ drops every dead letter of queue.
func (q *QueueManager) PurgeDLQ(queue string) (int64, error) {
	ctx := context.Background()
	entries, err := q.deadEntries(ctx, queue)
	if err != nil || len(entries) == 0 {
		return 0, err
	}
	fields := make([]string, len(entries))
	for i, e := range entries {
		fields[i] = strconv.FormatInt(e.msg.ID, 10)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, q.cfg.dlqKey(queue))
		pipe.HDel(ctx, q.cfg.dlqIndexKey(), fields...)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int64(len(entries)), nil
}
