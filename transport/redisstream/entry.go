package redisstream

import (
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/drblury/busflow/internal/runtime/jsoncodec"
	"github.com/drblury/busflow/internal/runtime/metadata"
	"github.com/drblury/busflow/transport"
)

const (
	fieldMessageID     = "message_id"
	fieldBody          = "body"
	fieldProps         = "props"
	fieldAttempts      = "attempts"
	fieldDLQID         = "dlq_id"
	fieldQueue         = "queue"
	fieldError         = "error"
	fieldFailedAt      = "failed_at"
	fieldDeliveryCount = "delivery_count"
)

// encodeEntry flattens msg into stream fields. attempts counts deliveries
// that ended in Abandon before this entry was appended.
func encodeEntry(msg *transport.Message, attempts int) (map[string]any, error) {
	props, err := jsoncodec.Marshal(map[string]string(transport.EnvelopeProperties(msg)))
	if err != nil {
		return nil, fmt.Errorf("encode properties: %w", err)
	}
	return map[string]any{
		fieldMessageID: msg.MessageID,
		fieldBody:      msg.Body,
		fieldProps:     string(props),
		fieldAttempts:  attempts,
	}, nil
}

func decodeEntry(xm redis.XMessage) (*transport.Message, int, error) {
	props, err := decodeProps(xm.Values[fieldProps])
	if err != nil {
		return nil, 0, err
	}
	id := asString(xm.Values[fieldMessageID])
	if id == "" {
		id = xm.ID
	}
	msg := transport.MessageFromEnvelope(id, asBytes(xm.Values[fieldBody]), props)
	attempts, _ := toInt64(xm.Values[fieldAttempts])
	return msg, int(attempts), nil
}

func encodeDeadLetter(dlqID int64, queue string, msg *transport.Message, reason string, deliveries int) (map[string]any, error) {
	v, err := encodeEntry(msg, 0)
	if err != nil {
		return nil, err
	}
	delete(v, fieldAttempts)
	v[fieldDLQID] = dlqID
	v[fieldQueue] = queue
	v[fieldError] = reason
	v[fieldFailedAt] = time.Now().UnixNano()
	v[fieldDeliveryCount] = deliveries
	return v, nil
}

func decodeDeadLetter(xm redis.XMessage) (transport.DLQMessage, error) {
	props, err := decodeProps(xm.Values[fieldProps])
	if err != nil {
		return transport.DLQMessage{}, err
	}
	id, _ := toInt64(xm.Values[fieldDLQID])
	failedAt, _ := toInt64(xm.Values[fieldFailedAt])
	deliveries, _ := toInt64(xm.Values[fieldDeliveryCount])
	return transport.DLQMessage{
		ID:            id,
		MessageID:     asString(xm.Values[fieldMessageID]),
		OriginalQueue: asString(xm.Values[fieldQueue]),
		Body:          asBytes(xm.Values[fieldBody]),
		Properties:    props,
		ErrorMessage:  asString(xm.Values[fieldError]),
		FailedAt:      time.Unix(0, failedAt).UTC(),
		DeliveryCount: int(deliveries),
	}, nil
}

func decodeProps(v any) (metadata.Metadata, error) {
	md := metadata.Metadata{}
	raw := asString(v)
	if raw == "" {
		return md, nil
	}
	if err := jsoncodec.Unmarshal([]byte(raw), &md); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	return md, nil
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func asBytes(v any) []byte {
	switch b := v.(type) {
	case nil:
		return nil
	case []byte:
		return b
	case string:
		return []byte(b)
	default:
		return []byte(asString(b))
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}
