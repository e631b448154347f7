package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opex/trading-engine/internal/command"
)

// RedisLog consumes the command stream through a consumer group, so the
// delivery cursor survives restarts and the boot-time replay can locate
// the gap between a snapshot and the group's last delivered entry.
type RedisLog struct {
	rdb      *redis.Client
	stream   string
	group    string
	consumer string
}

// NewRedisLog creates a consumer-group view of one Redis stream.
func NewRedisLog(rdb *redis.Client, stream, group, consumer string) *RedisLog {
	return &RedisLog{rdb: rdb, stream: stream, group: group, consumer: consumer}
}

func (l *RedisLog) EnsureGroup(ctx context.Context) error {
	err := l.rdb.XGroupCreateMkStream(ctx, l.stream, l.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", l.group, l.stream, err)
	}
	return nil
}

func (l *RedisLog) Read(ctx context.Context, block time.Duration) (*Entry, error) {
	res, err := l.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    l.group,
		Consumer: l.consumer,
		Streams:  []string{l.stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil // idle timeout
	}
	if err != nil {
		return nil, err
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, nil
	}

	msg := res[0].Messages[0]
	return &Entry{ID: msg.ID, Values: msg.Values}, nil
}

func (l *RedisLog) Ack(ctx context.Context, id string) error {
	return l.rdb.XAck(ctx, l.stream, l.group, id).Err()
}

func (l *RedisLog) Range(ctx context.Context, from, to string) ([]Entry, error) {
	msgs, err := l.rdb.XRange(ctx, l.stream, from, to).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, Entry{ID: m.ID, Values: m.Values})
	}
	return entries, nil
}

func (l *RedisLog) LastDeliveredID(ctx context.Context) (string, error) {
	groups, err := l.rdb.XInfoGroups(ctx, l.stream).Result()
	if err != nil {
		return "", err
	}
	for _, g := range groups {
		if g.Name == l.group {
			return g.LastDeliveredID, nil
		}
	}
	return "", nil
}

func (l *RedisLog) Trim(ctx context.Context, maxLen int64) error {
	return l.rdb.XTrimMaxLenApprox(ctx, l.stream, maxLen, 0).Err()
}

// RedisPublisher appends responses to the response stream. The payload is
// JSON-encoded into a single "response" field, matching what the gateway's
// response loop decodes.
type RedisPublisher struct {
	rdb    *redis.Client
	stream string
}

// NewRedisPublisher creates a publisher for the response stream.
func NewRedisPublisher(rdb *redis.Client, stream string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, stream: stream}
}

func (p *RedisPublisher) Publish(ctx context.Context, resp *command.Response) error {
	payload, err := json.Marshal(resp.Payload)
	if err != nil {
		return fmt.Errorf("encode response payload: %w", err)
	}

	return p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"type":     resp.Type,
			"reqId":    resp.ReqID,
			"response": string(payload),
		},
	}).Err()
}

// RedisNotifier publishes per-user change events over pub/sub. Consumers
// use them only to invalidate read caches, so delivery is best-effort.
type RedisNotifier struct {
	rdb *redis.Client
}

// NewRedisNotifier creates a pub/sub notifier.
func NewRedisNotifier(rdb *redis.Client) *RedisNotifier {
	return &RedisNotifier{rdb: rdb}
}

func (n *RedisNotifier) NotifyUser(ctx context.Context, userID, event string) error {
	msg, err := json.Marshal(map[string]string{"userId": userID, "event": event})
	if err != nil {
		return err
	}
	return n.rdb.Publish(ctx, "user:"+userID, msg).Err()
}
