// Package statusstore persists per-node notification state across restarts.
//
// Keys:
//
//	node:{key}:status         last observed status string
//	node:{key}:last_notified  unix seconds of the last alert for the node
//	node:{key}:down_since     unix seconds, set once per down period
//	nodes:known               hash of node key to display name
package statusstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable is returned when no store is configured or it cannot be
// reached.
var ErrUnavailable = errors.New("status store unavailable")

const (
	knownNodesKey = "nodes:known"
	// knownInitKey marks that a fleet was stored, even when it is empty.
	knownInitKey = "nodes:known:init"
)

// RedisStore keeps NodeStatusRecord fields in independent keys so no
// cross-key transaction is ever needed.
type RedisStore struct {
	client *redis.Client
}

// New parses a redis:// URL. An empty URL yields ErrUnavailable.
func New(redisURL string) (*RedisStore, error) {
	if redisURL == "" {
		return nil, ErrUnavailable
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func statusKey(node string) string       { return "node:" + node + ":status" }
func lastNotifiedKey(node string) string { return "node:" + node + ":last_notified" }
func downSinceKey(node string) string    { return "node:" + node + ":down_since" }

// Status returns the last persisted status. ok is false when the node has no
// record yet.
func (s *RedisStore) Status(ctx context.Context, node string) (status string, ok bool, err error) {
	val, err := s.client.Get(ctx, statusKey(node)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get status for %s: %w", node, err)
	}
	return val, true, nil
}

func (s *RedisStore) SetStatus(ctx context.Context, node, status string) error {
	if err := s.client.Set(ctx, statusKey(node), status, 0).Err(); err != nil {
		return fmt.Errorf("set status for %s: %w", node, err)
	}
	return nil
}

func (s *RedisStore) LastNotified(ctx context.Context, node string) (time.Time, bool, error) {
	return s.getTime(ctx, lastNotifiedKey(node))
}

func (s *RedisStore) SetLastNotified(ctx context.Context, node string, at time.Time) error {
	if err := s.client.Set(ctx, lastNotifiedKey(node), formatTime(at), 0).Err(); err != nil {
		return fmt.Errorf("set last_notified for %s: %w", node, err)
	}
	return nil
}

func (s *RedisStore) DownSince(ctx context.Context, node string) (time.Time, bool, error) {
	return s.getTime(ctx, downSinceKey(node))
}

// MarkDown sets down_since only when it is not already set. It reports
// whether this call started a new down period.
func (s *RedisStore) MarkDown(ctx context.Context, node string, at time.Time) (bool, error) {
	created, err := s.client.SetNX(ctx, downSinceKey(node), formatTime(at), 0).Result()
	if err != nil {
		return false, fmt.Errorf("set down_since for %s: %w", node, err)
	}
	return created, nil
}

func (s *RedisStore) ClearDown(ctx context.Context, node string) error {
	if err := s.client.Del(ctx, downSinceKey(node)).Err(); err != nil {
		return fmt.Errorf("clear down_since for %s: %w", node, err)
	}
	return nil
}

// KnownNodes returns the persisted fleet as key -> name. ok is false when no
// fleet has ever been stored.
func (s *RedisStore) KnownNodes(ctx context.Context) (map[string]string, bool, error) {
	known, err := s.client.HGetAll(ctx, knownNodesKey).Result()
	if err != nil {
		return nil, false, fmt.Errorf("get known nodes: %w", err)
	}
	if len(known) > 0 {
		return known, true, nil
	}
	initialised, err := s.client.Exists(ctx, knownInitKey).Result()
	if err != nil {
		return nil, false, fmt.Errorf("get known nodes: %w", err)
	}
	return map[string]string{}, initialised > 0, nil
}

// SetKnownNodes replaces the persisted fleet. An empty map still counts as a
// stored fleet for KnownNodes.
func (s *RedisStore) SetKnownNodes(ctx context.Context, nodes map[string]string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, knownNodesKey)
		pipe.Set(ctx, knownInitKey, "1", 0)
		if len(nodes) > 0 {
			values := make([]any, 0, len(nodes)*2)
			for key, name := range nodes {
				values = append(values, key, name)
			}
			pipe.HSet(ctx, knownNodesKey, values...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set known nodes: %w", err)
	}
	return nil
}

// Forget drops every record kept for a node.
func (s *RedisStore) Forget(ctx context.Context, node string) error {
	if err := s.client.Del(ctx, statusKey(node), lastNotifiedKey(node), downSinceKey(node)).Err(); err != nil {
		return fmt.Errorf("forget %s: %w", node, err)
	}
	return nil
}

func (s *RedisStore) getTime(ctx context.Context, key string) (time.Time, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get %s: %w", key, err)
	}
	at, err := parseTime(val)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return at, true, nil
}

// Timestamps are stored as fractional unix seconds.
func formatTime(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 3, 64)
}

func parseTime(val string) (time.Time, error) {
	secs, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return time.Time{}, err
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(math.Round(frac*1e3))*int64(time.Millisecond)).UTC(), nil
}
