package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// keyLedger prefixes the per-channel sorted set holding the durable history.
const keyLedger = "ledger:"

// RedisLog is a durable-log backend on Redis sorted sets, for deployments
// where several collaborators (monitors, archivers) tail the same run. Each
// channel is a sorted set scored by sequence number; members are the JSON
// wire form of Message.
type RedisLog struct {
	client *redis.Client
}

// NewRedisLog connects to Redis at url (redis://host:port/db). The connection
// is verified with a short ping so a misconfigured URL fails at startup, not
// on the first append.
func NewRedisLog(ctx context.Context, url string) (*RedisLog, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisLog{client: client}, nil
}

func (l *RedisLog) Append(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	err = l.client.ZAdd(ctx, keyLedger+msg.Channel, redis.Z{
		Score:  float64(msg.Seq),
		Member: string(data),
	}).Err()
	if err != nil {
		return fmt.Errorf("zadd ledger: %w", err)
	}
	return nil
}

func (l *RedisLog) Range(ctx context.Context, channel string, since uint64, limit int) ([]Message, error) {
	rangeBy := &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", since),
		Max: "+inf",
	}
	if limit <= 0 {
		members, err := l.client.ZRangeByScore(ctx, keyLedger+channel, rangeBy).Result()
		if err != nil {
			return nil, fmt.Errorf("zrangebyscore ledger: %w", err)
		}
		return decodeMembers(members)
	}

	// A limit keeps the most recent messages of the range: read newest-first
	// with a count, then flip back to oldest-first.
	rangeBy.Count = int64(limit)
	members, err := l.client.ZRevRangeByScore(ctx, keyLedger+channel, rangeBy).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrangebyscore ledger: %w", err)
	}
	for i, j := 0, len(members)-1; i < j; i, j = i+1, j-1 {
		members[i], members[j] = members[j], members[i]
	}
	return decodeMembers(members)
}

func (l *RedisLog) Tail(ctx context.Context, channel string, limit int) ([]Message, error) {
	if limit <= 0 {
		return l.Range(ctx, channel, 0, 0)
	}
	members, err := l.client.ZRevRange(ctx, keyLedger+channel, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange ledger: %w", err)
	}
	// ZRevRange returns newest first; flip to oldest-first.
	for i, j := 0, len(members)-1; i < j; i, j = i+1, j-1 {
		members[i], members[j] = members[j], members[i]
	}
	return decodeMembers(members)
}

func (l *RedisLog) LastSeq(ctx context.Context, channel string) (uint64, error) {
	entries, err := l.client.ZRevRangeWithScores(ctx, keyLedger+channel, 0, 0).Result()
	if err != nil {
		return 0, fmt.Errorf("zrevrange ledger: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return uint64(entries[0].Score), nil
}

func (l *RedisLog) Close() error {
	return l.client.Close()
}

func decodeMembers(members []string) ([]Message, error) {
	msgs := make([]Message, 0, len(members))
	for _, member := range members {
		var msg Message
		if err := json.Unmarshal([]byte(member), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal ledger member: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
