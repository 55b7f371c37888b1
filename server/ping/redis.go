package ping

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/examlink/sebconn/logger"
	"github.com/examlink/sebconn/pkg/metrics"
)

// Redis stores one hash per token so every node sees the same heartbeats.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, ttl: ttl, now: time.Now}
}

const (
	fieldConnectionID = "connection_id"
	fieldLastPing     = "last_ping"
	fieldClientTS     = "client_ts"
	fieldPingNumber   = "ping_number"
)

// notifyScript only updates existing records so a ping cannot resurrect an
// evicted one. Older ping numbers refresh last_ping but not the client data.
var notifyScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'last_ping', ARGV[1])
local current = tonumber(redis.call('HGET', KEYS[1], 'ping_number') or '0')
if tonumber(ARGV[3]) >= current then
	redis.call('HSET', KEYS[1], 'client_ts', ARGV[2], 'ping_number', ARGV[3])
end
if tonumber(ARGV[4]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[4])
end
return 1
`)

func (r *Redis) key(token string) string {
	return r.prefix + token
}

func (r *Redis) InitForConnection(ctx context.Context, connectionID int64, token string) error {
	key := r.key(token)
	created, err := r.client.HSetNX(ctx, key, fieldConnectionID, connectionID).Result()
	if err != nil {
		return fmt.Errorf("failed to init ping record: %w", err)
	}
	if !created {
		logger.Debug("Ping: connection already tracked", "component", "PING", "connection_id", connectionID)
		return nil
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldLastPing, r.now().UnixMilli(), fieldClientTS, 0, fieldPingNumber, 0)
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to init ping record: %w", err)
	}
	return nil
}

func (r *Redis) NotifyPing(ctx context.Context, token string, timestamp int64, pingNumber int) (bool, error) {
	res, err := notifyScript.Run(ctx, r.client, []string{r.key(token)},
		r.now().UnixMilli(), timestamp, pingNumber, r.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to record ping: %w", err)
	}
	if res == 0 {
		metrics.PingsTotal.WithLabelValues("unknown").Inc()
		return false, nil
	}
	metrics.PingsTotal.WithLabelValues("recorded").Inc()
	return true, nil
}

func (r *Redis) Evict(ctx context.Context, token string) error {
	if err := r.client.Del(ctx, r.key(token)).Err(); err != nil {
		return fmt.Errorf("failed to evict ping record: %w", err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, token string) (*Record, bool, error) {
	values, err := r.client.HGetAll(ctx, r.key(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read ping record: %w", err)
	}
	if len(values) == 0 {
		return nil, false, nil
	}
	return parseRecord(values), true, nil
}

func parseRecord(values map[string]string) *Record {
	rec := &Record{}
	rec.ConnectionID, _ = strconv.ParseInt(values[fieldConnectionID], 10, 64)
	if ms, err := strconv.ParseInt(values[fieldLastPing], 10, 64); err == nil {
		rec.LastPing = time.UnixMilli(ms)
	}
	rec.ClientTimestamp, _ = strconv.ParseInt(values[fieldClientTS], 10, 64)
	rec.PingNumber, _ = strconv.Atoi(values[fieldPingNumber])
	return rec
}

func (r *Redis) Stats(ctx context.Context, cutoff time.Time) (int, int, error) {
	monitored, missing := 0, 0
	cutoffMs := cutoff.UnixMilli()

	iter := r.client.Scan(ctx, 0, r.prefix+"*", 200).Iterator()
	var keys []string
	flush := func() error {
		if len(keys) == 0 {
			return nil
		}
		cmds, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, k := range keys {
				pipe.HGet(ctx, k, fieldLastPing)
			}
			return nil
		})
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		for _, cmd := range cmds {
			v, err := cmd.(*redis.StringCmd).Int64()
			if err != nil {
				continue
			}
			monitored++
			if v < cutoffMs {
				missing++
			}
		}
		keys = keys[:0]
		return nil
	}

	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 200 {
			if err := flush(); err != nil {
				return 0, 0, fmt.Errorf("failed to read ping records: %w", err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return 0, 0, fmt.Errorf("failed to scan ping records: %w", err)
	}
	if err := flush(); err != nil {
		return 0, 0, fmt.Errorf("failed to read ping records: %w", err)
	}
	return monitored, missing, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
