// Package ping tracks client heartbeats of established connections.
//
// Tracking starts with InitForConnection once a connection is established and
// ends with Evict when it closes. Pings for tokens that are not tracked are
// ignored since a close can race a client's in-flight ping.
package ping

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/examlink/sebconn/config"
	"github.com/examlink/sebconn/logger"
	"github.com/examlink/sebconn/pkg/metrics"
)

const (
	StrategyLocal = "local"
	StrategyRedis = "redis"
)

// Record is the heartbeat state of one connection.
type Record struct {
	ConnectionID    int64     `json:"connection_id"`
	LastPing        time.Time `json:"last_ping"`        // server receive time
	ClientTimestamp int64     `json:"client_timestamp"` // as sent by the client
	PingNumber      int       `json:"ping_number"`
}

// Monitor is implemented by the local and redis strategies.
type Monitor interface {
	// InitForConnection is idempotent; an existing record is left untouched.
	InitForConnection(ctx context.Context, connectionID int64, token string) error
	// NotifyPing reports whether the ping was recorded.
	NotifyPing(ctx context.Context, token string, timestamp int64, pingNumber int) (bool, error)
	Evict(ctx context.Context, token string) error
	Get(ctx context.Context, token string) (*Record, bool, error)
	// Stats counts tracked connections and those without a ping since cutoff.
	Stats(ctx context.Context, cutoff time.Time) (monitored, missing int, err error)
	Ping(ctx context.Context) error
	Close() error
}

// NewMonitor builds the strategy named in cfg.
func NewMonitor(ctx context.Context, cfg *config.PingConfig) (Monitor, error) {
	switch cfg.Strategy {
	case "", StrategyLocal:
		return NewLocal(), nil
	case StrategyRedis:
		ttl, err := cfg.GetRedisRecordTTL()
		if err != nil {
			return nil, fmt.Errorf("invalid ping.redis_record_ttl: %w", err)
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.RedisAddr, err)
		}
		return NewRedis(client, cfg.RedisKeyPrefix, ttl), nil
	default:
		return nil, fmt.Errorf("unknown ping strategy %q", cfg.Strategy)
	}
}

// Sweeper periodically publishes how many tracked connections missed their
// pings and logs when that number changes.
type Sweeper struct {
	monitor  Monitor
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time

	lastMissing int
}

func NewSweeper(monitor Monitor, interval, timeout time.Duration) *Sweeper {
	return &Sweeper{monitor: monitor, interval: interval, timeout: timeout, now: time.Now, lastMissing: -1}
}

// Run sweeps until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger.Info("Ping: sweeper started", "component", "PING", "interval", s.interval, "timeout", s.timeout)
	for {
		select {
		case <-ctx.Done():
			logger.Info("Ping: sweeper stopped", "component", "PING")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one liveness pass and returns the missing count.
func (s *Sweeper) Sweep(ctx context.Context) int {
	monitored, missing, err := s.monitor.Stats(ctx, s.now().Add(-s.timeout))
	if err != nil {
		logger.Warn("Ping: sweep failed", "component", "PING", "error", err)
		return s.lastMissing
	}

	metrics.MonitoredConnections.Set(float64(monitored))
	metrics.MissingPings.Set(float64(missing))
	if missing != s.lastMissing {
		if missing > 0 {
			logger.Warn("Ping: connections missing pings", "component", "PING", "missing", missing, "monitored", monitored)
		} else if s.lastMissing > 0 {
			logger.Info("Ping: all monitored connections are pinging", "component", "PING", "monitored", monitored)
		}
		s.lastMissing = missing
	}
	return missing
}
