package ping

import (
	"context"
	"sync"
	"time"

	"github.com/examlink/sebconn/logger"
	"github.com/examlink/sebconn/pkg/metrics"
)

// Local keeps heartbeat records in process memory.
type Local struct {
	mu      sync.RWMutex
	records map[string]*Record
	now     func() time.Time
}

func NewLocal() *Local {
	return &Local{records: make(map[string]*Record), now: time.Now}
}

func (l *Local) InitForConnection(ctx context.Context, connectionID int64, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.records[token]; ok {
		logger.Debug("Ping: connection already tracked", "component", "PING", "connection_id", connectionID)
		return nil
	}
	l.records[token] = &Record{ConnectionID: connectionID, LastPing: l.now()}
	return nil
}

func (l *Local) NotifyPing(ctx context.Context, token string, timestamp int64, pingNumber int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[token]
	if !ok {
		metrics.PingsTotal.WithLabelValues("unknown").Inc()
		return false, nil
	}
	rec.LastPing = l.now()
	if pingNumber >= rec.PingNumber {
		rec.PingNumber = pingNumber
		rec.ClientTimestamp = timestamp
	}
	metrics.PingsTotal.WithLabelValues("recorded").Inc()
	return true, nil
}

func (l *Local) Evict(ctx context.Context, token string) error {
	l.mu.Lock()
	delete(l.records, token)
	l.mu.Unlock()
	return nil
}

func (l *Local) Get(ctx context.Context, token string) (*Record, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[token]
	if !ok {
		return nil, false, nil
	}
	c := *rec
	return &c, true, nil
}

func (l *Local) Stats(ctx context.Context, cutoff time.Time) (int, int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	missing := 0
	for _, rec := range l.records {
		if rec.LastPing.Before(cutoff) {
			missing++
		}
	}
	return len(l.records), missing, nil
}

func (l *Local) Ping(ctx context.Context) error { return nil }
func (l *Local) Close() error                   { return nil }
