// Package connectioncache is the read-through cache of client connections.
//
// An entry is built from the store on first lookup and stays until it is
// evicted. There is no TTL: every mutation of a connection evicts its entry
// and reloads it, so the cache never serves data older than the last write.
package connectioncache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/examlink/sebconn/consts"
	"github.com/examlink/sebconn/helpers"
	"github.com/examlink/sebconn/logger"
	"github.com/examlink/sebconn/model"
	"github.com/examlink/sebconn/pkg/metrics"
	"github.com/examlink/sebconn/server/exam"
	"github.com/examlink/sebconn/server/indicator"
)

// Store loads connection records.
type Store interface {
	ConnectionByToken(ctx context.Context, token string) (*model.ConnectionRecord, error)
}

// ExamSource supplies the indicator configuration of a connection's exam.
type ExamSource interface {
	GetRunningExam(ctx context.Context, examID int64) (*exam.Descriptor, error)
}

// PingTracker drops heartbeat state of a connection.
type PingTracker interface {
	Evict(ctx context.Context, token string) error
}

// ClientConnectionData is a cached connection with its indicators. The record
// is a private copy; callers must not modify it.
type ClientConnectionData struct {
	Record     *model.ConnectionRecord
	Indicators *indicator.Set
	LoadedAt   time.Time
}

// IndicatorsFor returns the indicators observing eventType.
func (d *ClientConnectionData) IndicatorsFor(eventType model.EventType) []indicator.Indicator {
	return d.Indicators.For(eventType)
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries      int     `json:"entries"`
	MaxSize      int     `json:"max_size"`
	Hits         uint64  `json:"hits"`
	Misses       uint64  `json:"misses"`
	Loads        uint64  `json:"loads"`
	LoadFailures uint64  `json:"load_failures"`
	SharedLoads  uint64  `json:"shared_loads"`
	Evictions    uint64  `json:"evictions"`
	HitRate      float64 `json:"hit_rate_pct"`
}

type Cache struct {
	store       Store
	exams       ExamSource
	pings       PingTracker
	loadTimeout time.Duration
	maxSize     int

	mu          sync.RWMutex
	entries     map[string]*ClientConnectionData
	generations map[string]uint64

	sfGroup singleflight.Group

	hits         atomic.Uint64
	misses       atomic.Uint64
	loads        atomic.Uint64
	loadFailures atomic.Uint64
	sharedLoads  atomic.Uint64
	evictions    atomic.Uint64
}

// New creates a cache. maxSize 0 means unbounded.
func New(store Store, exams ExamSource, pings PingTracker, maxSize int, loadTimeout time.Duration) *Cache {
	if loadTimeout <= 0 {
		loadTimeout = 5 * time.Second
	}
	logger.Info("ConnectionCache: initialized", "max_size", maxSize, "load_timeout", loadTimeout)
	return &Cache{
		store:       store,
		exams:       exams,
		pings:       pings,
		loadTimeout: loadTimeout,
		maxSize:     maxSize,
		entries:     make(map[string]*ClientConnectionData),
		generations: make(map[string]uint64),
	}
}

// Get returns the cached view of token, loading it on a miss. A failed load
// is logged and reported as absent.
func (c *Cache) Get(ctx context.Context, token string) *ClientConnectionData {
	c.mu.RLock()
	entry, ok := c.entries[token]
	gen := c.generations[token]
	c.mu.RUnlock()

	if ok {
		c.hits.Add(1)
		metrics.CacheHits.Inc()
		return entry
	}
	c.misses.Add(1)
	metrics.CacheMisses.Inc()

	v, err, shared := c.sfGroup.Do(token, func() (any, error) {
		return c.load(ctx, token, gen)
	})
	if shared {
		c.sharedLoads.Add(1)
		metrics.CacheSharedLoads.Inc()
	}
	if err != nil {
		if errors.Is(err, consts.ErrConnectionNotFound) {
			logger.Debug("ConnectionCache: no connection for token", "token", helpers.MaskToken(token))
			return nil
		}
		c.loadFailures.Add(1)
		metrics.CacheLoadFailures.Inc()
		logger.Warn("ConnectionCache: failed to load connection", "token", helpers.MaskToken(token), "error", err)
		return nil
	}
	return v.(*ClientConnectionData)
}

func (c *Cache) load(ctx context.Context, token string, gen uint64) (*ClientConnectionData, error) {
	// The load is shared between callers, so one caller's cancellation must
	// not fail it for the others.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout)
	defer cancel()

	c.loads.Add(1)
	rec, err := c.store.ConnectionByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	defs, err := c.indicatorDefinitions(ctx, rec)
	if err != nil {
		return nil, err
	}

	entry := &ClientConnectionData{
		Record:     rec.Clone(),
		Indicators: indicator.NewSet(defs),
		LoadedAt:   time.Now(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[token] != gen {
		// Evicted while loading; the record may predate the eviction.
		logger.Debug("ConnectionCache: discarding load superseded by eviction", "token", helpers.MaskToken(token))
		return entry, nil
	}
	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[token] = entry
	metrics.CacheEntries.Set(float64(len(c.entries)))
	return entry, nil
}

// indicatorDefinitions uses the exam's configuration while the exam runs and
// the default set otherwise.
func (c *Cache) indicatorDefinitions(ctx context.Context, rec *model.ConnectionRecord) ([]model.IndicatorDefinition, error) {
	if !rec.HasExam() || c.exams == nil {
		return nil, nil
	}
	d, err := c.exams.GetRunningExam(ctx, *rec.ExamID)
	if err != nil {
		if errors.Is(err, consts.ErrExamNotRunning) || errors.Is(err, consts.ErrExamNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return d.Indicators, nil
}

// Evict removes the cached view of token. A load in flight when Evict is
// called will not populate the cache, and no later Get joins it.
func (c *Cache) Evict(token string) {
	c.mu.Lock()
	c.generations[token]++
	// Forget under the lock so a Get that sees the new generation starts its
	// own load.
	c.sfGroup.Forget(token)
	_, existed := c.entries[token]
	delete(c.entries, token)
	n := len(c.entries)
	c.mu.Unlock()

	if existed {
		c.evictions.Add(1)
		metrics.CacheEvictions.WithLabelValues("mutation").Inc()
	}
	metrics.CacheEntries.Set(float64(n))
}

// EvictPing removes heartbeat tracking for token. Connection data is kept.
func (c *Cache) EvictPing(ctx context.Context, token string) {
	if c.pings == nil {
		return
	}
	if err := c.pings.Evict(ctx, token); err != nil {
		logger.Warn("ConnectionCache: failed to evict ping state", "token", helpers.MaskToken(token), "error", err)
	}
}

// Reload evicts token and loads it again.
func (c *Cache) Reload(ctx context.Context, token string) *ClientConnectionData {
	c.Evict(token)
	return c.Get(ctx, token)
}

// Peek returns the cached view without loading it.
func (c *Cache) Peek(token string) (*ClientConnectionData, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[token]
	return entry, ok
}

// evictOldest must be called with c.mu held.
func (c *Cache) evictOldest() {
	var oldestKey string
	var oldest time.Time
	first := true
	for key, entry := range c.entries {
		if first || entry.LoadedAt.Before(oldest) {
			oldestKey = key
			oldest = entry.LoadedAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
		c.generations[oldestKey]++
		c.evictions.Add(1)
		metrics.CacheEvictions.WithLabelValues("capacity").Inc()
	}
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	n := len(c.entries)
	for token := range c.entries {
		c.generations[token]++
		c.sfGroup.Forget(token)
	}
	c.entries = make(map[string]*ClientConnectionData)
	c.mu.Unlock()

	c.evictions.Add(uint64(n))
	metrics.CacheEvictions.WithLabelValues("clear").Add(float64(n))
	metrics.CacheEntries.Set(0)
	logger.Info("ConnectionCache: cache cleared", "entries", n)
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) Stats() Stats {
	s := Stats{
		Entries:      c.Len(),
		MaxSize:      c.maxSize,
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Loads:        c.loads.Load(),
		LoadFailures: c.loadFailures.Load(),
		SharedLoads:  c.sharedLoads.Load(),
		Evictions:    c.evictions.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = roundToTwoDecimals(float64(s.Hits) / float64(total) * 100)
	}
	return s
}

func roundToTwoDecimals(val float64) float64 {
	return float64(int(val*100+0.5)) / 100
}
