package connectioncache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/examlink/sebconn/consts"
	"github.com/examlink/sebconn/model"
	"github.com/examlink/sebconn/server/exam"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[string]*model.ConnectionRecord
	err     error
	calls   atomic.Int32
	gate    chan struct{} // when set, loads block until it is closed
}

func (f *fakeStore) ConnectionByToken(ctx context.Context, token string) (*model.ConnectionRecord, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	rec, ok := f.records[token]
	if !ok {
		return nil, consts.ErrConnectionNotFound
	}
	return rec.Clone(), nil
}

func (f *fakeStore) setStatus(token string, status model.ConnectionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[token].Status = status
}

type fakeExams struct {
	descriptor *exam.Descriptor
	err        error
}

func (f *fakeExams) GetRunningExam(ctx context.Context, examID int64) (*exam.Descriptor, error) {
	return f.descriptor, f.err
}

type fakePings struct {
	evicted []string
}

func (f *fakePings) Evict(ctx context.Context, token string) error {
	f.evicted = append(f.evicted, token)
	return nil
}

func newStore(tokens ...string) *fakeStore {
	s := &fakeStore{records: make(map[string]*model.ConnectionRecord)}
	for i, tok := range tokens {
		s.records[tok] = &model.ConnectionRecord{ID: int64(i + 1), InstitutionID: 1, ConnectionToken: tok, Status: model.StatusRequested}
	}
	return s
}

func TestGetLoadsOnceAndCaches(t *testing.T) {
	store := newStore("tok")
	c := New(store, nil, nil, 0, time.Second)
	ctx := context.Background()

	d := c.Get(ctx, "tok")
	require.NotNil(t, d)
	assert.Equal(t, model.StatusRequested, d.Record.Status)
	assert.Len(t, d.Indicators.All(), 2, "default indicators")

	require.NotNil(t, c.Get(ctx, "tok"))
	assert.Equal(t, int32(1), store.calls.Load())

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, 50.0, stats.HitRate)
}

func TestGetAbsentOnFailure(t *testing.T) {
	store := newStore()
	c := New(store, nil, nil, 0, time.Second)

	assert.Nil(t, c.Get(context.Background(), "missing"))
	assert.Equal(t, uint64(0), c.Stats().LoadFailures)

	store.err = errors.New("connection refused")
	assert.Nil(t, c.Get(context.Background(), "missing"))
	assert.Equal(t, uint64(1), c.Stats().LoadFailures)
	assert.Equal(t, 0, c.Len())
}

func TestEvictThenReloadSeesLatestWrite(t *testing.T) {
	store := newStore("tok")
	c := New(store, nil, nil, 0, time.Second)
	ctx := context.Background()

	require.Equal(t, model.StatusRequested, c.Get(ctx, "tok").Record.Status)

	store.setStatus("tok", model.StatusAuthenticated)
	assert.Equal(t, model.StatusRequested, c.Get(ctx, "tok").Record.Status, "cache has no TTL")

	d := c.Reload(ctx, "tok")
	require.NotNil(t, d)
	assert.Equal(t, model.StatusAuthenticated, d.Record.Status)
}

func TestConcurrentMissesShareOneLoad(t *testing.T) {
	store := newStore("tok")
	store.gate = make(chan struct{})
	c := New(store, nil, nil, 0, time.Second)

	var wg sync.WaitGroup
	results := make([]*ClientConnectionData, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Get(context.Background(), "tok")
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(store.gate)
	wg.Wait()

	assert.Equal(t, int32(1), store.calls.Load())
	for _, r := range results {
		assert.Same(t, results[0], r)
	}
}

func TestEvictDuringLoadDiscardsStaleResult(t *testing.T) {
	store := newStore("tok")
	store.gate = make(chan struct{})
	c := New(store, nil, nil, 0, time.Second)

	done := make(chan *ClientConnectionData)
	go func() { done <- c.Get(context.Background(), "tok") }()
	require.Eventually(t, func() bool { return store.calls.Load() == 1 }, time.Second, time.Millisecond)

	c.Evict("tok")
	close(store.gate)
	require.NotNil(t, <-done)

	_, cached := c.Peek("tok")
	assert.False(t, cached, "a load that raced an eviction must not populate the cache")

	require.NotNil(t, c.Get(context.Background(), "tok"))
	_, cached = c.Peek("tok")
	assert.True(t, cached)
}

func TestGetAfterEvictDoesNotJoinStaleLoad(t *testing.T) {
	store := newStore("tok")
	store.gate = make(chan struct{})
	c := New(store, nil, nil, 0, time.Second)

	stale := make(chan *ClientConnectionData)
	go func() { stale <- c.Get(context.Background(), "tok") }()
	require.Eventually(t, func() bool { return store.calls.Load() == 1 }, time.Second, time.Millisecond)

	store.setStatus("tok", model.StatusClosed)
	c.Evict("tok")

	fresh := make(chan *ClientConnectionData)
	go func() { fresh <- c.Get(context.Background(), "tok") }()
	require.Eventually(t, func() bool { return store.calls.Load() == 2 }, time.Second, time.Millisecond,
		"a Get after Evict must start its own load")

	close(store.gate)
	require.NotNil(t, <-stale)
	data := <-fresh
	require.NotNil(t, data)
	assert.Equal(t, model.StatusClosed, data.Record.Status)

	_, cached := c.Peek("tok")
	assert.True(t, cached)
}

func TestMaxSizeEvictsOldest(t *testing.T) {
	store := newStore("a", "b", "c")
	c := New(store, nil, nil, 2, time.Second)
	ctx := context.Background()

	require.NotNil(t, c.Get(ctx, "a"))
	time.Sleep(2 * time.Millisecond)
	require.NotNil(t, c.Get(ctx, "b"))
	time.Sleep(2 * time.Millisecond)
	require.NotNil(t, c.Get(ctx, "c"))

	assert.Equal(t, 2, c.Len())
	_, ok := c.Peek("a")
	assert.False(t, ok)
}

func TestExamIndicators(t *testing.T) {
	store := newStore("tok")
	examID := int64(5)
	store.records["tok"].ExamID = &examID

	exams := &fakeExams{descriptor: &exam.Descriptor{ID: 5, Indicators: []model.IndicatorDefinition{
		{Name: "Info", Type: model.IndicatorInfoCount},
	}}}
	c := New(store, exams, nil, 0, time.Second)

	d := c.Get(context.Background(), "tok")
	require.NotNil(t, d)
	assert.Len(t, d.IndicatorsFor(model.EventInfoLog), 1)
	assert.Empty(t, d.IndicatorsFor(model.EventErrorLog))

	exams.err = consts.ErrExamNotRunning
	d = c.Reload(context.Background(), "tok")
	require.NotNil(t, d)
	assert.Len(t, d.IndicatorsFor(model.EventErrorLog), 1, "falls back to defaults")

	exams.err = errors.New("timeout")
	assert.Nil(t, c.Reload(context.Background(), "tok"))
}

func TestEvictPingAndClear(t *testing.T) {
	pings := &fakePings{}
	c := New(newStore("a", "b"), nil, pings, 0, time.Second)
	ctx := context.Background()

	c.EvictPing(ctx, "a")
	assert.Equal(t, []string{"a"}, pings.evicted)

	require.NotNil(t, c.Get(ctx, "a"))
	require.NotNil(t, c.Get(ctx, "b"))
	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, uint64(2), c.Stats().Evictions)
}
