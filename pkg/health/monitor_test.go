package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/examlink/sebconn/pkg/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct {
	fail atomic.Bool
}

func (f *fakePinger) Ping(ctx context.Context) error {
	if f.fail.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func TestHealthMonitorCriticalFailure(t *testing.T) {
	hm := NewHealthMonitor()
	store := &fakePinger{}
	hm.RegisterCheck(NewPingCheck("store", store, true))

	hm.RunAll()
	assert.Equal(t, StatusHealthy, hm.GetOverallStatus())
	assert.True(t, hm.IsHealthy("store"))

	store.fail.Store(true)
	hm.RunAll()
	// one failure out of two checks: failure rate 0.5 marks it unhealthy
	assert.True(t, hm.IsUnhealthy("store"))
	assert.Equal(t, StatusUnhealthy, hm.GetOverallStatus())

	snap := hm.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "store", snap[0].Name)
	assert.Equal(t, 2, snap[0].CheckCount)
	assert.Equal(t, 1, snap[0].FailCount)
	assert.Contains(t, snap[0].LastError, "connection refused")
}

func TestHealthMonitorNonCriticalDegrades(t *testing.T) {
	hm := NewHealthMonitor()
	redis := &fakePinger{}
	hm.RegisterCheck(NewPingCheck("redis", redis, false))

	for i := 0; i < 3; i++ {
		hm.RunAll()
	}
	redis.fail.Store(true)
	hm.RunAll()

	assert.True(t, hm.IsDegraded("redis"))
	assert.Equal(t, StatusDegraded, hm.GetOverallStatus())
}

func TestHealthMonitorRecoversFromPanic(t *testing.T) {
	hm := NewHealthMonitor()
	hm.RegisterCheck(&HealthCheck{
		Name:     "panicky",
		Critical: true,
		Check: func(ctx context.Context) error {
			panic("boom")
		},
	})

	assert.NotPanics(t, hm.RunAll)
	assert.True(t, hm.IsUnhealthy("panicky"))
}

func TestCircuitBreakerCheck(t *testing.T) {
	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:    "store-write",
		Timeout: time.Minute,
		ReadyToTrip: func(c circuitbreaker.Counts) bool {
			return c.ConsecutiveFailures >= 1
		},
	})
	hm := NewHealthMonitor()
	hm.RegisterCheck(NewCircuitBreakerCheck("breaker_write", cb))

	hm.RunAll()
	assert.True(t, hm.IsHealthy("breaker_write"))

	_ = cb.Execute(func() error { return errors.New("fail") })
	hm.RunAll()
	assert.False(t, hm.IsHealthy("breaker_write"))
}

func TestGetCheckStatusUnknown(t *testing.T) {
	hm := NewHealthMonitor()
	status, ok := hm.GetCheckStatus("missing")
	assert.False(t, ok)
	assert.Equal(t, StatusUnreachable, status)
}

func TestOnRecoveryFiresAfterFailure(t *testing.T) {
	hm := NewHealthMonitor()
	store := &fakePinger{}
	hm.RegisterCheck(NewPingCheck("store", store, true))
	hm.RegisterCheck(NewPingCheck("other", &fakePinger{}, false))

	var recovered atomic.Int32
	hm.OnRecovery("store", func() { recovered.Add(1) })

	hm.RunAll()
	hm.RunAll()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), recovered.Load(), "healthy from the start is not a recovery")

	store.fail.Store(true)
	hm.RunAll()
	require.True(t, hm.IsUnhealthy("store") || hm.IsDegraded("store"))

	store.fail.Store(false)
	hm.RunAll()
	require.Eventually(t, func() bool { return recovered.Load() == 1 }, time.Second, time.Millisecond)

	hm.RunAll()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), recovered.Load())
}
