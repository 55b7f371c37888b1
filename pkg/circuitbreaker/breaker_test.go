package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tripAfter(n uint32, timeout time.Duration) Settings {
	return Settings{
		Name:        "test",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= n
		},
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker(tripAfter(3, time.Minute))
	testErr := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := cb.Execute(func() error { return testErr })
		assert.ErrorIs(t, err, testErr)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.True(t, IsRejection(err))
	assert.False(t, called)
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	var transitions []State
	st := tripAfter(1, 20*time.Millisecond)
	st.OnStateChange = func(name string, from, to State) {
		transitions = append(transitions, to)
	}
	cb := NewCircuitBreaker(st)

	_ = cb.Execute(func() error { return errors.New("fail") })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	v, err := Run(cb, func() (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestBreakerIgnoresUnsuccessfulClassification(t *testing.T) {
	notFound := errors.New("not found")
	st := tripAfter(1, time.Minute)
	st.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, notFound)
	}
	cb := NewCircuitBreaker(st)

	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return notFound })
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(5), cb.Counts().TotalSuccesses)
}

func TestBreakerPanicCountsAsFailure(t *testing.T) {
	cb := NewCircuitBreaker(tripAfter(1, time.Minute))
	assert.Panics(t, func() {
		_ = cb.Execute(func() error { panic("bad") })
	})
	assert.Equal(t, StateOpen, cb.State())
}

func TestDefaultSettingsReadyToTrip(t *testing.T) {
	st := DefaultSettings("db")
	assert.False(t, st.ReadyToTrip(Counts{Requests: 2, TotalFailures: 2}))
	assert.True(t, st.ReadyToTrip(Counts{Requests: 5, TotalFailures: 3}))
	assert.False(t, st.ReadyToTrip(Counts{Requests: 5, TotalFailures: 2}))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "OPEN", StateOpen.String())
}
