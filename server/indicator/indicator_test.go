package indicator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/examlink/sebconn/model"
)

func TestCountIndicatorThresholds(t *testing.T) {
	ind, err := New(model.IndicatorDefinition{
		Name: "Errors",
		Type: model.IndicatorErrorCount,
		Thresholds: []model.Threshold{
			{Value: 5, Color: "ff0000"},
			{Value: 1, Color: "ffff00"},
		},
	})
	require.NoError(t, err)

	v := ind.Snapshot()
	assert.Equal(t, 0.0, v.Value)
	assert.False(t, v.Incident)
	assert.Empty(t, v.Color)

	ind.NotifyValueChange(&model.ClientEvent{Type: model.EventErrorLog})
	ind.NotifyValueChange(&model.ClientEvent{Type: model.EventWarnLog})
	v = ind.Snapshot()
	assert.Equal(t, 1.0, v.Value)
	assert.True(t, v.Incident)
	assert.Equal(t, "ffff00", v.Color)

	for i := 0; i < 4; i++ {
		ind.NotifyValueChange(&model.ClientEvent{Type: model.EventErrorLog})
	}
	assert.Equal(t, "ff0000", ind.Snapshot().Color)
}

func TestLastPingIndicator(t *testing.T) {
	ind, err := New(model.IndicatorDefinition{Type: model.IndicatorLastPing})
	require.NoError(t, err)
	assert.Equal(t, "LAST_PING", ind.Name())

	ind.NotifyValueChange(&model.ClientEvent{Type: model.EventLastPing, NumValue: 200})
	ind.NotifyValueChange(&model.ClientEvent{Type: model.EventLastPing, NumValue: 100})
	assert.Equal(t, 200.0, ind.Snapshot().Value)
}

func TestUnknownIndicatorType(t *testing.T) {
	_, err := New(model.IndicatorDefinition{Type: "BATTERY"})
	assert.Error(t, err)
}

func TestConcurrentNotifications(t *testing.T) {
	ind, err := New(model.IndicatorDefinition{Type: model.IndicatorInfoCount})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ind.NotifyValueChange(&model.ClientEvent{Type: model.EventInfoLog})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50.0, ind.Snapshot().Value)
}

func TestSetDefaultsAndIndexing(t *testing.T) {
	s := NewSet(nil)
	require.Len(t, s.All(), 2)
	assert.Len(t, s.For(model.EventErrorLog), 1)
	assert.Len(t, s.For(model.EventWarnLog), 1)
	assert.Empty(t, s.For(model.EventInfoLog))

	s = NewSet([]model.IndicatorDefinition{
		{Name: "Info", Type: model.IndicatorInfoCount},
		{Name: "Broken", Type: "NOPE"},
		{Name: "Ping", Type: model.IndicatorLastPing},
	})
	require.Len(t, s.All(), 2)
	assert.Len(t, s.For(model.EventInfoLog), 1)
	assert.Len(t, s.For(model.EventLastPing), 1)

	values := s.Snapshot()
	require.Len(t, values, 2)
	assert.Equal(t, "Info", values[0].Name)

	var nilSet *Set
	assert.Nil(t, nilSet.For(model.EventErrorLog))
}
