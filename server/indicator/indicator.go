// Package indicator implements the per-connection monitoring indicators that
// aggregate client events into values shown to proctors.
package indicator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/examlink/sebconn/model"
)

// Indicator observes events of specific types for one connection.
// NotifyValueChange must be safe for concurrent use.
type Indicator interface {
	Name() string
	Type() model.IndicatorType
	EventTypes() []model.EventType
	NotifyValueChange(ev *model.ClientEvent)
	Snapshot() Value
}

// Value is a point-in-time view of an indicator.
type Value struct {
	Name     string              `json:"name"`
	Type     model.IndicatorType `json:"type"`
	Value    float64             `json:"value"`
	Color    string              `json:"color,omitempty"`
	Incident bool                `json:"incident"`
}

// thresholds is sorted by ascending value.
type thresholds []model.Threshold

func newThresholds(in []model.Threshold) thresholds {
	out := make(thresholds, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}

// reached returns the highest threshold not above v.
func (t thresholds) reached(v float64) (model.Threshold, bool) {
	for i := len(t) - 1; i >= 0; i-- {
		if v >= t[i].Value {
			return t[i], true
		}
	}
	return model.Threshold{}, false
}

type base struct {
	name       string
	typ        model.IndicatorType
	thresholds thresholds

	mu    sync.Mutex
	value float64
}

func (b *base) Name() string              { return b.name }
func (b *base) Type() model.IndicatorType { return b.typ }

func (b *base) Snapshot() Value {
	b.mu.Lock()
	v := b.value
	b.mu.Unlock()

	out := Value{Name: b.name, Type: b.typ, Value: v}
	if th, ok := b.thresholds.reached(v); ok {
		out.Color = th.Color
		out.Incident = true
	}
	return out
}

// countIndicator counts log events of one type.
type countIndicator struct {
	base
	eventType model.EventType
}

func (c *countIndicator) EventTypes() []model.EventType {
	return []model.EventType{c.eventType}
}

func (c *countIndicator) NotifyValueChange(ev *model.ClientEvent) {
	if ev == nil || ev.Type != c.eventType {
		return
	}
	c.mu.Lock()
	c.value++
	c.mu.Unlock()
}

// lastPingIndicator keeps the latest reported ping value.
type lastPingIndicator struct {
	base
}

func (l *lastPingIndicator) EventTypes() []model.EventType {
	return []model.EventType{model.EventLastPing}
}

func (l *lastPingIndicator) NotifyValueChange(ev *model.ClientEvent) {
	if ev == nil || ev.Type != model.EventLastPing {
		return
	}
	l.mu.Lock()
	if ev.NumValue > l.value {
		l.value = ev.NumValue
	}
	l.mu.Unlock()
}

// New builds the indicator described by def.
func New(def model.IndicatorDefinition) (Indicator, error) {
	name := def.Name
	if name == "" {
		name = string(def.Type)
	}
	b := base{name: name, typ: def.Type, thresholds: newThresholds(def.Thresholds)}

	switch def.Type {
	case model.IndicatorErrorCount:
		return &countIndicator{base: b, eventType: model.EventErrorLog}, nil
	case model.IndicatorWarnCount:
		return &countIndicator{base: b, eventType: model.EventWarnLog}, nil
	case model.IndicatorInfoCount:
		return &countIndicator{base: b, eventType: model.EventInfoLog}, nil
	case model.IndicatorLastPing:
		return &lastPingIndicator{base: b}, nil
	default:
		return nil, fmt.Errorf("unknown indicator type %q", def.Type)
	}
}

// DefaultDefinitions is used for exams without indicator configuration and
// for connections not yet bound to an exam.
func DefaultDefinitions() []model.IndicatorDefinition {
	return []model.IndicatorDefinition{
		{Name: "Errors", Type: model.IndicatorErrorCount},
		{Name: "Warnings", Type: model.IndicatorWarnCount},
	}
}
