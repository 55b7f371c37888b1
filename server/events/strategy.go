// Package events persists client events and fans them out to indicators.
//
// Two persistence strategies exist: single writes each event in its own
// statement, batch groups concurrent events into one transaction. Both return
// from Accept only after the event is stored.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/examlink/sebconn/config"
	"github.com/examlink/sebconn/logger"
	"github.com/examlink/sebconn/model"
)

const (
	StrategySingle = "single"
	StrategyBatch  = "batch"
)

// Store persists events and assigns their ids.
type Store interface {
	InsertEvents(ctx context.Context, events []*model.ClientEvent) error
}

// Strategy stores events durably.
type Strategy interface {
	Accept(ctx context.Context, ev *model.ClientEvent) error
	Close(ctx context.Context) error
}

// NewStrategy builds the strategy named in cfg.
func NewStrategy(cfg *config.EventsConfig, store Store) (Strategy, error) {
	switch cfg.Strategy {
	case "", StrategySingle:
		return NewSingle(store), nil
	case StrategyBatch:
		interval, err := cfg.GetFlushInterval()
		if err != nil {
			return nil, fmt.Errorf("invalid events.flush_interval: %w", err)
		}
		return NewBatch(store, cfg.BatchSize, interval), nil
	default:
		return nil, fmt.Errorf("unknown event strategy %q", cfg.Strategy)
	}
}

// Single writes every event synchronously.
type Single struct {
	store Store
}

func NewSingle(store Store) *Single {
	return &Single{store: store}
}

func (s *Single) Accept(ctx context.Context, ev *model.ClientEvent) error {
	if ev.ServerTime.IsZero() {
		ev.ServerTime = time.Now()
	}
	return s.store.InsertEvents(ctx, []*model.ClientEvent{ev})
}

func (s *Single) Close(ctx context.Context) error {
	logger.Debug("Events: single strategy closed", "component", "EVENTS")
	return nil
}
