package events

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/examlink/sebconn/logger"
	"github.com/examlink/sebconn/model"
	"github.com/examlink/sebconn/pkg/metrics"
	"github.com/examlink/sebconn/server/indicator"
)

type notification struct {
	token     string
	indicator indicator.Indicator
	event     model.ClientEvent
}

// Dispatcher delivers events to indicators on a fixed pool of workers so a
// slow or failing indicator never holds up the request path. When the queue
// is full notifications are dropped.
type Dispatcher struct {
	queue chan notification
	group errgroup.Group

	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(workers, queueSize int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 10000
	}

	d := &Dispatcher{queue: make(chan notification, queueSize)}
	for i := 0; i < workers; i++ {
		d.group.Go(d.work)
	}
	return d
}

// Notify queues one notification per indicator and returns how many were
// queued. Each indicator gets its own copy of the event.
func (d *Dispatcher) Notify(token string, indicators []indicator.Indicator, ev *model.ClientEvent) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return 0
	}

	queued := 0
	for _, ind := range indicators {
		select {
		case d.queue <- notification{token: token, indicator: ind, event: *ev}:
			queued++
			metrics.IndicatorQueueDepth.Inc()
		default:
			metrics.IndicatorNotifications.WithLabelValues("dropped").Inc()
			logger.Warn("Events: indicator queue full, dropping notification", "component", "EVENTS", "indicator", ind.Name(), "event_type", ev.Type)
		}
	}
	return queued
}

func (d *Dispatcher) work() error {
	for n := range d.queue {
		metrics.IndicatorQueueDepth.Dec()
		if err := deliver(n); err != nil {
			metrics.IndicatorNotifications.WithLabelValues("panic").Inc()
			logger.Error("Events: indicator failed", "component", "EVENTS", "indicator", n.indicator.Name(), "event_type", n.event.Type, "error", err)
			continue
		}
		metrics.IndicatorNotifications.WithLabelValues("applied").Inc()
	}
	return nil
}

func deliver(n notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in indicator: %v", r)
		}
	}()
	n.indicator.NotifyValueChange(&n.event)
	return nil
}

// Close stops accepting notifications and waits until the queue is drained.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	return d.group.Wait()
}
