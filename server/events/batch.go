package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/examlink/sebconn/logger"
	"github.com/examlink/sebconn/model"
)

// ErrClosed is returned by Accept after Close.
var ErrClosed = errors.New("event strategy closed")

type batchRequest struct {
	ev   *model.ClientEvent
	done chan error
}

// Batch collects events from concurrent callers and writes up to size of them
// per transaction, at least every flushInterval. Accept waits for the result
// of the batch that carried its event.
type Batch struct {
	store         Store
	size          int
	flushInterval time.Duration

	requests chan batchRequest
	stopped  chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewBatch(store Store, size int, flushInterval time.Duration) *Batch {
	if size <= 0 {
		size = 100
	}
	if flushInterval <= 0 {
		flushInterval = 100 * time.Millisecond
	}
	b := &Batch{
		store:         store,
		size:          size,
		flushInterval: flushInterval,
		requests:      make(chan batchRequest, size),
		stopped:       make(chan struct{}),
	}
	go b.run()
	logger.Info("Events: batch strategy started", "component", "EVENTS", "batch_size", size, "flush_interval", flushInterval)
	return b
}

func (b *Batch) Accept(ctx context.Context, ev *model.ClientEvent) error {
	if ev.ServerTime.IsZero() {
		ev.ServerTime = time.Now()
	}
	req := batchRequest{ev: ev, done: make(chan error, 1)}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	select {
	case b.requests <- req:
	case <-ctx.Done():
		b.mu.RUnlock()
		return ctx.Err()
	}
	b.mu.RUnlock()

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Batch) run() {
	defer close(b.stopped)

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	pending := make([]batchRequest, 0, b.size)
	for {
		select {
		case req, ok := <-b.requests:
			if !ok {
				b.flush(pending)
				return
			}
			pending = append(pending, req)
			if len(pending) >= b.size {
				b.flush(pending)
				pending = pending[:0]
			}
		case <-ticker.C:
			if len(pending) > 0 {
				b.flush(pending)
				pending = pending[:0]
			}
		}
	}
}

// flush writes pending in one transaction. If that fails each event is
// retried alone so one bad event does not fail its neighbours.
func (b *Batch) flush(pending []batchRequest) {
	if len(pending) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	evs := make([]*model.ClientEvent, len(pending))
	for i, req := range pending {
		evs[i] = req.ev
	}

	err := b.store.InsertEvents(ctx, evs)
	if err == nil || len(pending) == 1 {
		for _, req := range pending {
			req.done <- err
		}
		return
	}

	logger.Warn("Events: batch insert failed, writing events one by one", "component", "EVENTS", "batch_size", len(pending), "error", err)
	for _, req := range pending {
		req.done <- b.store.InsertEvents(ctx, []*model.ClientEvent{req.ev})
	}
}

// Close stops accepting events and flushes what is queued.
func (b *Batch) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.requests)
	b.mu.Unlock()

	select {
	case <-b.stopped:
		logger.Info("Events: batch strategy flushed and stopped", "component", "EVENTS")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
