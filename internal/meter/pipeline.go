package meter

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Pipeline accepts meter events from the gateway hot path and persists them
// through a background worker pool. Emit never blocks the request: when the
// queue is full the event is dropped and counted, never the response.
type Pipeline struct {
	store    EventStore
	queue    chan *Event
	logger   *log.Logger
	wg       sync.WaitGroup
	workers  int
	metrics  *Metrics
	stopOnce sync.Once
}

// NewPipeline starts a pipeline with the given worker count (minimum 1).
func NewPipeline(store EventStore, workers int) *Pipeline {
	if workers <= 0 {
		workers = 4
	}
	p := &Pipeline{
		store:   store,
		queue:   make(chan *Event, 1000),
		logger:  log.New(log.Writer(), "[METER] ", log.LstdFlags),
		workers: workers,
		metrics: newMetrics(),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Emit queues a meter event. Missing IDs and timestamps are filled in.
// Non-blocking: a full queue drops the event with a log line rather than
// stalling the caller.
func (p *Pipeline) Emit(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case p.queue <- event:
	default:
		p.metrics.EventsDropped.WithLabelValues(string(event.Capability)).Inc()
		p.logger.Printf("⚠️  Meter queue full, dropping event %s (tenant=%s)", event.ID, event.TenantID)
	}
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for event := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.store.Insert(ctx, event); err != nil {
			p.logger.Printf("❌ Failed to persist meter event %s: %v", event.ID, err)
			p.metrics.EventsFailed.WithLabelValues(string(event.Capability)).Inc()
		} else {
			p.metrics.EventsTotal.WithLabelValues(string(event.Capability), event.Provider).Inc()
			p.metrics.ChargeCents.WithLabelValues(string(event.Capability), event.Provider).Add(float64(event.Charge))
		}
		cancel()
	}
}

// Shutdown drains the queue and stops the workers. Safe to call more than
// once.
func (p *Pipeline) Shutdown() {
	p.stopOnce.Do(func() {
		close(p.queue)
		p.wg.Wait()
	})
}

// Store exposes the underlying event store for reporting.
func (p *Pipeline) Store() EventStore {
	return p.store
}
