// Package bus implements the typed message-bus fabric: one bus per
// service type, each a facade over the shared service registry, plus a
// bounded queue and background worker for the operations that are
// fire-and-forget. Most bus methods are synchronous pass-throughs; only
// queued operations touch the worker.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentfabric/agentfabric/core"
	"github.com/agentfabric/agentfabric/telemetry"
)

// BusMessage is the envelope carried on a bus queue
type BusMessage struct {
	ID          string
	HandlerName string
	Timestamp   time.Time
	Metadata    map[string]interface{}
	Payload     interface{}
}

// NewBusMessage creates an envelope for the given handler and payload
func NewBusMessage(handler string, payload interface{}) *BusMessage {
	return &BusMessage{
		ID:          uuid.NewString(),
		HandlerName: handler,
		Timestamp:   time.Now(),
		Payload:     payload,
	}
}

// BusStats reports queue behavior since start
type BusStats struct {
	Queued          int     `json:"queued"`
	Processed       int64   `json:"processed"`
	Failed          int64   `json:"failed"`
	AvgProcessingMS float64 `json:"avg_processing_ms"`
}

// processFunc handles one dequeued message
type processFunc func(ctx context.Context, msg *BusMessage) error

// BaseBus is the common template every typed bus embeds: a bounded FIFO
// queue, a single worker goroutine, and lifecycle management. Enqueue
// fails (returns false) when the queue is full or the bus is stopped;
// a full queue is a signal to the caller, not a latent failure.
type BaseBus struct {
	name         string
	queue        chan *BusMessage
	process      processFunc
	logger       core.Logger
	drainTimeout time.Duration

	running atomic.Bool
	stopped atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	statsMu           sync.Mutex
	processed         int64
	failed            int64
	totalProcessingMS float64
}

// newBaseBus creates the bus template. Buses with no queued operations
// still get a queue; it simply stays empty.
func newBaseBus(name string, capacity int, process processFunc, logger core.Logger, drainTimeout time.Duration) *BaseBus {
	if capacity <= 0 {
		capacity = 1000
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	return &BaseBus{
		name:         name,
		queue:        make(chan *BusMessage, capacity),
		process:      process,
		logger:       logger,
		drainTimeout: drainTimeout,
		done:         make(chan struct{}),
	}
}

// Name returns the bus name
func (b *BaseBus) Name() string { return b.name }

// Start launches the background worker
func (b *BaseBus) Start(ctx context.Context) error {
	if b.stopped.Load() {
		return core.ErrBusStopped
	}
	if !b.running.CompareAndSwap(false, true) {
		return core.ErrAlreadyStarted
	}

	workerCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	go b.worker(workerCtx)

	b.logger.Info("Bus started", map[string]interface{}{
		"operation": "bus_start",
		"bus":       b.name,
		"capacity":  cap(b.queue),
	})
	return nil
}

// Stop flags the bus as stopped, drains the queue up to the drain
// timeout, then abandons whatever remains. After Stop, enqueue fails.
func (b *BaseBus) Stop() error {
	if !b.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if !b.running.Load() {
		return nil
	}

	b.cancel()
	select {
	case <-b.done:
	case <-time.After(b.drainTimeout):
		b.logger.Warn("Bus drain timed out", map[string]interface{}{
			"operation": "bus_stop",
			"bus":       b.name,
			"abandoned": len(b.queue),
		})
	}
	b.running.Store(false)

	b.logger.Info("Bus stopped", map[string]interface{}{
		"operation": "bus_stop",
		"bus":       b.name,
	})
	return nil
}

// Running reports whether the worker is active
func (b *BaseBus) Running() bool {
	return b.running.Load() && !b.stopped.Load()
}

// TryEnqueue offers a message to the queue without blocking.
// Returns false when the bus is stopped or the queue is full.
func (b *BaseBus) TryEnqueue(msg *BusMessage) bool {
	if b.stopped.Load() || !b.running.Load() {
		return false
	}
	select {
	case b.queue <- msg:
		telemetry.Counter(telemetry.MetricBusQueued, "bus", b.name)
		return true
	default:
		telemetry.Counter(telemetry.MetricBusQueueFull, "bus", b.name)
		b.logger.Warn("Bus queue full, message rejected", map[string]interface{}{
			"operation": "bus_enqueue",
			"bus":       b.name,
			"handler":   msg.HandlerName,
		})
		return false
	}
}

// QueueSize returns the current queue depth
func (b *BaseBus) QueueSize() int { return len(b.queue) }

// Capacity returns the maximum queue depth
func (b *BaseBus) Capacity() int { return cap(b.queue) }

// Stats returns a snapshot of queue behavior
func (b *BaseBus) Stats() BusStats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()

	avg := 0.0
	if b.processed > 0 {
		avg = b.totalProcessingMS / float64(b.processed)
	}
	return BusStats{
		Queued:          len(b.queue),
		Processed:       b.processed,
		Failed:          b.failed,
		AvgProcessingMS: avg,
	}
}

// worker dequeues until cancelled, then drains what is left
func (b *BaseBus) worker(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			b.drain()
			return
		case msg := <-b.queue:
			b.handle(ctx, msg)
		}
	}
}

// drain processes remaining messages within the drain timeout.
// Uses a background context: the worker context is already cancelled.
func (b *BaseBus) drain() {
	deadline := time.Now().Add(b.drainTimeout)
	for {
		select {
		case msg := <-b.queue:
			if time.Now().After(deadline) {
				return
			}
			ctx, cancel := context.WithDeadline(context.Background(), deadline)
			b.handle(ctx, msg)
			cancel()
		default:
			return
		}
	}
}

func (b *BaseBus) handle(ctx context.Context, msg *BusMessage) {
	if b.process == nil {
		return
	}
	start := time.Now()
	err := b.process(ctx, msg)
	elapsed := float64(time.Since(start).Milliseconds())

	b.statsMu.Lock()
	b.processed++
	b.totalProcessingMS += elapsed
	if err != nil {
		b.failed++
	}
	b.statsMu.Unlock()

	if err != nil {
		telemetry.Counter(telemetry.MetricBusFailed, "bus", b.name)
		b.logger.Error("Bus message processing failed", map[string]interface{}{
			"operation":  "bus_process",
			"bus":        b.name,
			"message_id": msg.ID,
			"handler":    msg.HandlerName,
			"error":      err.Error(),
		})
		return
	}
	telemetry.Counter(telemetry.MetricBusProcessed, "bus", b.name)
}
