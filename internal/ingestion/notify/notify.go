// Package notify publishes opportunity change events to Kafka in batches.
// Events are buffered in memory and flushed when the batch fills up or on a
// timer, so ingest runs never wait on the broker.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/propbot/propbot/internal/ingestion"
	"github.com/propbot/propbot/pkg/kafka"
)

// Publisher writes a batch of events. *kafka.Producer satisfies it.
type Publisher interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// BatchNotifier buffers OpportunityEvents and flushes them to a Publisher.
type BatchNotifier struct {
	publisher     Publisher
	mu            sync.Mutex
	flushMu       sync.Mutex
	buffer        []kafka.Event
	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger
	done          chan struct{}
}

// New creates a BatchNotifier that flushes at batchSize events or every
// flushInterval, whichever comes first.
func New(publisher Publisher, batchSize int, flushInterval time.Duration) *BatchNotifier {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &BatchNotifier{
		publisher:     publisher,
		buffer:        make([]kafka.Event, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        slog.Default().With("component", "opportunity-notifier"),
		done:          make(chan struct{}),
	}
}

// Start launches the background flush loop. It stops, after a final flush,
// when ctx is cancelled.
func (n *BatchNotifier) Start(ctx context.Context) {
	go func() {
		defer close(n.done)
		ticker := time.NewTicker(n.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				n.Flush(ctx)
			case <-ctx.Done():
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				n.Flush(flushCtx)
				cancel()
				return
			}
		}
	}()
	n.logger.Info("opportunity notifier started",
		"batch_size", n.batchSize,
		"flush_interval", n.flushInterval,
	)
}

// Notify queues ev. A full buffer triggers an asynchronous flush.
func (n *BatchNotifier) Notify(ev ingestion.OpportunityEvent) {
	n.mu.Lock()
	n.buffer = append(n.buffer, kafka.Event{Key: ev.OpportunityID, Value: ev, Type: ev.Type})
	full := len(n.buffer) >= n.batchSize
	n.mu.Unlock()

	if full {
		go n.Flush(context.Background())
	}
}

// Close waits for the flush loop started by Start to exit.
func (n *BatchNotifier) Close() {
	<-n.done
}

// Pending returns the number of buffered events.
func (n *BatchNotifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.buffer)
}

// Flush publishes the buffered events. Failed batches are requeued up to
// three batches' worth; older overflow is dropped.
func (n *BatchNotifier) Flush(ctx context.Context) {
	n.flushMu.Lock()
	defer n.flushMu.Unlock()

	n.mu.Lock()
	if len(n.buffer) == 0 {
		n.mu.Unlock()
		return
	}
	batch := n.buffer
	n.buffer = make([]kafka.Event, 0, n.batchSize)
	n.mu.Unlock()

	if err := n.publisher.PublishBatch(ctx, batch); err != nil {
		n.logger.Error("event flush failed", "batch_size", len(batch), "error", err)
		n.mu.Lock()
		n.buffer = append(batch, n.buffer...)
		if limit := n.batchSize * 3; len(n.buffer) > limit {
			dropped := len(n.buffer) - limit
			n.buffer = n.buffer[:limit]
			n.logger.Warn("event buffer overflow, events dropped", "dropped", dropped)
		}
		n.mu.Unlock()
		return
	}
	n.logger.Debug("events flushed", "events", len(batch))
}
