package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/propbot/propbot/internal/ingestion"
	"github.com/propbot/propbot/pkg/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu      sync.Mutex
	batches [][]kafka.Event
	err     error
}

func (f *fakePublisher) PublishBatch(_ context.Context, events []kafka.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, events)
	return nil
}

func (f *fakePublisher) published() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func event(id string) ingestion.OpportunityEvent {
	return ingestion.OpportunityEvent{Type: ingestion.EventInserted, OpportunityID: id}
}

func TestFlush_PublishesBufferedEvents(t *testing.T) {
	pub := &fakePublisher{}
	n := New(pub, 10, time.Hour)

	n.Notify(event("a"))
	n.Notify(event("b"))
	assert.Equal(t, 2, n.Pending())

	n.Flush(context.Background())
	assert.Equal(t, 0, n.Pending())
	require.Len(t, pub.batches, 1)
	assert.Equal(t, "a", pub.batches[0][0].Key)
	assert.Equal(t, ingestion.EventInserted, pub.batches[0][0].Type)
}

func TestNotify_FullBufferFlushes(t *testing.T) {
	pub := &fakePublisher{}
	n := New(pub, 2, time.Hour)

	n.Notify(event("a"))
	n.Notify(event("b"))

	assert.Eventually(t, func() bool { return pub.published() == 2 }, time.Second, 5*time.Millisecond)
}

func TestFlush_RequeuesOnFailureAndCaps(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	n := New(pub, 1, time.Hour)
	n.flushMu.Lock() // hold off asynchronous flushes while filling

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		n.Notify(event(id))
	}
	n.flushMu.Unlock()

	n.Flush(context.Background())
	assert.LessOrEqual(t, n.Pending(), 3)
}

func TestStart_FinalFlushOnCancel(t *testing.T) {
	pub := &fakePublisher{}
	n := New(pub, 100, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	n.Start(ctx)

	n.Notify(event("a"))
	cancel()
	n.Close()

	assert.Equal(t, 1, pub.published())
}
