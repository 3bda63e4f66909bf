package trigger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/propbot/propbot/internal/ingestion"
	"github.com/propbot/propbot/internal/opportunity"
	"github.com/propbot/propbot/pkg/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	events []kafka.Event
	err    error
}

func (c *capturePublisher) Publish(_ context.Context, ev kafka.Event) error {
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, ev)
	return nil
}

func TestRequestIngest(t *testing.T) {
	pub := &capturePublisher{}
	p := NewPublisher(pub)
	p.now = func() time.Time { return time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC) }

	require.NoError(t, p.RequestIngest(context.Background(), ingestion.IngestRequest{Source: "sam.gov", RequestedBy: "api"}))
	require.NoError(t, p.RequestIngest(context.Background(), ingestion.IngestRequest{}))
	require.Len(t, pub.events, 2)

	assert.Equal(t, "sam.gov", pub.events[0].Key)
	assert.Equal(t, EventIngestRequested, pub.events[0].Type)
	req := pub.events[0].Value.(ingestion.IngestRequest)
	assert.Equal(t, time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC), req.RequestedAt)
	assert.Equal(t, "all", pub.events[1].Key)
}

func TestRequestIngest_Invalid(t *testing.T) {
	pub := &capturePublisher{}
	err := NewPublisher(pub).RequestIngest(context.Background(), ingestion.IngestRequest{Source: "fbo.gov"})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "source")
	assert.Empty(t, pub.events)
}

func TestRequestIngest_PublishFailure(t *testing.T) {
	err := NewPublisher(&capturePublisher{err: errors.New("broker down")}).
		RequestIngest(context.Background(), ingestion.IngestRequest{Source: "grants.gov"})
	assert.ErrorContains(t, err, "broker down")
}

type fakeRunner struct {
	single []opportunity.Source
	all    int
	err    error
}

func (f *fakeRunner) RunIngest(_ context.Context, s opportunity.Source) (*ingestion.RunResult, error) {
	f.single = append(f.single, s)
	return &ingestion.RunResult{RunID: 1, Source: s, Status: opportunity.RunCompleted}, f.err
}

func (f *fakeRunner) RunAll(_ context.Context, sources ...opportunity.Source) ([]*ingestion.RunResult, error) {
	f.all++
	return make([]*ingestion.RunResult, len(sources)), f.err
}

func (f *fakeRunner) Sources() []opportunity.Source { return opportunity.Sources }

func TestWorkerHandle(t *testing.T) {
	runner := &fakeRunner{}
	w := NewWorker(runner)
	ctx := context.Background()

	require.NoError(t, w.Handle(ctx, []byte("sam.gov"), []byte(`{"source":"sam.gov","requested_at":"2025-06-10T08:00:00Z"}`)))
	require.NoError(t, w.Handle(ctx, []byte("all"), []byte(`{}`)))
	assert.Equal(t, []opportunity.Source{opportunity.SourceSAM}, runner.single)
	assert.Equal(t, 1, runner.all)
}

func TestWorkerHandle_DropsBadMessages(t *testing.T) {
	runner := &fakeRunner{}
	w := NewWorker(runner)

	assert.NoError(t, w.Handle(context.Background(), nil, []byte(`not json`)))
	assert.NoError(t, w.Handle(context.Background(), nil, []byte(`{"source":"fbo.gov"}`)))
	assert.Empty(t, runner.single)
	assert.Zero(t, runner.all)
}

func TestWorkerHandle_FailedRunIsAcknowledged(t *testing.T) {
	w := NewWorker(&fakeRunner{err: errors.New("sam.gov: HTTP 503")})
	assert.NoError(t, w.Handle(context.Background(), nil, []byte(`{"source":"sam.gov"}`)))
}

func TestWorkerHandle_ShutdownLeavesMessage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := NewWorker(&fakeRunner{err: context.Canceled})
	assert.ErrorIs(t, w.Handle(ctx, nil, []byte(`{"source":"sam.gov"}`)), context.Canceled)
}
