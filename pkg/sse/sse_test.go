package sse

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type event struct {
	Type     string `json:"type"`
	Analyzed int    `json:"analyzed"`
}

func TestWriter_FramesAndHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)
	require.NoError(t, w.Send(event{Type: "progress", Analyzed: 1}))
	require.NoError(t, w.Send(event{Type: "complete", Analyzed: 1}))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.True(t, rec.Flushed)
	assert.Equal(t,
		"data: {\"type\":\"progress\",\"analyzed\":1}\n\n"+
			"data: {\"type\":\"complete\",\"analyzed\":1}\n\n",
		rec.Body.String())
}

func TestReader_RoundTrip(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)
	for i := 1; i <= 3; i++ {
		require.NoError(t, w.Send(event{Type: "progress", Analyzed: i}))
	}

	r := NewReader(strings.NewReader(rec.Body.String()))
	for i := 1; i <= 3; i++ {
		var ev event
		require.NoError(t, r.NextJSON(&ev))
		assert.Equal(t, i, ev.Analyzed)
	}
	_, err := r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_PartialReadsAndCRLF(t *testing.T) {
	stream := ": keepalive\r\n\r\nevent: x\r\ndata: {\"type\":\"progress\",\r\ndata: \"analyzed\":2}\r\n\r\n"
	r := NewReader(iotest.OneByteReader(strings.NewReader(stream)))

	data, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "{\"type\":\"progress\",\n\"analyzed\":2}", string(data))
}

func TestReader_TruncatedEvent(t *testing.T) {
	r := NewReader(strings.NewReader("data: {\"type\":\"progress\"}\n"))
	_, err := r.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
