package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) error { return nil }

func failing(context.Context) error { return errors.New("connection refused") }

func TestRun_WorstStatusWins(t *testing.T) {
	c := NewChecker()
	c.Register("postgres", Ping(ok, false))
	c.Register("redis", Ping(failing, true))

	report := c.Run(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, StatusUp, report.Components["postgres"].Status)
	assert.Equal(t, "connection refused", report.Components["redis"].Message)

	c.Register("postgres", Ping(failing, false))
	assert.Equal(t, StatusDown, c.Run(context.Background()).Status)
}

func TestPing_NotConfigured(t *testing.T) {
	got := Ping(nil, true)(context.Background())
	assert.Equal(t, StatusDegraded, got.Status)
	assert.Equal(t, "not configured", got.Message)
}

func TestReadyHandler(t *testing.T) {
	c := NewChecker()
	c.Register("redis", Ping(failing, true))

	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	c.Register("postgres", Ping(failing, false))
	rec = httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, StatusDown, report.Status)
}
