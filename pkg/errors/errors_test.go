package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"app error wins", New(ErrNotFound, http.StatusTeapot, "x"), http.StatusTeapot},
		{"not found", fmt.Errorf("loading: %w", ErrNotFound), http.StatusNotFound},
		{"validation", ErrValidation, http.StatusBadRequest},
		{"invalid input", ErrInvalidInput, http.StatusBadRequest},
		{"model", ErrModel, http.StatusBadGateway},
		{"source", ErrSourceUnavailable, http.StatusServiceUnavailable},
		{"timeout", ErrTimeout, http.StatusGatewayTimeout},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatusCode(tt.err))
		})
	}
}

func TestHelpersWrapSentinels(t *testing.T) {
	assert.ErrorIs(t, NotFoundf("opportunity %s", "A"), ErrNotFound)
	assert.ErrorIs(t, Modelf("bad score"), ErrModel)
	assert.ErrorIs(t, Storage("upsert", errors.New("conn reset")), ErrStorage)
	assert.ErrorIs(t, fmt.Errorf("run: %w", SourceUnavailable("sam.gov", errors.New("503"))), ErrSourceUnavailable)
	assert.Equal(t, "not found: opportunity A", NotFoundf("opportunity %s", "A").Error())
}
