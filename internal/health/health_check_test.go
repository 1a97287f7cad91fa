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
	"go.uber.org/zap"

	"github.com/bhyvex/metis/internal/store"
)

type fixedNodes int

func (n fixedNodes) UpCount() int { return int(n) }

type failingHeaders struct {
	*store.MemoryHeaderStore
}

func (failingHeaders) Ping(context.Context) error { return errors.New("connection refused") }

func decode(t *testing.T, rec *httptest.ResponseRecorder) HealthStatus {
	t.Helper()
	var st HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	return st
}

func TestLiveness(t *testing.T) {
	h := NewHealthChecker(store.NewMemoryMetadataStore(), nil, fixedNodes(0), 3, zap.NewNop())
	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", decode(t, rec).Status)
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		name     string
		nodes    int
		headers  store.HeaderStore
		wantCode int
		wantKeys []string
	}{
		{"enough nodes", 3, nil, http.StatusOK, []string{"metadata_store", "storage_nodes"}},
		{"too few nodes", 2, nil, http.StatusServiceUnavailable, []string{"metadata_store", "storage_nodes"}},
		{"header store down is not fatal", 3, failingHeaders{store.NewMemoryHeaderStore()}, http.StatusOK, []string{"metadata_store", "header_store", "storage_nodes"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker(store.NewMemoryMetadataStore(), tt.headers, fixedNodes(tt.nodes), 3, zap.NewNop())
			rec := httptest.NewRecorder()
			h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			st := decode(t, rec)
			for _, k := range tt.wantKeys {
				assert.Contains(t, st.Checks, k)
			}
		})
	}
}
