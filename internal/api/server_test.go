package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/hepnos-dataloader/internal/config"
	"github.com/ahrav/hepnos-dataloader/pkg/common/logger"
	"github.com/ahrav/hepnos-dataloader/pkg/metrics"
)

func newTestServer(t *testing.T, ready ReadyFunc) (*Server, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	cfg := config.HTTPConfig{ShutdownTimeout: time.Second}
	s, err := NewServer(cfg, "test-build", logger.Noop(), noop.NewTracerProvider(), reg, ready)
	require.NoError(t, err)
	return s, reg
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := get(t, s.Handler(), "/v1/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body healthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, healthResponse{Status: "ok", Build: "test-build"}, body)
}

func TestReadinessFollowsReadyFunc(t *testing.T) {
	var ready atomic.Bool
	s, _ := newTestServer(t, ready.Load)

	assert.Equal(t, http.StatusServiceUnavailable, get(t, s.Handler(), "/v1/readiness").Code)
	ready.Store(true)
	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/v1/readiness").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, reg := newTestServer(t, nil)
	m := metrics.New("dataloader", reg)
	m.IncItemsPushed()

	rec := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "dataloader_items_pushed_total 1"))
}

func TestStatsvizRoutes(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := get(t, s.Handler(), "/debug/statsviz")
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/debug/statsviz/").Code)
}

func TestServeStopsWithContext(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/v1/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
