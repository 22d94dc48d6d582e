package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lvonguyen/widsctx/internal/enrichment"
)

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type stubStats struct{ stats enrichment.Stats }

func (s stubStats) Stats() enrichment.Stats { return s.stats }

func serve(t *testing.T, deps Deps, path string) *httptest.ResponseRecorder {
	t.Helper()
	s := New(Config{Addr: ":0", Version: "1.2.3"}, deps, zaptest.NewLogger(t))
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	rec := serve(t, Deps{}, "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "1.2.3", body["version"])
}

func TestReady(t *testing.T) {
	rec := serve(t, Deps{Store: stubPinger{}}, "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decode(t, rec)["status"])

	rec = serve(t, Deps{Store: stubPinger{err: errors.New("cluster unreachable")}}, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "not_ready", body["status"])
	assert.Equal(t, "cluster unreachable", body["error"])
}

func TestStats(t *testing.T) {
	at := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	rec := serve(t, Deps{Stats: stubStats{enrichment.Stats{
		Cycles:      4,
		Discovered:  7,
		Written:     5,
		Rejected:    2,
		LastCycleAt: at,
	}}}, "/stats")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, 4.0, body["cycles"])
	assert.Equal(t, 5.0, body["written"])
	assert.Equal(t, 2.0, body["rejected"])
	assert.Equal(t, "2025-03-14T09:00:00Z", body["last_cycle_at"])
}

func TestStats_NoSource(t *testing.T) {
	rec := serve(t, Deps{}, "/stats")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "widsctx_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	rec := serve(t, Deps{Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "widsctx_test_total 1")

	rec = serve(t, Deps{}, "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListenAndServe_Shutdown(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0"}, Deps{}, zaptest.NewLogger(t))

	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe() }()

	time.Sleep(50 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
