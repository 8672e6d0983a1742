package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthz(t *testing.T) {
	s := NewServer(Config{Host: "127.0.0.1", Port: 0}, prometheus.NewRegistry(), nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzAggregatesChecks(t *testing.T) {
	s := NewServer(Config{Host: "127.0.0.1", Port: 0}, prometheus.NewRegistry(), nil)
	s.AddReadinessCheck("database", func(context.Context) error { return nil })
	s.AddReadinessCheck("node", func(context.Context) error { return errors.New("connection refused") })

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["database"])
	assert.Contains(t, body["node"], "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_imports_total"})
	reg.MustRegister(counter)
	counter.Inc()

	s := NewServer(Config{Host: "127.0.0.1", Port: 0}, reg, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_imports_total 1")
}
