package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveTransition("playing", "original")
	m.IncGatesOpened()
	m.ObserveChoice("keepOriginal", "local")
	m.ObserveAttach("original", time.Second, nil)
	m.IncEngineRetry("network")
	m.IncErrors("media")
	m.SetActiveBlackout(3)
	m.IncRequests("/state", 200)
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.ObserveTransition("awaiting_choice", "original")
	m.IncGatesOpened()
	m.IncGatesOpened()
	m.ObserveChoice("applyBlackout", "local")
	m.ObserveAttach("blackout", 20*time.Millisecond, nil)
	m.ObserveAttach("blackout", 20*time.Millisecond, errors.New("boom"))
	m.IncErrors("media")
	m.SetActiveBlackout(2)
	m.IncRequests("/seek", 404)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.gatesOpened))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("awaiting_choice", "original")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.choices.WithLabelValues("applyBlackout", "local")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attaches.WithLabelValues("blackout", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attaches.WithLabelValues("blackout", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("media")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.activeBlackout))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("/seek", "4xx")))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.IncGatesOpened()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "blackout_gates_opened_total 1"))
}

func TestRequestMiddleware_CountsByRoutePattern(t *testing.T) {
	m := New()

	r := chi.NewRouter()
	r.Use(RequestMiddleware(m))
	r.Get("/state", func(w http.ResponseWriter, r *http.Request) {})
	r.Post("/choice", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/state", nil),
		httptest.NewRequest(http.MethodGet, "/state", nil),
		httptest.NewRequest(http.MethodPost, "/choice", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("/state", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("/choice", "4xx")))
}

func TestRequestMiddleware_NilMetrics(t *testing.T) {
	r := chi.NewRouter()
	r.Use(RequestMiddleware(nil))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
