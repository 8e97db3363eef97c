package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kozaktomas/facepoke/internal/portrait"
)

type fakeStore struct{ n, c int }

func (f fakeStore) Len() int      { return f.n }
func (f fakeStore) Capacity() int { return f.c }

func TestMetrics_Requests(t *testing.T) {
	m := New()
	m.ObserveRequest("transform", nil)
	m.ObserveRequest("transform", portrait.NewSessionNotFoundError("x"))
	m.ObserveRequest("transform", portrait.NewSessionNotFoundError("y"))
	m.ObserveRequest("preprocess", errors.New("untyped"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("transform", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("transform", "session_not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("preprocess", "internal_error")))
}

func TestMetrics_MemoAndEvictions(t *testing.T) {
	m := New()
	m.ObserveMemo("hit")
	m.ObserveMemo("hit")
	m.ObserveMemo("stale")
	m.ObserveEviction()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.memoLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.memoLookups.WithLabelValues("stale")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evictions))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.RegisterStore(fakeStore{n: 3, c: 10})
	m.ObserveStage("stitch", 20*time.Millisecond, nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "facepoke_sessions_cached 3")
	assert.Contains(t, text, "facepoke_sessions_capacity 10")
	assert.True(t, strings.Contains(text, `facepoke_pipeline_stage_duration_seconds_count{stage="stitch",status="ok"} 1`))
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.ObserveEviction()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.evictions))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.evictions))
}
