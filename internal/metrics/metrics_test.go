package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.Unit("ok", time.Second, 3)
		r.UnitFailure("alignment")
		r.Partition("merged")
		r.Track("CONFIRMED")
		r.Validation("MATCHED")
		r.SinkError()
		r.Batch("completed", time.Minute)
	})
	assert.Nil(t, r.Registry())
}

func TestRecorderCounts(t *testing.T) {
	r := New()
	r.Unit("ok", 20*time.Millisecond, 4)
	r.Unit("ok", 30*time.Millisecond, 1)
	r.UnitFailure("photometric")
	r.Track("CONFIRMED")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.unitsTotal.WithLabelValues("ok")))
	assert.Equal(t, 5.0, testutil.ToFloat64(r.candidatesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.unitFailures.WithLabelValues("photometric")))

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "skydiff_reduce_tracks_total"))
}
