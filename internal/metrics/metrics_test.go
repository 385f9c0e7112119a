package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordAdmission(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordAdmission(AdmissionFree)
	c.RecordAdmission(AdmissionFree)
	c.RecordAdmission(AdmissionDenied)

	if got := testutil.ToFloat64(c.admissions.WithLabelValues(AdmissionFree)); got != 2 {
		t.Fatalf("free admissions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.admissions.WithLabelValues(AdmissionDenied)); got != 1 {
		t.Fatalf("denied admissions = %v, want 1", got)
	}
}

func TestStreamGaugeReturnsToZero(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.StreamStarted()
	c.StreamStarted()
	c.RecordStream(StreamCompleted)
	c.RecordStream(StreamFailed)

	if got := testutil.ToFloat64(c.activeStreams); got != 0 {
		t.Fatalf("active streams = %v, want 0", got)
	}
	if got := testutil.ToFloat64(c.streams.WithLabelValues(StreamCompleted)); got != 1 {
		t.Fatalf("completed streams = %v, want 1", got)
	}
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordStoreFallback("append_turns")
	c.RecordDailyReset()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{
		`chatpal_store_fallbacks_total{op="append_turns"} 1`,
		"chatpal_daily_resets_total 1",
	} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("metrics output missing %q:\n%s", name, body)
		}
	}
}
