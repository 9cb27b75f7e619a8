package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	m := New()
	m.ObserveCheck(2*time.Second, 3, nil)
	m.ObserveCheck(time.Second, 3, errors.New("boom"))
	m.Lookup("found")
	m.Lookup("found")
	m.UpdateDetected()
	m.Notification("telegram", true)
	m.Command("add")

	if got := testutil.ToFloat64(m.checks.WithLabelValues("ok")); got != 1 {
		t.Fatalf("expected 1 ok check, got %v", got)
	}
	if got := testutil.ToFloat64(m.checks.WithLabelValues("error")); got != 1 {
		t.Fatalf("expected 1 failed check, got %v", got)
	}
	if got := testutil.ToFloat64(m.lookups.WithLabelValues("found")); got != 2 {
		t.Fatalf("expected 2 lookups, got %v", got)
	}
	if got := testutil.ToFloat64(m.apps); got != 3 {
		t.Fatalf("expected 3 apps, got %v", got)
	}
}

func TestMetricsHandlerServesExposition(t *testing.T) {
	m := New()
	m.UpdateDetected()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Result().Body)
	if !strings.Contains(string(body), "appwatch_updates_detected_total 1") {
		t.Fatalf("expected counter in exposition, got %s", body)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveCheck(time.Second, 1, nil)
	m.Lookup("error")
	m.UpdateDetected()
	m.Notification("endpoint", false)
	m.Command("list")
	if m.Registry() != nil {
		t.Fatalf("expected nil registry")
	}
}
