package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/keithlinneman/signup-provisioner/internal/version"
)

func scrape(t *testing.T, m *ServerMetrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	return rec.Body.String()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return pb.GetCounter().GetValue()
}

func TestNew_RegistryPopulated(t *testing.T) {
	m := New()
	body := scrape(t, m)
	for _, name := range []string{
		"http_inflight_requests",
		"http_panics_recovered_total",
		"ratelimit_denied_total",
		"go_goroutines",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("scrape missing %q", name)
		}
	}
}

func TestObserveGrant(t *testing.T) {
	m := New()
	m.ObserveGrant("granted", 42*time.Millisecond)
	m.ObserveGrant("granted", 10*time.Millisecond)
	m.ObserveGrant("failed", time.Millisecond)

	if v := counterValue(t, m.grantsTotal.WithLabelValues("granted")); v != 2 {
		t.Errorf("granted = %v, want 2", v)
	}
	if v := counterValue(t, m.grantsTotal.WithLabelValues("failed")); v != 1 {
		t.Errorf("failed = %v, want 1", v)
	}
	body := scrape(t, m)
	if !strings.Contains(body, `signup_grant_duration_seconds_count{outcome="granted"} 2`) {
		t.Errorf("grant duration histogram not recorded:\n%s", body)
	}
}

func TestSideEffectCounters(t *testing.T) {
	m := New()
	m.IncInvalidation("ok")
	m.IncInvalidation("skipped")
	m.IncAlert("error")
	m.IncAuditRecord("ok")

	if v := counterValue(t, m.invalidationsTotal.WithLabelValues("skipped")); v != 1 {
		t.Errorf("skipped invalidations = %v", v)
	}
	if v := counterValue(t, m.alertsTotal.WithLabelValues("error")); v != 1 {
		t.Errorf("alert errors = %v", v)
	}
	if v := counterValue(t, m.auditRecordsTotal.WithLabelValues("ok")); v != 1 {
		t.Errorf("audit ok = %v", v)
	}
}

func TestSetBuildInfoFromVersion(t *testing.T) {
	m := New()
	m.SetBuildInfoFromVersion("signup-provisioner", "server", version.Info{
		Version: "1.2.3", Commit: "abc", BuildId: "b1", GoVersion: "go1.24",
	})
	body := scrape(t, m)
	if !strings.Contains(body, `app="signup-provisioner"`) || !strings.Contains(body, `version="1.2.3"`) {
		t.Errorf("build_info labels missing:\n%s", body)
	}
}

func TestHandler_ServesOpenMetrics(t *testing.T) {
	m := New()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	req.Header.Set("Accept", "application/openmetrics-text; version=1.0.0")
	m.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "openmetrics") {
		t.Errorf("content type = %q, want openmetrics", ct)
	}
}
