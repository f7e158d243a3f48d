package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-hr/internal/access"
	"github.com/odyssey-erp/odyssey-hr/internal/enforce"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	return rr.Body.String()
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	body := scrape(t, metrics)
	if !strings.Contains(body, "http_requests_total{code=\"418\",route=\"/test\"} 1") {
		t.Fatalf("expected metrics to record request, got: %s", body)
	}
	if !strings.Contains(body, "http_request_duration_seconds_bucket{route=\"/test\"") {
		t.Fatalf("expected duration histogram to be present, got: %s", body)
	}
}

func TestAuthzObservers(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveDecision("matrix", true)
	metrics.ObserveDecision("default", false)
	metrics.ObserveDecision("default", false)
	metrics.ObserveReload("error", 20*time.Millisecond)
	metrics.ObserveScan("policy", 2, nil, time.Millisecond)
	metrics.ObserveScan("rescan", 0, errors.New("boom"), time.Millisecond)
	metrics.Denied(context.Background(), access.ActingContext{}, enforce.Decision{Guard: "clock_in", Layer: "fallback"})

	body := scrape(t, metrics)
	for _, want := range []string{
		`odyssey_authz_decisions_total{layer="matrix",result="allow"} 1`,
		`odyssey_authz_decisions_total{layer="default",result="deny"} 2`,
		`odyssey_authz_snapshot_reloads_total{outcome="error"} 1`,
		`odyssey_authz_conflict_scans_total{outcome="error",trigger="rescan"} 1`,
		`odyssey_authz_conflicts_detected_total{trigger="policy"} 2`,
		`odyssey_authz_guard_denials_total{guard="clock_in",layer="fallback"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics, got: %s", want, body)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics
	metrics.ObserveDecision("matrix", true)
	metrics.ObserveReload("ok", time.Second)
	metrics.ObserveScan("policy", 1, nil, time.Second)
	metrics.Denied(context.Background(), access.ActingContext{}, enforce.Decision{})

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from nil metrics, got %d", rr.Code)
	}
}
