package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"/drawings/upload":               "/drawings/upload",
		"/drawings/abc":                  "/drawings/{id}",
		"/drawings/abc/symbols/s1":       "/drawings/{id}/symbols/{item_id}",
		"/drawings/abc/tokens/t1/assign": "/drawings/{id}/tokens/{item_id}/assign",
		"/exports/jobs/j1/download":      "/exports/jobs/{job_id}/download",
		"/processing/jobs/j2":            "/processing/jobs/{job_id}",
		"/healthz":                       "/healthz",
	}
	for in, want := range cases {
		if got := normalizePath(in); got != want {
			t.Fatalf("normalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	m := NewHTTPServerMetrics("api")
	mux := http.NewServeMux()
	mux.HandleFunc("GET /drawings/{id}/symbols", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	handler := m.Middleware("api", mux)

	for _, id := range []string{"d-1", "d-2"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/drawings/"+id+"/symbols", nil))
	}

	got := testutil.ToFloat64(m.requestTotal.WithLabelValues("api", http.MethodGet, "/drawings/{id}/symbols", "418"))
	if got != 2 {
		t.Fatalf("expected both requests under one route label, got %v", got)
	}
}
