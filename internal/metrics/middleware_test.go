package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func serveThrough(t *testing.T, m *ServerMetrics, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	m.Middleware(h).ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_CountsByMethodRouteStatus(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Post("/v1/signup", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"outcome":"granted"}`))
	})

	serveThrough(t, m, r, "POST", "/v1/signup")
	serveThrough(t, m, r, "POST", "/v1/signup")

	if v := counterValue(t, m.reqTotal.WithLabelValues("POST", "/v1/signup", "200")); v != 2 {
		t.Errorf("reqTotal = %v, want 2", v)
	}
}

func TestMiddleware_RoutePatternLabel(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Get("/v1/grants/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	serveThrough(t, m, r, "GET", "/v1/grants/abc-123")

	// the chi pattern keeps cardinality bounded, not the raw path
	if v := counterValue(t, m.reqTotal.WithLabelValues("GET", "/v1/grants/{id}", "200")); v != 1 {
		t.Errorf("pattern-labelled count = %v, want 1", v)
	}
	body := scrape(t, m)
	if strings.Contains(body, "abc-123") {
		t.Error("raw path leaked into metric labels")
	}
}

func TestMiddleware_DefaultStatus200(t *testing.T) {
	m := New()
	h := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		// no WriteHeader, no Write
	})

	serveThrough(t, m, h, "GET", "/quiet")

	if v := counterValue(t, m.reqTotal.WithLabelValues("GET", "/quiet", "200")); v != 1 {
		t.Errorf("silent handler count = %v, want 1", v)
	}
}

func TestMiddleware_ErrorStatusLabelled(t *testing.T) {
	m := New()
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	})

	serveThrough(t, m, h, "POST", "/v1/signup")

	if v := counterValue(t, m.reqTotal.WithLabelValues("POST", "/v1/signup", "502")); v != 1 {
		t.Errorf("502 count = %v, want 1", v)
	}
}

func TestMiddleware_ResponseSizeObserved(t *testing.T) {
	m := New()
	payload := strings.Repeat("x", 512)
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(payload))
	})

	serveThrough(t, m, h, "GET", "/big")

	body := scrape(t, m)
	if !strings.Contains(body, `http_response_size_bytes_count{method="GET",route="/big"} 1`) {
		t.Errorf("response size histogram not recorded:\n%s", body)
	}
}
