package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounters(t *testing.T) {
	m := New()
	m.EndingObserved("classified")
	m.EndingObserved("classified")
	m.EndingObserved("empty")
	m.ScoreFailureObserved()
	m.ClassifierObserved(2*time.Second, errors.New("boom"))

	if got := testutil.ToFloat64(m.Endings.WithLabelValues("classified")); got != 2 {
		t.Fatalf("expected 2 classified endings, got %v", got)
	}
	if got := testutil.ToFloat64(m.ScoreFailures); got != 1 {
		t.Fatalf("expected 1 score failure, got %v", got)
	}
	if got := testutil.CollectAndCount(m.ClassifierCalls); got != 1 {
		t.Fatalf("expected one classifier series, got %d", got)
	}
}

func TestMiddlewareLabelsByRouteTemplate(t *testing.T) {
	m := New()
	router := mux.NewRouter()
	router.Use(m.Middleware)
	router.HandleFunc("/api/questions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/questions/abc", nil))

	if got := testutil.ToFloat64(m.RequestCounter.WithLabelValues("/api/questions/{id}", "GET", "404")); got != 1 {
		t.Fatalf("expected request counted under route template, got %v", got)
	}

	out := httptest.NewRecorder()
	m.Handler().ServeHTTP(out, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(out.Body.String(), "nadfeud_http_requests_total") {
		t.Fatalf("expected exposition to include request counter")
	}
}
