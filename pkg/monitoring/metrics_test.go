package monitoring

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestMetricsMiddlewareRecordsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mc := NewMetricsCollector("test-svc", "v1", "abc")

	router := gin.New()
	router.Use(mc.MetricsMiddleware())
	router.GET("/api/info", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/metrics", mc.Handler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/info", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()

	// Dashes in the service name must be sanitized for Prometheus.
	if !strings.Contains(body, `test_svc_http_requests_total{endpoint="/api/info",method="GET",status="200"} 1`) {
		t.Fatalf("request counter missing from exposition:\n%s", body)
	}
	if !strings.Contains(body, "test_svc_service_info") {
		t.Fatal("service info metric missing from exposition")
	}
}

func TestCustomCollectors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mc := NewMetricsCollector("svc", "v1", "abc")

	viewers := mc.NewGauge("viewer_sessions", "Connected viewer sessions", []string{"stream"})
	restarts := mc.NewCounter("transcode_restarts_total", "Automatic transcoder restarts", []string{"stream"})
	latency := mc.NewHistogram("signal_latency_seconds", "Signaling latency", []string{"action"}, nil)

	viewers.WithLabelValues("/live/stream").Set(3)
	restarts.WithLabelValues("/live/stream").Inc()
	latency.WithLabelValues("consume").Observe(0.01)

	router := gin.New()
	router.GET("/metrics", mc.Handler())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()

	for _, want := range []string{
		`svc_viewer_sessions{stream="/live/stream"} 3`,
		`svc_transcode_restarts_total{stream="/live/stream"} 1`,
		`svc_signal_latency_seconds_count{action="consume"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in exposition:\n%s", want, body)
		}
	}
}

func TestCollectorsAreIsolated(t *testing.T) {
	// Two collectors for the same service name must not collide; each
	// owns its registry.
	first := NewMetricsCollector("svc", "v1", "abc")
	second := NewMetricsCollector("svc", "v1", "abc")
	_ = first.NewGauge("jobs", "Supervised jobs", []string{"state"})
	_ = second.NewGauge("jobs", "Supervised jobs", []string{"state"})
}
