package monitoring

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestCheckHealthAggregation(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: StatusHealthy} })

	status := hc.CheckHealth()
	if status.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s", status.Status)
	}

	hc.AddCheck("slow", func() CheckResult { return CheckResult{Status: StatusDegraded} })
	if status := hc.CheckHealth(); status.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", status.Status)
	}

	hc.AddCheck("broken", func() CheckResult { return CheckResult{Status: StatusUnhealthy} })
	status = hc.CheckHealth()
	if status.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", status.Status)
	}
	if len(status.Checks) != 3 {
		t.Fatalf("expected 3 check results, got %d", len(status.Checks))
	}
}

func TestBinaryHealthCheck(t *testing.T) {
	// Any Unix system running the tests has sh on PATH.
	result := BinaryHealthCheck("shell", "sh")()
	if result.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s (%s)", result.Status, result.Message)
	}

	// A missing transcoder binary degrades, never fails, the service.
	result = BinaryHealthCheck("transcoder", "definitely-not-installed-binary")()
	if result.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", result.Status)
	}
}

func TestDirectoryWritableHealthCheck(t *testing.T) {
	dir := t.TempDir()
	result := DirectoryWritableHealthCheck(dir)()
	if result.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s (%s)", result.Status, result.Message)
	}

	if entries, err := os.ReadDir(dir); err != nil || len(entries) != 0 {
		t.Fatalf("probe file must be cleaned up, entries=%v err=%v", entries, err)
	}

	result = DirectoryWritableHealthCheck(filepath.Join(dir, "missing"))()
	if result.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy for missing directory, got %s", result.Status)
	}
}

func TestHTTPServiceHealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	result := HTTPServiceHealthCheck("media delivery", server.URL)()
	if result.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s (%s)", result.Status, result.Message)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	result = HTTPServiceHealthCheck("media delivery", failing.URL)()
	if result.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy for 500, got %s", result.Status)
	}

	server.Close()
	result = HTTPServiceHealthCheck("media delivery", server.URL)()
	if result.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy for unreachable service, got %s", result.Status)
	}
}

func TestConfigurationHealthCheck(t *testing.T) {
	result := ConfigurationHealthCheck(map[string]string{
		"STREAM_APP": "live",
		"STREAM_KEY": "stream",
	})()
	if result.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s", result.Status)
	}

	result = ConfigurationHealthCheck(map[string]string{
		"STREAM_APP": "live",
		"STREAM_KEY": "",
	})()
	if result.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy for missing config, got %s", result.Status)
	}
}
