package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/drfirst/go-dosewatch/internal/app"
	"github.com/drfirst/go-dosewatch/internal/config"
)

func newTestRouter(t *testing.T, keys map[string]string) http.Handler {
	t.Helper()
	cfg := &config.Config{
		StoreDriver:          config.DriverMemory,
		GracePeriodMinutes:   60,
		ReminderHorizonHours: 24,
		ReconcileBatchSize:   500,
	}
	a, err := app.Build(context.Background(), cfg, prometheus.NewRegistry(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	return newRouter(a, keys, zaptest.NewLogger(t))
}

func TestRouterHealthAndAuth(t *testing.T) {
	r := newTestRouter(t, map[string]string{"k": "tester"})

	tests := []struct {
		name   string
		method string
		path   string
		key    string
		want   int
	}{
		{"health", http.MethodGet, "/health", "", http.StatusOK},
		{"ready", http.MethodGet, "/ready", "", http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", "", http.StatusOK},
		{"api without key", http.MethodGet, "/api/v1/doses/due", "", http.StatusUnauthorized},
		{"api with key", http.MethodGet, "/api/v1/doses/due", "k", http.StatusOK},
		{"unknown prescription", http.MethodGet, "/api/v1/prescriptions/none", "k", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRouterWithoutKeysIsOpen(t *testing.T) {
	r := newTestRouter(t, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/doses/due", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestMigratePrint(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"migrate", "--print"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out.String(), "CREATE TABLE IF NOT EXISTS dose_instances") {
		t.Errorf("schema output missing dose_instances table")
	}
}
