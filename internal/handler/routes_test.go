package handler

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"vhost-proxy/internal/config"
	"vhost-proxy/internal/metrics"
)

func TestRegisterRoutes_ForwardsEveryPath(t *testing.T) {
	upstream := newEchoUpstream(t)
	var logs syncBuffer
	e := newProxy(t, testConfig(t, upstream.Listener.Addr().String()), &logs)

	tests := []struct {
		name   string
		method string
		path   string
	}{
		{"root", http.MethodGet, "/"},
		{"nested", http.MethodGet, "/a/b/c"},
		{"healthz is proxied", http.MethodGet, "/healthz"},
		{"delete", http.MethodDelete, "/items/1"},
		{"options", http.MethodOptions, "/api"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, http.NoBody))

			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			if !strings.Contains(rec.Body.String(), `"uri":"`+tt.path+`"`) {
				t.Errorf("body = %s, want upstream to see %s", rec.Body, tt.path)
			}
		})
	}
}

func TestRegisterAdminRoutes(t *testing.T) {
	cfg := &config.Config{Metrics: config.MetricsConfig{Enabled: true, Path: "/custom-metrics"}}
	m := metrics.New()
	m.RequestsTotal.WithLabelValues("GET", "200").Inc()

	e := echo.New()
	RegisterAdminRoutes(e, cfg, NewHealthHandler(cfg, "test"), m)

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantBody   string
	}{
		{"healthz", "/healthz", http.StatusOK, `"status":"ok"`},
		{"status", "/proxy/status", http.StatusOK, `"version":"test"`},
		{"metrics", "/custom-metrics", http.StatusOK, "vhost_proxy_http_requests_total"},
		{"unknown", "/metrics", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, http.NoBody))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			body, _ := io.ReadAll(rec.Body)
			if !strings.Contains(string(body), tt.wantBody) {
				t.Errorf("body = %q, want it to contain %q", body, tt.wantBody)
			}
		})
	}
}
