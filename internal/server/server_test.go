package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

func echoParams(names ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := make([]string, 0, len(names))
		for _, n := range names {
			parts = append(parts, chi.URLParam(r, n))
		}
		_, _ = w.Write([]byte(strings.Join(parts, "|")))
	})
}

func do(t *testing.T, h http.Handler, method, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	body, _ := io.ReadAll(rec.Result().Body)
	return rec.Code, string(body)
}

func TestRoutesReachHandlers(t *testing.T) {
	h := NewRouter(Config{
		GitHub:   echoParams("token"),
		Telegram: echoParams("botID", "token"),
		Logger:   zerolog.Nop(),
	})

	if code, body := do(t, h, http.MethodPost, "/wh/abc123"); code != http.StatusOK || body != "abc123" {
		t.Fatalf("github route: %d %q", code, body)
	}
	if code, body := do(t, h, http.MethodPost, "/tg/111/tok"); code != http.StatusOK || body != "111|tok" {
		t.Fatalf("telegram route: %d %q", code, body)
	}
	if code, _ := do(t, h, http.MethodGet, "/wh/abc123"); code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET on webhook route, got %d", code)
	}
	if code, _ := do(t, h, http.MethodPost, "/elsewhere"); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown path, got %d", code)
	}
}

func TestHealthReflectsChecks(t *testing.T) {
	var failing error
	h := NewRouter(Config{
		GitHub:   echoParams(),
		Telegram: echoParams(),
		Checks: map[string]HealthCheck{
			"db": func(context.Context) error { return failing },
		},
		Logger: zerolog.Nop(),
	})

	if code, body := do(t, h, http.MethodGet, "/healthz"); code != http.StatusOK || body != "ok" {
		t.Fatalf("healthy: %d %q", code, body)
	}
	failing = errors.New("down")
	if code, body := do(t, h, http.MethodGet, "/healthz"); code != http.StatusServiceUnavailable || body != "unavailable" {
		t.Fatalf("unhealthy: %d %q", code, body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := NewRouter(Config{GitHub: echoParams(), Telegram: echoParams(), MetricsPath: "/m", Logger: zerolog.Nop()})
	code, body := do(t, h, http.MethodGet, "/m")
	if code != http.StatusOK || !strings.Contains(body, "go_goroutines") {
		t.Fatalf("metrics: %d", code)
	}
}
