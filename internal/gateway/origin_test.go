package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/observer-core/internal/gateway"
)

func TestOriginAllowlist_AbsentOriginAccepted(t *testing.T) {
	mw := gateway.NewOriginAllowlistMiddleware([]string{"https://dash.example.com"})
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := mw(inner)

	req := httptest.NewRequest("GET", "/observer/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for absent origin, got %d", rec.Code)
	}
}

func TestOriginAllowlist_AllowedOrigin(t *testing.T) {
	mw := gateway.NewOriginAllowlistMiddleware([]string{"https://dash.example.com"})
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := mw(inner)

	req := httptest.NewRequest("GET", "/observer/status", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for allowed origin, got %d", rec.Code)
	}
}

func TestOriginAllowlist_DisallowedOrigin(t *testing.T) {
	mw := gateway.NewOriginAllowlistMiddleware([]string{"https://dash.example.com"})
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run for disallowed origin")
	})
	handler := mw(inner)

	req := httptest.NewRequest("GET", "/observer/status", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for disallowed origin, got %d", rec.Code)
	}
}

func TestOriginAllowlist_CaseInsensitive(t *testing.T) {
	mw := gateway.NewOriginAllowlistMiddleware([]string{"HTTPS://Dash.Example.com"})
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := mw(inner)

	req := httptest.NewRequest("GET", "/observer/status", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for case-insensitive match, got %d", rec.Code)
	}
}

func TestOriginAllowlist_ReloadSwapsAllowedSet(t *testing.T) {
	oa := gateway.NewOriginAllowlist([]string{"https://old.example.com"})
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := oa.Wrap(inner)

	oa.Reload([]string{"https://new.example.com"})

	req := httptest.NewRequest("GET", "/observer/status", nil)
	req.Header.Set("Origin", "https://old.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected old origin rejected after reload, got %d", rec.Code)
	}

	req2 := httptest.NewRequest("GET", "/observer/status", nil)
	req2.Header.Set("Origin", "https://new.example.com")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected new origin accepted after reload, got %d", rec2.Code)
	}
}
