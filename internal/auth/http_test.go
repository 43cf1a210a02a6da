package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCredentialEndpointsRejectBadRequests(t *testing.T) {
	h := NewHandlers(nil, nil, nil)

	endpoints := map[string]http.HandlerFunc{
		"/register": h.Register,
		"/login":    h.Login,
	}

	for path, handler := range endpoints {
		t.Run(path+" GET", func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler(rec, httptest.NewRequest(http.MethodGet, path, nil))
			if rec.Code != http.StatusMethodNotAllowed {
				t.Errorf("status = %d, want 405", rec.Code)
			}
		})

		t.Run(path+" empty body", func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader("")))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})

		t.Run(path+" missing fields", func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"name":"alice"}`)))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}
