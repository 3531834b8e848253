package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestAuthSkipper(t *testing.T) {
	tests := map[string]bool{
		"/health":                 true,
		"/health/db":              true,
		"/metrics":                true,
		"/api/v1/symptoms":        false,
		"/api/v1/symptoms/:id":    false,
		"/api/v1/audit":           false,
		"/health/../api/v1/audit": false,
	}
	for path, want := range tests {
		t.Run(path, func(t *testing.T) {
			e := echo.New()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
			c.SetPath(path)

			if got := AuthSkipper(c); got != want {
				t.Errorf("AuthSkipper(%s) = %v, want %v", path, got, want)
			}
			if IsPublicPath(path) != want {
				t.Errorf("IsPublicPath(%s) mismatch", path)
			}
		})
	}
}
