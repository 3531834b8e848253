package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func runWithRoles(roles []string, required ...string) error {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, roles))
	c := e.NewContext(req, httptest.NewRecorder())

	return RequireRole(required...)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})(c)
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name     string
		roles    []string
		required []string
		allowed  bool
	}{
		{"matching role", []string{RoleAuditor}, []string{RoleAdmin, RoleAuditor}, true},
		{"admin passes", []string{RoleAdmin}, []string{RoleAuditor}, true},
		{"wrong role", []string{RoleUser}, []string{RoleAuditor}, false},
		{"no roles", nil, []string{RoleAuditor}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runWithRoles(tt.roles, tt.required...)
			if tt.allowed && err != nil {
				t.Errorf("expected no error, got %v", err)
			}
			if !tt.allowed {
				httpErr, ok := err.(*echo.HTTPError)
				if !ok || httpErr.Code != http.StatusForbidden {
					t.Errorf("expected 403, got %v", err)
				}
			}
		})
	}
}

func TestHasRole(t *testing.T) {
	if HasRole(nil) {
		t.Error("no roles should not match")
	}
	if !HasRole([]string{RoleAdmin}) {
		t.Error("admin should match even with nothing required")
	}
}
