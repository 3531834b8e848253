package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/symcheck/symcheck/internal/platform/middleware"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte, method jwt.SigningMethod) string {
	t.Helper()
	tokenStr, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			Issuer:    "symcheck",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Roles: []string{RoleUser},
	}
}

func runJWT(t *testing.T, cfg JWTConfig, header string) (string, []string, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	c := e.NewContext(req, httptest.NewRecorder())

	var (
		uid   string
		roles []string
	)
	err := JWTMiddleware(cfg)(func(c echo.Context) error {
		uid = UserIDFromContext(c.Request().Context())
		roles = RolesFromContext(c.Request().Context())
		return c.String(http.StatusOK, "ok")
	})(c)
	return uid, roles, err
}

func expectUnauthorized(t *testing.T, err error) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, _, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "")
	expectUnauthorized(t, err)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, tt.header)
			expectUnauthorized(t, err)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	tokenStr := createTestToken(t, validClaims(), testSigningKey, jwt.SigningMethodHS256)

	uid, roles, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "Bearer "+tokenStr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uid != "user-123" {
		t.Errorf("expected user-123, got %q", uid)
	}
	if len(roles) != 1 || roles[0] != RoleUser {
		t.Errorf("unexpected roles: %v", roles)
	}
}

func TestJWTMiddleware_Rejects(t *testing.T) {
	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	noExp := validClaims()
	noExp.ExpiresAt = nil

	noSubject := validClaims()
	noSubject.Subject = ""

	wrongIssuer := validClaims()
	wrongIssuer.Issuer = "someone-else"

	tests := []struct {
		name  string
		token string
	}{
		{"expired", createTestToken(t, expired, testSigningKey, jwt.SigningMethodHS256)},
		{"no expiry", createTestToken(t, noExp, testSigningKey, jwt.SigningMethodHS256)},
		{"no subject", createTestToken(t, noSubject, testSigningKey, jwt.SigningMethodHS256)},
		{"wrong key", createTestToken(t, validClaims(), []byte("another-key"), jwt.SigningMethodHS256)},
		{"wrong algorithm", createTestToken(t, validClaims(), testSigningKey, jwt.SigningMethodHS512)},
		{"wrong issuer", createTestToken(t, wrongIssuer, testSigningKey, jwt.SigningMethodHS256)},
		{"garbage", "not.a.jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runJWT(t, JWTConfig{SigningKey: testSigningKey, Issuer: "symcheck"}, "Bearer "+tt.token)
			expectUnauthorized(t, err)
		})
	}
}

func TestJWTMiddleware_Skipper(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), httptest.NewRecorder())
	c.SetPath("/health")

	cfg := JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper}
	err := JWTMiddleware(cfg)(func(c echo.Context) error { return nil })(c)
	if err != nil {
		t.Errorf("expected skipped path to pass without a token, got %v", err)
	}
}

func TestIssueToken_RoundTrip(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey, Issuer: "symcheck", Audience: "symcheck-api"}
	tokenStr, err := IssueToken(cfg, "user-9", []string{RoleAuditor}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error: %v", err)
	}

	uid, roles, err := runJWT(t, cfg, "Bearer "+tokenStr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uid != "user-9" || len(roles) != 1 || roles[0] != RoleAuditor {
		t.Errorf("unexpected identity: %q %v", uid, roles)
	}

	if _, err := IssueToken(JWTConfig{}, "user-9", nil, time.Hour); err == nil {
		t.Error("expected error without signing key")
	}
}

func TestDevAuthMiddleware(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	err := DevAuthMiddleware()(func(c echo.Context) error {
		if uid := UserIDFromContext(c.Request().Context()); uid != DevUserID {
			t.Errorf("expected %s, got %q", DevUserID, uid)
		}
		if !HasRole(RolesFromContext(c.Request().Context()), RoleAuditor) {
			t.Error("dev user should pass role checks")
		}
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestActorFromContext(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("User-Agent", "test-agent")
	req.Header.Set(middleware.RequestIDHeader, "req-42")
	req.RemoteAddr = "192.0.2.10:5555"
	c := e.NewContext(req, httptest.NewRecorder())

	chain := middleware.RequestID()(DevAuthMiddleware()(func(c echo.Context) error {
		actor := ActorFromContext(c)
		if actor.ID != DevUserID || actor.RequestID != "req-42" || actor.UserAgent != "test-agent" || actor.IP != "192.0.2.10" {
			t.Errorf("unexpected actor: %+v", actor)
		}
		return nil
	}))
	if err := chain(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestActorFromContext_Anonymous(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if name := ActorFromContext(c).Name(); name != "anonymous" {
		t.Errorf("expected anonymous, got %q", name)
	}
}
