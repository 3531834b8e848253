package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/symcheck/symcheck/internal/config"
	"github.com/symcheck/symcheck/internal/platform/auth"
	"github.com/symcheck/symcheck/internal/platform/webhook"
)

func testConfig(t *testing.T, upstream string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Port:              "0",
		Env:               "development",
		DatabaseDriver:    config.DriverSQLite,
		SQLitePath:        filepath.Join(dir, "symcheck.db"),
		AuditLogPath:      filepath.Join(dir, "audit.log"),
		PHIKey:            strings.Repeat("ab", 32),
		AuthMode:          config.AuthModeDevelopment,
		DiagnosticURL:     upstream,
		DiagnosticTimeout: 2 * time.Second,
		AutoTrigger:       false,
		Workers:           1,
		QueueSize:         4,
		CORSOrigins:       []string{"http://localhost:3000"},
		RequestTimeout:    10 * time.Second,
		AccessPolicy:      config.AccessPolicyOpen,
		RateLimitRPS:      100,
		RateLimitBurst:    100,
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.shutdown(ctx)
	})
	return a
}

func serve(a *app, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, req)
	return rec
}

func TestApp_SubmitAndDiagnose(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"answer":"Likely common cold","confidence":0.6}`))
	}))
	defer upstream.Close()

	cfg := testConfig(t, upstream.URL)
	a := newTestApp(t, cfg)

	rec := serve(a, http.MethodPost, "/api/v1/symptoms?wait=true", `{"symptoms":["runny nose"],"comments":"two days"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var entry struct {
		ID             string `json:"id"`
		AnalysisStatus string `json:"analysis_status"`
		Diagnosis      *struct {
			DiagnosisText   string  `json:"diagnosis_text"`
			ConfidenceScore *string `json:"confidence_score"`
		} `json:"diagnosis"`
	}
	json.Unmarshal(rec.Body.Bytes(), &entry)
	if entry.AnalysisStatus != "DIAGNOSED" || entry.Diagnosis == nil || entry.Diagnosis.DiagnosisText != "Likely common cold" {
		t.Fatalf("unexpected entry: %s", rec.Body.String())
	}

	rec = serve(a, http.MethodGet, "/api/v1/audit?resource_id="+entry.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from audit search, got %d: %s", rec.Code, rec.Body.String())
	}

	raw, err := os.ReadFile(cfg.AuditLogPath)
	if err != nil {
		t.Fatalf("read audit stream: %v", err)
	}
	if bytes.Contains(raw, []byte("runny nose")) || bytes.Contains(raw, []byte("two days")) {
		t.Error("audit stream contains PHI")
	}

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	if err := verifyAuditFile(cmd, cfg.AuditLogPath); err != nil {
		t.Fatalf("verifyAuditFile() error: %v", err)
	}
	if !strings.Contains(out.String(), "chain intact") {
		t.Errorf("unexpected verify output %q", out.String())
	}
}

func TestApp_UpstreamDownReturnsAccepted(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	a := newTestApp(t, testConfig(t, upstream.URL))

	rec := serve(a, http.MethodPost, "/api/v1/symptoms", `{"symptoms":["cough"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var entry struct {
		ID string `json:"id"`
	}
	json.Unmarshal(rec.Body.Bytes(), &entry)

	rec = serve(a, http.MethodPost, "/api/v1/symptoms/"+entry.ID+"/diagnosis", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = serve(a, http.MethodGet, "/api/v1/symptoms/"+entry.ID+"/diagnosis/status", "")
	if !strings.Contains(rec.Body.String(), `"upstream_status_502"`) {
		t.Errorf("expected failure category in status, got %s", rec.Body.String())
	}
}

func TestApp_CompletionWebhook(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"answer":"Seasonal allergies"}`))
	}))
	defer upstream.Close()

	events := make(chan webhook.Event, 4)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !webhook.VerifySignature(body, "hook-secret", r.Header.Get(webhook.HeaderSignature)) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var ev webhook.Event
		json.Unmarshal(body, &ev)
		events <- ev
	}))
	defer hook.Close()

	cfg := testConfig(t, upstream.URL)
	cfg.WebhookURL = hook.URL
	cfg.WebhookSecret = "hook-secret"
	a := newTestApp(t, cfg)

	rec := serve(a, http.MethodPost, "/api/v1/symptoms?wait=true", `{"symptoms":["itchy eyes"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdown(ctx); err != nil {
		t.Fatalf("shutdown() error: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Type != webhook.EventDiagnosed || ev.DiagnosisID == "" {
			t.Errorf("unexpected event %+v", ev)
		}
	default:
		t.Fatal("expected a completion webhook before shutdown returned")
	}
}

func TestApp_InfrastructureEndpoints(t *testing.T) {
	a := newTestApp(t, testConfig(t, "http://127.0.0.1:1"))

	for _, path := range []string{"/health", "/health/db", "/metrics"} {
		rec := serve(a, http.MethodGet, path, "")
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s: expected 200, got %d", path, rec.Code)
		}
	}

	rec := serve(a, http.MethodGet, "/health", "")
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers on responses")
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id")
	}
}

func TestApp_JWTMode(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Env = "staging"
	cfg.AuthMode = config.AuthModeJWT
	cfg.AuthSigningKey = "test-signing-key"
	a := newTestApp(t, cfg)

	rec := serve(a, http.MethodGet, "/api/v1/symptoms", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}
	if rec := serve(a, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health must not require auth, got %d", rec.Code)
	}

	call := func(roles []string, path string) int {
		token, err := auth.IssueToken(jwtConfig(cfg), "user-1", roles, time.Minute)
		if err != nil {
			t.Fatalf("IssueToken() error: %v", err)
		}
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		a.echo.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := call([]string{auth.RoleUser}, "/api/v1/symptoms"); code != http.StatusOK {
		t.Errorf("expected 200 for a user listing entries, got %d", code)
	}
	if code := call([]string{auth.RoleUser}, "/api/v1/audit"); code != http.StatusForbidden {
		t.Errorf("expected 403 for a user on audit search, got %d", code)
	}
	if code := call([]string{auth.RoleAuditor}, "/api/v1/audit"); code != http.StatusOK {
		t.Errorf("expected 200 for an auditor, got %d", code)
	}
}

func TestApp_RateLimitsDiagnosisRoutes(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.RateLimitRPS = 0.001
	cfg.RateLimitBurst = 1
	a := newTestApp(t, cfg)

	first := serve(a, http.MethodPost, "/api/v1/symptoms", `{"symptoms":["a"]}`)
	second := serve(a, http.MethodPost, "/api/v1/symptoms", `{"symptoms":["b"]}`)
	if first.Code != http.StatusCreated || second.Code != http.StatusTooManyRequests {
		t.Errorf("expected 201 then 429, got %d then %d", first.Code, second.Code)
	}
	if rec := serve(a, http.MethodGet, "/api/v1/symptoms", ""); rec.Code != http.StatusOK {
		t.Errorf("listing must not be rate limited, got %d", rec.Code)
	}
}

func TestApp_RateLimitsManualAttach(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.RateLimitRPS = 0.001
	cfg.RateLimitBurst = 1
	a := newTestApp(t, cfg)

	body := `{"symptom_entry_id":"missing","diagnosis_text":"Flu"}`
	first := serve(a, http.MethodPost, "/api/v1/diagnoses", body)
	second := serve(a, http.MethodPost, "/api/v1/diagnoses", body)
	if first.Code != http.StatusNotFound || second.Code != http.StatusTooManyRequests {
		t.Errorf("expected 404 then 429, got %d then %d", first.Code, second.Code)
	}
}

func TestKeygenCmd(t *testing.T) {
	var out bytes.Buffer
	cmd := keygenCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(nil)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("keygen error: %v", err)
	}
	if key := strings.TrimSpace(out.String()); len(key) != 64 {
		t.Errorf("expected a 64-hex key, got %q", key)
	}
}
