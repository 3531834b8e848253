package db

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestSQLite(t *testing.T) *Migrator {
	t.Helper()
	ctx := context.Background()
	sqlDB, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	m, err := NewMigrator(sqlDB, DialectSQLite)
	if err != nil {
		t.Fatalf("NewMigrator() error: %v", err)
	}
	return m
}

func TestMigrator_UpAppliesEmbeddedMigrations(t *testing.T) {
	m := openTestSQLite(t)
	ctx := context.Background()

	n, err := m.Up(ctx)
	if err != nil {
		t.Fatalf("Up() error: %v", err)
	}
	if n < 1 {
		t.Fatalf("expected at least 1 migration applied, got %d", n)
	}

	again, err := m.Up(ctx)
	if err != nil {
		t.Fatalf("second Up() error: %v", err)
	}
	if again != 0 {
		t.Errorf("expected no pending migrations on second run, got %d", again)
	}
}

func TestMigrator_Status(t *testing.T) {
	m := openTestSQLite(t)
	ctx := context.Background()

	before, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if len(before) == 0 {
		t.Fatal("expected embedded migrations to be listed")
	}
	for _, s := range before {
		if s.Applied {
			t.Errorf("migration %d should be pending before Up", s.Version)
		}
	}

	if _, err := m.Up(ctx); err != nil {
		t.Fatalf("Up() error: %v", err)
	}

	after, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	for _, s := range after {
		if !s.Applied || s.AppliedAt == nil {
			t.Errorf("migration %d (%s) should be applied", s.Version, s.Name)
		}
		if !strings.HasSuffix(s.Name, ".sql") {
			t.Errorf("expected .sql name, got %q", s.Name)
		}
	}
}

func TestNewMigrator_UnknownDialect(t *testing.T) {
	if _, err := NewMigrator(nil, Dialect("mysql")); err == nil {
		t.Fatal("expected error for unsupported dialect")
	}
}

func TestAuditLogs_AppendOnly(t *testing.T) {
	ctx := context.Background()
	sqlDB, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	defer sqlDB.Close()

	m, err := NewMigrator(sqlDB, DialectSQLite)
	if err != nil {
		t.Fatalf("NewMigrator() error: %v", err)
	}
	if _, err := m.Up(ctx); err != nil {
		t.Fatalf("Up() error: %v", err)
	}

	_, err = sqlDB.ExecContext(ctx, `INSERT INTO audit_logs (id, occurred_at, actor, action, resource_type, resource_id, outcome)
		VALUES ('a1', ?, 'anonymous', 'READ', 'SymptomEntry', 'x', 'SUCCESS')`, FormatTime(time.Now()))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := sqlDB.ExecContext(ctx, `UPDATE audit_logs SET outcome = 'FAILURE' WHERE id = 'a1'`); err == nil {
		t.Error("expected UPDATE on audit_logs to be rejected")
	}
	if _, err := sqlDB.ExecContext(ctx, `DELETE FROM audit_logs WHERE id = 'a1'`); err == nil {
		t.Error("expected DELETE on audit_logs to be rejected")
	}

	var n int
	if err := sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 audit row, got %d", n)
	}
}

func TestFormatTime_SortsChronologically(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 5, 0, time.UTC)
	earlier := FormatTime(base)
	later := FormatTime(base.Add(100 * time.Millisecond))
	if !(earlier < later) {
		t.Errorf("expected %q < %q", earlier, later)
	}

	parsed, err := ParseTime(later)
	if err != nil {
		t.Fatalf("ParseTime() error: %v", err)
	}
	if !parsed.Equal(base.Add(100 * time.Millisecond)) {
		t.Errorf("round trip mismatch: %v", parsed)
	}
}
