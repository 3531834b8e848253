package symptom

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/symcheck/symcheck/internal/platform/db/pgtest"
)

func TestMain(m *testing.M) {
	os.Exit(pgtest.Run(m))
}

func TestSQLiteRepo(t *testing.T) {
	testRepository(t, newFixture(t).repo)
}

func TestPGRepo(t *testing.T) {
	testRepository(t, NewPGRepo(pgtest.New(t)))
}

func TestPGStore_CiphertextAtRest(t *testing.T) {
	pool := pgtest.New(t)
	audit := &memoryRecorder{}
	store := NewStore(NewPGRepo(pool), testCodec(t), audit, zerolog.Nop())
	ctx := context.Background()

	entry, err := store.Create(ctx, CreateInput{Symptoms: []string{"chest pain"}}, alice)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	var symptoms, comments string
	if err := pool.QueryRow(ctx, `SELECT symptoms, comments FROM symptom_entries WHERE id = $1`, entry.ID).Scan(&symptoms, &comments); err != nil {
		t.Fatalf("select: %v", err)
	}
	if strings.Contains(symptoms, "chest") || !strings.HasPrefix(symptoms, "phi:v1:") {
		t.Errorf("expected ciphertext at rest, got %q", symptoms)
	}
	if comments != "phi:absent" {
		t.Errorf("expected absent marker, got %q", comments)
	}

	got, err := store.Read(ctx, entry.ID, alice)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if got.Symptoms[0] != "chest pain" {
		t.Errorf("unexpected symptoms %v", got.Symptoms)
	}
}

// testRepository runs the Repository contract against repo.
func testRepository(t *testing.T, repo Repository) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	if err := repo.CreateUser(ctx, &User{ID: "u1", Email: "pat@example.com", DisplayName: "Pat", CreatedAt: now}); err != nil {
		t.Fatalf("CreateUser() error: %v", err)
	}
	err := repo.CreateUser(ctx, &User{ID: "u2", Email: "pat@example.com", CreatedAt: now})
	if !errors.Is(err, ErrDuplicateUser) {
		t.Errorf("expected ErrDuplicateUser, got %v", err)
	}
	u, err := repo.GetUserByEmail(ctx, "pat@example.com")
	if err != nil || u.ID != "u1" || u.DisplayName != "Pat" {
		t.Fatalf("GetUserByEmail() = %+v, %v", u, err)
	}
	if _, err := repo.GetUser(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown user, got %v", err)
	}

	owner := "u1"
	for i, id := range []string{"e1", "e2", "e3"} {
		rec := &EntryRecord{
			ID:             id,
			Symptoms:       "phi:v1:opaque-" + id,
			Comments:       "phi:absent",
			AnalysisStatus: StatusSubmitted,
			CreatedAt:      now.Add(time.Duration(i) * time.Second),
			UpdatedAt:      now.Add(time.Duration(i) * time.Second),
		}
		if id != "e3" {
			rec.UserID = &owner
		}
		if err := repo.InsertEntry(ctx, rec); err != nil {
			t.Fatalf("InsertEntry(%s) error: %v", id, err)
		}
	}

	got, err := repo.GetEntry(ctx, "e1")
	if err != nil {
		t.Fatalf("GetEntry() error: %v", err)
	}
	if got.Symptoms != "phi:v1:opaque-e1" || got.UserID == nil || *got.UserID != "u1" || !got.CreatedAt.Equal(now) {
		t.Errorf("unexpected entry %+v", got)
	}
	if _, err := repo.GetEntry(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	later := now.Add(time.Minute)
	if err := repo.SetStatus(ctx, "e1", StatusFailed, "upstream_timeout", later); err != nil {
		t.Fatalf("SetStatus() error: %v", err)
	}
	got, _ = repo.GetEntry(ctx, "e1")
	if got.AnalysisStatus != StatusFailed || got.AnalysisError != "upstream_timeout" || !got.UpdatedAt.Equal(later) {
		t.Errorf("status not stored: %+v", got)
	}
	if err := repo.SetStatus(ctx, "missing", StatusFailed, "", later); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound from SetStatus, got %v", err)
	}

	conf, conds := "high", `["flu"]`
	first := &DiagnosisRecord{ID: "d1", SymptomEntryID: "e1", DiagnosisText: "phi:v1:x", ConfidenceScore: &conf,
		PossibleConditions: &conds, Recommendations: "phi:absent", CreatedAt: now}
	prev, err := repo.UpsertDiagnosis(ctx, first)
	if err != nil || prev != nil {
		t.Fatalf("first UpsertDiagnosis() = %+v, %v", prev, err)
	}
	second := &DiagnosisRecord{ID: "d2", SymptomEntryID: "e1", DiagnosisText: "phi:v1:y", Recommendations: "phi:absent", CreatedAt: later}
	prev, err = repo.UpsertDiagnosis(ctx, second)
	if err != nil {
		t.Fatalf("second UpsertDiagnosis() error: %v", err)
	}
	if prev == nil || prev.ID != "d1" || prev.ConfidenceScore == nil || *prev.ConfidenceScore != "high" {
		t.Errorf("expected d1 returned as replaced, got %+v", prev)
	}
	d, err := repo.GetDiagnosis(ctx, "e1")
	if err != nil || d.ID != "d2" || d.ConfidenceScore != nil || d.PossibleConditions != nil {
		t.Errorf("GetDiagnosis() = %+v, %v", d, err)
	}

	list, total, err := repo.ListEntries(ctx, "u1", 10, 0)
	if err != nil {
		t.Fatalf("ListEntries() error: %v", err)
	}
	if total != 2 || len(list) != 2 || list[0].ID != "e2" || list[1].ID != "e1" || !list[1].HasDiagnosis || list[0].HasDiagnosis {
		t.Errorf("unexpected owner listing total=%d %+v", total, list)
	}
	page, total, _ := repo.ListEntries(ctx, "", 1, 1)
	if total != 3 || len(page) != 1 || page[0].ID != "e2" {
		t.Errorf("unexpected page total=%d %+v", total, page)
	}

	if err := repo.DeleteDiagnosis(ctx, "d2"); err != nil {
		t.Fatalf("DeleteDiagnosis() error: %v", err)
	}
	if _, err := repo.GetDiagnosis(ctx, "e1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected diagnosis gone, got %v", err)
	}
	if err := repo.DeleteEntry(ctx, "e2"); err != nil {
		t.Fatalf("DeleteEntry() error: %v", err)
	}
	if err := repo.DeleteEntry(ctx, "e2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
}
