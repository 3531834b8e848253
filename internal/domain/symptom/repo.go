package symptom

import (
	"context"
	"time"
)

// Repository persists entries, diagnoses and users. PHI columns arrive
// already encoded; implementations never see clear text. Lookups of missing
// rows return ErrNotFound.
type Repository interface {
	InsertEntry(ctx context.Context, e *EntryRecord) error
	GetEntry(ctx context.Context, id string) (*EntryRecord, error)
	DeleteEntry(ctx context.Context, id string) error
	SetStatus(ctx context.Context, id string, status AnalysisStatus, reason string, at time.Time) error
	ListEntries(ctx context.Context, userID string, limit, offset int) ([]*EntrySummary, int, error)

	// GetDiagnosis returns the diagnosis attached to entryID.
	GetDiagnosis(ctx context.Context, entryID string) (*DiagnosisRecord, error)
	// UpsertDiagnosis stores d as the only diagnosis of its entry in one
	// transaction and returns the row it replaced, if any.
	UpsertDiagnosis(ctx context.Context, d *DiagnosisRecord) (*DiagnosisRecord, error)
	DeleteDiagnosis(ctx context.Context, id string) error

	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
}

const entryCols = `id, user_id, symptoms, comments, analysis_status, analysis_error, created_at, updated_at`

const diagnosisCols = `id, symptom_entry_id, diagnosis_text, confidence_score, possible_conditions,
	recommendations, created_at`

const userCols = `id, email, display_name, created_at`
