package symptom

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgRepo struct {
	pool *pgxpool.Pool
}

// NewPGRepo returns a Repository over a migrated Postgres database.
func NewPGRepo(pool *pgxpool.Pool) Repository {
	return &pgRepo{pool: pool}
}

func (r *pgRepo) InsertEntry(ctx context.Context, e *EntryRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO symptom_entries (`+entryCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.UserID, e.Symptoms, e.Comments, string(e.AnalysisStatus), e.AnalysisError, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert symptom entry: %w", err)
	}
	return nil
}

func (r *pgRepo) GetEntry(ctx context.Context, id string) (*EntryRecord, error) {
	var e EntryRecord
	var status string
	err := r.pool.QueryRow(ctx, `SELECT `+entryCols+` FROM symptom_entries WHERE id = $1`, id).
		Scan(&e.ID, &e.UserID, &e.Symptoms, &e.Comments, &status, &e.AnalysisError, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get symptom entry: %w", err)
	}
	e.AnalysisStatus = AnalysisStatus(status)
	return &e, nil
}

func (r *pgRepo) DeleteEntry(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM symptom_entries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete symptom entry: %w", err)
	}
	return requireTag(tag)
}

func (r *pgRepo) SetStatus(ctx context.Context, id string, status AnalysisStatus, reason string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE symptom_entries SET analysis_status = $1, analysis_error = $2, updated_at = $3
		WHERE id = $4`,
		string(status), reason, at, id,
	)
	if err != nil {
		return fmt.Errorf("set analysis status: %w", err)
	}
	return requireTag(tag)
}

func (r *pgRepo) ListEntries(ctx context.Context, userID string, limit, offset int) ([]*EntrySummary, int, error) {
	where, args := "", []any{}
	if userID != "" {
		where, args = " WHERE e.user_id = $1", append(args, userID)
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM symptom_entries e`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count symptom entries: %w", err)
	}

	n := len(args)
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT e.id, e.user_id, e.analysis_status, e.analysis_error, d.id IS NOT NULL, e.created_at, e.updated_at
		FROM symptom_entries e LEFT JOIN diagnoses d ON d.symptom_entry_id = e.id%s
		ORDER BY e.created_at DESC, e.id
		LIMIT $%d OFFSET $%d`, where, n+1, n+2),
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list symptom entries: %w", err)
	}
	defer rows.Close()

	var out []*EntrySummary
	for rows.Next() {
		var s EntrySummary
		var status string
		if err := rows.Scan(&s.ID, &s.UserID, &status, &s.AnalysisError, &s.HasDiagnosis, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan symptom entry: %w", err)
		}
		s.AnalysisStatus = AnalysisStatus(status)
		out = append(out, &s)
	}
	return out, total, rows.Err()
}

func (r *pgRepo) GetDiagnosis(ctx context.Context, entryID string) (*DiagnosisRecord, error) {
	return getPGDiagnosis(ctx, r.pool, entryID, "")
}

func (r *pgRepo) UpsertDiagnosis(ctx context.Context, d *DiagnosisRecord) (*DiagnosisRecord, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin diagnosis upsert: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	prev, err := getPGDiagnosis(ctx, tx, d.SymptomEntryID, " FOR UPDATE")
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO diagnoses (`+diagnosisCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symptom_entry_id) DO UPDATE SET
			id = EXCLUDED.id,
			diagnosis_text = EXCLUDED.diagnosis_text,
			confidence_score = EXCLUDED.confidence_score,
			possible_conditions = EXCLUDED.possible_conditions,
			recommendations = EXCLUDED.recommendations,
			created_at = EXCLUDED.created_at`,
		d.ID, d.SymptomEntryID, d.DiagnosisText, d.ConfidenceScore, d.PossibleConditions,
		d.Recommendations, d.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert diagnosis: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit diagnosis upsert: %w", err)
	}
	return prev, nil
}

func (r *pgRepo) DeleteDiagnosis(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM diagnoses WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete diagnosis: %w", err)
	}
	return requireTag(tag)
}

func (r *pgRepo) CreateUser(ctx context.Context, u *User) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO users (`+userCols+`) VALUES ($1, $2, $3, $4)`,
		u.ID, u.Email, u.DisplayName, u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateUser
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *pgRepo) GetUser(ctx context.Context, id string) (*User, error) {
	return r.getUser(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id)
}

func (r *pgRepo) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return r.getUser(ctx, `SELECT `+userCols+` FROM users WHERE email = $1`, email)
}

func (r *pgRepo) getUser(ctx context.Context, query, arg string) (*User, error) {
	var u User
	err := r.pool.QueryRow(ctx, query, arg).Scan(&u.ID, &u.Email, &u.DisplayName, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func getPGDiagnosis(ctx context.Context, q queryer, entryID, lock string) (*DiagnosisRecord, error) {
	var d DiagnosisRecord
	err := q.QueryRow(ctx, `SELECT `+diagnosisCols+` FROM diagnoses WHERE symptom_entry_id = $1`+lock, entryID).
		Scan(&d.ID, &d.SymptomEntryID, &d.DiagnosisText, &d.ConfidenceScore, &d.PossibleConditions,
			&d.Recommendations, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get diagnosis: %w", err)
	}
	return &d, nil
}

func requireTag(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
