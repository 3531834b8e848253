package symptom

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/symcheck/symcheck/internal/platform/db"
)

type sqliteRepo struct {
	db *sql.DB
}

// NewSQLiteRepo returns a Repository over a migrated SQLite database.
func NewSQLiteRepo(sqlDB *sql.DB) Repository {
	return &sqliteRepo{db: sqlDB}
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func (r *sqliteRepo) InsertEntry(ctx context.Context, e *EntryRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO symptom_entries (`+entryCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.Symptoms, e.Comments, string(e.AnalysisStatus), e.AnalysisError,
		db.FormatTime(e.CreatedAt), db.FormatTime(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert symptom entry: %w", err)
	}
	return nil
}

func (r *sqliteRepo) GetEntry(ctx context.Context, id string) (*EntryRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+entryCols+` FROM symptom_entries WHERE id = ?`, id)
	e, err := scanSQLiteEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get symptom entry: %w", err)
	}
	return e, nil
}

func (r *sqliteRepo) DeleteEntry(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM symptom_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete symptom entry: %w", err)
	}
	return requireRow(res)
}

func (r *sqliteRepo) SetStatus(ctx context.Context, id string, status AnalysisStatus, reason string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE symptom_entries SET analysis_status = ?, analysis_error = ?, updated_at = ?
		WHERE id = ?`,
		string(status), reason, db.FormatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("set analysis status: %w", err)
	}
	return requireRow(res)
}

func (r *sqliteRepo) ListEntries(ctx context.Context, userID string, limit, offset int) ([]*EntrySummary, int, error) {
	where, args := "", []any{}
	if userID != "" {
		where, args = " WHERE e.user_id = ?", append(args, userID)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM symptom_entries e`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count symptom entries: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT e.id, e.user_id, e.analysis_status, e.analysis_error, d.id IS NOT NULL, e.created_at, e.updated_at
		FROM symptom_entries e LEFT JOIN diagnoses d ON d.symptom_entry_id = e.id`+where+`
		ORDER BY e.created_at DESC, e.id
		LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list symptom entries: %w", err)
	}
	defer rows.Close()

	var out []*EntrySummary
	for rows.Next() {
		var s EntrySummary
		var status, created, updated string
		if err := rows.Scan(&s.ID, &s.UserID, &status, &s.AnalysisError, &s.HasDiagnosis, &created, &updated); err != nil {
			return nil, 0, fmt.Errorf("scan symptom entry: %w", err)
		}
		s.AnalysisStatus = AnalysisStatus(status)
		if s.CreatedAt, err = db.ParseTime(created); err != nil {
			return nil, 0, err
		}
		if s.UpdatedAt, err = db.ParseTime(updated); err != nil {
			return nil, 0, err
		}
		out = append(out, &s)
	}
	return out, total, rows.Err()
}

func (r *sqliteRepo) GetDiagnosis(ctx context.Context, entryID string) (*DiagnosisRecord, error) {
	return getSQLiteDiagnosis(ctx, r.db, entryID)
}

func (r *sqliteRepo) UpsertDiagnosis(ctx context.Context, d *DiagnosisRecord) (*DiagnosisRecord, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin diagnosis upsert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	prev, err := getSQLiteDiagnosis(ctx, tx, d.SymptomEntryID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO diagnoses (`+diagnosisCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symptom_entry_id) DO UPDATE SET
			id = excluded.id,
			diagnosis_text = excluded.diagnosis_text,
			confidence_score = excluded.confidence_score,
			possible_conditions = excluded.possible_conditions,
			recommendations = excluded.recommendations,
			created_at = excluded.created_at`,
		d.ID, d.SymptomEntryID, d.DiagnosisText, d.ConfidenceScore, d.PossibleConditions,
		d.Recommendations, db.FormatTime(d.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert diagnosis: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit diagnosis upsert: %w", err)
	}
	return prev, nil
}

func (r *sqliteRepo) DeleteDiagnosis(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM diagnoses WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete diagnosis: %w", err)
	}
	return requireRow(res)
}

func (r *sqliteRepo) CreateUser(ctx context.Context, u *User) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO users (`+userCols+`) VALUES (?, ?, ?, ?)`,
		u.ID, u.Email, u.DisplayName, db.FormatTime(u.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateUser
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *sqliteRepo) GetUser(ctx context.Context, id string) (*User, error) {
	return r.getUser(ctx, `SELECT `+userCols+` FROM users WHERE id = ?`, id)
}

func (r *sqliteRepo) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return r.getUser(ctx, `SELECT `+userCols+` FROM users WHERE email = ?`, email)
}

func (r *sqliteRepo) getUser(ctx context.Context, query, arg string) (*User, error) {
	var u User
	var created string
	err := r.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Email, &u.DisplayName, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if u.CreatedAt, err = db.ParseTime(created); err != nil {
		return nil, err
	}
	return &u, nil
}

type sqlQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSQLiteDiagnosis(ctx context.Context, q sqlQueryer, entryID string) (*DiagnosisRecord, error) {
	var d DiagnosisRecord
	var created string
	err := q.QueryRowContext(ctx, `SELECT `+diagnosisCols+` FROM diagnoses WHERE symptom_entry_id = ?`, entryID).
		Scan(&d.ID, &d.SymptomEntryID, &d.DiagnosisText, &d.ConfidenceScore, &d.PossibleConditions,
			&d.Recommendations, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get diagnosis: %w", err)
	}
	if d.CreatedAt, err = db.ParseTime(created); err != nil {
		return nil, err
	}
	return &d, nil
}

func scanSQLiteEntry(row sqlScanner) (*EntryRecord, error) {
	var e EntryRecord
	var status, created, updated string
	if err := row.Scan(&e.ID, &e.UserID, &e.Symptoms, &e.Comments, &status, &e.AnalysisError, &created, &updated); err != nil {
		return nil, err
	}
	e.AnalysisStatus = AnalysisStatus(status)
	var err error
	if e.CreatedAt, err = db.ParseTime(created); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = db.ParseTime(updated); err != nil {
		return nil, err
	}
	return &e, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
