package hipaa

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/symcheck/symcheck/internal/platform/db"
)

const auditCols = `id, occurred_at, actor, action, resource_type, resource_id, symptom_entry_id,
	ip_address, user_agent, request_id, outcome, reason, details`

// auditDialect captures the differences between the Postgres and SQLite
// audit tables: placeholder syntax and timestamp representation.
type auditDialect struct {
	placeholder func(n int) string
	timeArg     func(t time.Time) any
}

var (
	pgAuditDialect = auditDialect{
		placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
		timeArg:     func(t time.Time) any { return t.UTC() },
	}
	sqliteAuditDialect = auditDialect{
		placeholder: func(int) string { return "?" },
		timeArg:     func(t time.Time) any { return db.FormatTime(t) },
	}
)

func (d auditDialect) insertSQL() string {
	ph := make([]string, 13)
	for i := range ph {
		ph[i] = d.placeholder(i + 1)
	}
	return `INSERT INTO audit_logs (` + auditCols + `) VALUES (` + strings.Join(ph, ", ") + `)`
}

func (d auditDialect) insertArgs(rec *AuditRecord) []any {
	return []any{
		rec.ID, d.timeArg(rec.Timestamp), rec.Actor, string(rec.Action), rec.ResourceType, rec.ResourceID,
		rec.SymptomEntryID, rec.IPAddress, rec.UserAgent, rec.RequestID, string(rec.Outcome), rec.Reason, rec.Details,
	}
}

// where builds the filter clause for params, numbering placeholders from 1.
func (d auditDialect) where(params AuditSearchParams) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(col string, op string, v any) {
		args = append(args, v)
		conds = append(conds, col+" "+op+" "+d.placeholder(len(args)))
	}
	if params.Actor != "" {
		add("actor", "=", params.Actor)
	}
	if params.Action != "" {
		add("action", "=", params.Action)
	}
	if params.ResourceType != "" {
		add("resource_type", "=", params.ResourceType)
	}
	if params.ResourceID != "" {
		add("resource_id", "=", params.ResourceID)
	}
	if params.SymptomEntryID != "" {
		add("symptom_entry_id", "=", params.SymptomEntryID)
	}
	if params.Outcome != "" {
		add("outcome", "=", params.Outcome)
	}
	if params.StartTime != nil {
		add("occurred_at", ">=", d.timeArg(*params.StartTime))
	}
	if params.EndTime != nil {
		add("occurred_at", "<=", d.timeArg(*params.EndTime))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (d auditDialect) searchSQL(params AuditSearchParams) (string, string, []any) {
	where, args := d.where(params)
	order := "ASC"
	if params.SortOrder == "desc" {
		order = "DESC"
	}
	count := `SELECT COUNT(*) FROM audit_logs` + where
	list := `SELECT ` + auditCols + ` FROM audit_logs` + where +
		` ORDER BY occurred_at ` + order + `, id ` + order +
		fmt.Sprintf(" LIMIT %d OFFSET %d", params.Limit, params.Offset)
	return count, list, args
}

func (d auditDialect) summarySQL(params AuditSearchParams) (string, []any) {
	where, args := d.where(params)
	return `SELECT action, resource_type, outcome, actor, COUNT(*), MIN(occurred_at), MAX(occurred_at)
		FROM audit_logs` + where + ` GROUP BY action, resource_type, outcome, actor`, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

// -- Postgres --

// PGAuditStore is the queryable audit sink backed by Postgres.
type PGAuditStore struct {
	pool *pgxpool.Pool
}

// NewPGAuditStore creates a PGAuditStore.
func NewPGAuditStore(pool *pgxpool.Pool) *PGAuditStore {
	return &PGAuditStore{pool: pool}
}

// Name implements AuditSink.
func (s *PGAuditStore) Name() string { return "database" }

// Write implements AuditSink.
func (s *PGAuditStore) Write(ctx context.Context, rec *AuditRecord) error {
	_, err := s.pool.Exec(ctx, pgAuditDialect.insertSQL(), pgAuditDialect.insertArgs(rec)...)
	if err != nil {
		return fmt.Errorf("insert audit_logs: %w", err)
	}
	return nil
}

// Search implements AuditQuerier.
func (s *PGAuditStore) Search(ctx context.Context, params AuditSearchParams) (*AuditSearchResult, error) {
	applyDefaults(&params)
	countSQL, listSQL, args := pgAuditDialect.searchSQL(params)

	var total int
	if err := s.pool.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count audit_logs: %w", err)
	}

	rows, err := s.pool.Query(ctx, listSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("search audit_logs: %w", err)
	}
	defer rows.Close()

	entries := make([]*AuditRecord, 0, params.Limit)
	for rows.Next() {
		rec, err := scanPGAudit(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit_logs: %w", err)
	}
	return &AuditSearchResult{Entries: entries, Total: total, Limit: params.Limit, Offset: params.Offset}, nil
}

// Summary implements AuditQuerier.
func (s *PGAuditStore) Summary(ctx context.Context, params AuditSearchParams) (*AuditSummary, error) {
	query, args := pgAuditDialect.summarySQL(params)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summarize audit_logs: %w", err)
	}
	defer rows.Close()

	summary := newAuditSummary()
	for rows.Next() {
		var (
			g           summaryGroup
			first, last time.Time
		)
		if err := rows.Scan(&g.action, &g.resourceType, &g.outcome, &g.actor, &g.count, &first, &last); err != nil {
			return nil, fmt.Errorf("scan audit summary: %w", err)
		}
		summary.add(g, first, last)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit summary: %w", err)
	}
	return summary, nil
}

func scanPGAudit(row pgx.Row) (*AuditRecord, error) {
	var (
		rec             AuditRecord
		action, outcome string
	)
	err := row.Scan(&rec.ID, &rec.Timestamp, &rec.Actor, &action, &rec.ResourceType, &rec.ResourceID,
		&rec.SymptomEntryID, &rec.IPAddress, &rec.UserAgent, &rec.RequestID, &outcome, &rec.Reason, &rec.Details)
	if err != nil {
		return nil, fmt.Errorf("scan audit record: %w", err)
	}
	rec.Action, rec.Outcome = Action(action), Outcome(outcome)
	rec.Timestamp = rec.Timestamp.UTC()
	return &rec, nil
}

// -- SQLite --

// SQLAuditStore is the queryable audit sink backed by SQLite.
type SQLAuditStore struct {
	db *sql.DB
}

// NewSQLAuditStore creates a SQLAuditStore.
func NewSQLAuditStore(db *sql.DB) *SQLAuditStore {
	return &SQLAuditStore{db: db}
}

// Name implements AuditSink.
func (s *SQLAuditStore) Name() string { return "database" }

// Write implements AuditSink.
func (s *SQLAuditStore) Write(ctx context.Context, rec *AuditRecord) error {
	_, err := s.db.ExecContext(ctx, sqliteAuditDialect.insertSQL(), sqliteAuditDialect.insertArgs(rec)...)
	if err != nil {
		return fmt.Errorf("insert audit_logs: %w", err)
	}
	return nil
}

// Search implements AuditQuerier.
func (s *SQLAuditStore) Search(ctx context.Context, params AuditSearchParams) (*AuditSearchResult, error) {
	applyDefaults(&params)
	countSQL, listSQL, args := sqliteAuditDialect.searchSQL(params)

	var total int
	if err := s.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count audit_logs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, listSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("search audit_logs: %w", err)
	}
	defer rows.Close()

	entries := make([]*AuditRecord, 0, params.Limit)
	for rows.Next() {
		rec, err := scanSQLAudit(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit_logs: %w", err)
	}
	return &AuditSearchResult{Entries: entries, Total: total, Limit: params.Limit, Offset: params.Offset}, nil
}

// Summary implements AuditQuerier.
func (s *SQLAuditStore) Summary(ctx context.Context, params AuditSearchParams) (*AuditSummary, error) {
	query, args := sqliteAuditDialect.summarySQL(params)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summarize audit_logs: %w", err)
	}
	defer rows.Close()

	summary := newAuditSummary()
	for rows.Next() {
		var (
			g           summaryGroup
			first, last string
		)
		if err := rows.Scan(&g.action, &g.resourceType, &g.outcome, &g.actor, &g.count, &first, &last); err != nil {
			return nil, fmt.Errorf("scan audit summary: %w", err)
		}
		ft, err := db.ParseTime(first)
		if err != nil {
			return nil, err
		}
		lt, err := db.ParseTime(last)
		if err != nil {
			return nil, err
		}
		summary.add(g, ft, lt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit summary: %w", err)
	}
	return summary, nil
}

// Records returns every audit record for resourceID in insertion order. It
// backs audit completeness checks and the CLI.
func (s *SQLAuditStore) Records(ctx context.Context, resourceID string) ([]*AuditRecord, error) {
	res, err := s.Search(ctx, AuditSearchParams{ResourceID: resourceID, Limit: maxSearchLimit, SortOrder: "asc"})
	if err != nil {
		return nil, err
	}
	return res.Entries, nil
}

func scanSQLAudit(row rowScanner) (*AuditRecord, error) {
	var (
		rec                 AuditRecord
		ts, action, outcome string
	)
	err := row.Scan(&rec.ID, &ts, &rec.Actor, &action, &rec.ResourceType, &rec.ResourceID,
		&rec.SymptomEntryID, &rec.IPAddress, &rec.UserAgent, &rec.RequestID, &outcome, &rec.Reason, &rec.Details)
	if err != nil {
		return nil, fmt.Errorf("scan audit record: %w", err)
	}
	t, err := db.ParseTime(ts)
	if err != nil {
		return nil, err
	}
	rec.Timestamp = t
	rec.Action, rec.Outcome = Action(action), Outcome(outcome)
	return &rec, nil
}
