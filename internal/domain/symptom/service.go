package symptom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"
	"github.com/rs/zerolog"

	"github.com/symcheck/symcheck/internal/platform/hipaa"
)

// Audit failure reasons. They are categories, never PHI.
const (
	ReasonValidation    = "validation"
	ReasonNotFound      = "not_found"
	ReasonAccessDenied  = "access_denied"
	ReasonDecryptFailed = "decrypt_failed"
	ReasonEncryptFailed = "encrypt_failed"
	ReasonStorage       = "storage_error"
)

// FieldCodec seals and opens PHI columns. *hipaa.Codec is the production
// implementation.
type FieldCodec interface {
	EncodeText(value *string, field, recordID string) (string, error)
	DecodeText(stored, field, recordID string) (*string, error)
	EncodeList(values []string, field, recordID string) (string, error)
	DecodeList(stored, field, recordID string) ([]string, error)
}

// Option configures a Store.
type Option func(*Store)

// WithAccessPolicy replaces the default AllowAll policy.
func WithAccessPolicy(p AccessPolicy) Option {
	return func(s *Store) { s.canAccess = p }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the only path to symptom and diagnosis PHI. Every PHI operation
// writes an audit record and fails when that record cannot be made durable.
type Store struct {
	repo      Repository
	codec     FieldCodec
	audit     hipaa.Recorder
	canAccess AccessPolicy
	logger    zerolog.Logger
	now       func() time.Time
}

// NewStore wires a Store. codec and audit are required.
func NewStore(repo Repository, codec FieldCodec, audit hipaa.Recorder, logger zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		repo:      repo,
		codec:     codec,
		audit:     audit,
		canAccess: AllowAll,
		logger:    logger.With().Str("component", "symptom_store").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates, encrypts and persists a new entry with status SUBMITTED.
func (s *Store) Create(ctx context.Context, in CreateInput, actor hipaa.Actor) (*SymptomEntry, error) {
	symptoms, comments, verr := validateCreate(in)
	if verr != nil {
		rec := hipaa.NewAuditRecord(actor, hipaa.ActionCreate, hipaa.ResourceSymptomEntry, "").Fail(ReasonValidation)
		return nil, s.recordFailure(ctx, rec, verr)
	}

	userID, err := s.resolveUser(ctx, in)
	if err != nil {
		rec := hipaa.NewAuditRecord(actor, hipaa.ActionCreate, hipaa.ResourceSymptomEntry, "")
		if errors.As(err, new(*ValidationError)) {
			rec.Fail(ReasonValidation)
		} else {
			rec.Fail(ReasonStorage)
		}
		return nil, s.recordFailure(ctx, rec, err)
	}

	now := s.now()
	id := uuid.NewString()
	rec := hipaa.NewAuditRecord(actor, hipaa.ActionCreate, hipaa.ResourceSymptomEntry, id)
	rec.SymptomEntryID = id

	row := &EntryRecord{
		ID:             id,
		UserID:         userID,
		AnalysisStatus: StatusSubmitted,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if row.Symptoms, err = s.codec.EncodeList(symptoms, hipaa.FieldSymptoms, id); err != nil {
		return nil, s.recordFailure(ctx, rec.Fail(ReasonEncryptFailed), fmt.Errorf("encrypt symptoms: %w", err))
	}
	if row.Comments, err = s.codec.EncodeText(comments, hipaa.FieldComments, id); err != nil {
		return nil, s.recordFailure(ctx, rec.Fail(ReasonEncryptFailed), fmt.Errorf("encrypt comments: %w", err))
	}

	if err := s.repo.InsertEntry(ctx, row); err != nil {
		return nil, s.recordFailure(ctx, rec.Fail(ReasonStorage), err)
	}

	rec.Details = fmt.Sprintf("created symptom entry with %d symptoms", len(symptoms))
	if err := s.audit.Record(ctx, rec); err != nil {
		if derr := s.repo.DeleteEntry(context.WithoutCancel(ctx), id); derr != nil {
			s.logger.Error().Err(derr).Str("entry_id", id).Msg("compensating delete failed after audit failure")
		}
		return nil, err
	}

	return &SymptomEntry{
		ID:             id,
		UserID:         userID,
		Symptoms:       symptoms,
		Comments:       comments,
		AnalysisStatus: StatusSubmitted,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Read loads and decrypts an entry together with its diagnosis.
func (s *Store) Read(ctx context.Context, entryID string, actor hipaa.Actor) (*SymptomEntry, error) {
	rec := hipaa.NewAuditRecord(actor, hipaa.ActionRead, hipaa.ResourceSymptomEntry, entryID)
	rec.SymptomEntryID = entryID

	row, err := s.repo.GetEntry(ctx, entryID)
	if errors.Is(err, ErrNotFound) {
		return nil, s.recordFailure(ctx, rec.Fail(ReasonNotFound), &NotFoundError{Resource: hipaa.ResourceSymptomEntry, ID: entryID})
	}
	if err != nil {
		return nil, s.recordFailure(ctx, rec.Fail(ReasonStorage), err)
	}

	if !s.canAccess(actor, row) {
		return nil, s.recordFailure(ctx, rec.Fail(ReasonAccessDenied), ErrAccessDenied)
	}

	entry, err := s.decodeEntry(row)
	if err != nil {
		s.logger.Error().Err(err).Str("entry_id", entryID).Msg("entry decryption failed")
		return nil, s.recordFailure(ctx, rec.Fail(ReasonDecryptFailed), err)
	}

	drow, err := s.repo.GetDiagnosis(ctx, entryID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, s.recordFailure(ctx, rec.Fail(ReasonStorage), err)
	default:
		if entry.Diagnosis, err = s.decodeDiagnosis(drow); err != nil {
			s.logger.Error().Err(err).Str("entry_id", entryID).Str("diagnosis_id", drow.ID).Msg("diagnosis decryption failed")
			return nil, s.recordFailure(ctx, rec.Fail(ReasonDecryptFailed), err)
		}
	}

	rec.Details = "read symptom entry"
	if entry.Diagnosis != nil {
		rec.Details = "read symptom entry with diagnosis " + entry.Diagnosis.ID
	}
	if err := s.audit.Record(ctx, rec); err != nil {
		return nil, err
	}
	return entry, nil
}

// AttachDiagnosis stores in as the diagnosis of entryID, replacing any
// earlier one. The replaced id is named in the audit details.
func (s *Store) AttachDiagnosis(ctx context.Context, entryID string, in DiagnosisInput, actor hipaa.Actor) (*Diagnosis, error) {
	id := uuid.NewString()
	rec := hipaa.NewAuditRecord(actor, hipaa.ActionCreate, hipaa.ResourceDiagnosis, id)
	rec.SymptomEntryID = entryID

	clean, verr := validateDiagnosis(in)
	if verr != nil {
		return nil, s.recordFailure(ctx, rec.Fail(ReasonValidation), verr)
	}

	entry, err := s.repo.GetEntry(ctx, entryID)
	if errors.Is(err, ErrNotFound) {
		return nil, s.recordFailure(ctx, rec.Fail(ReasonNotFound), &NotFoundError{Resource: hipaa.ResourceSymptomEntry, ID: entryID})
	}
	if err != nil {
		return nil, s.recordFailure(ctx, rec.Fail(ReasonStorage), err)
	}
	if !s.canAccess(actor, entry) {
		return nil, s.recordFailure(ctx, rec.Fail(ReasonAccessDenied), ErrAccessDenied)
	}

	row := &DiagnosisRecord{
		ID:              id,
		SymptomEntryID:  entryID,
		ConfidenceScore: clean.ConfidenceScore,
		CreatedAt:       s.now(),
	}
	text := clean.DiagnosisText
	if row.DiagnosisText, err = s.codec.EncodeText(&text, hipaa.FieldDiagnosisText, id); err != nil {
		return nil, s.recordFailure(ctx, rec.Fail(ReasonEncryptFailed), fmt.Errorf("encrypt diagnosis text: %w", err))
	}
	if row.Recommendations, err = s.codec.EncodeText(clean.Recommendations, hipaa.FieldRecommendations, id); err != nil {
		return nil, s.recordFailure(ctx, rec.Fail(ReasonEncryptFailed), fmt.Errorf("encrypt recommendations: %w", err))
	}
	if clean.PossibleConditions != nil {
		b, err := json.Marshal(clean.PossibleConditions)
		if err != nil {
			return nil, s.recordFailure(ctx, rec.Fail(ReasonStorage), fmt.Errorf("encode possible conditions: %w", err))
		}
		conditions := string(b)
		row.PossibleConditions = &conditions
	}

	prev, err := s.repo.UpsertDiagnosis(ctx, row)
	if err != nil {
		return nil, s.recordFailure(ctx, rec.Fail(ReasonStorage), err)
	}

	rec.Details = "attached diagnosis"
	if prev != nil {
		rec.Details = "replaced diagnosis " + prev.ID
	}
	if err := s.audit.Record(ctx, rec); err != nil {
		s.compensateDiagnosis(context.WithoutCancel(ctx), row, prev)
		return nil, err
	}

	return &Diagnosis{
		ID:                 id,
		SymptomEntryID:     entryID,
		DiagnosisText:      clean.DiagnosisText,
		ConfidenceScore:    clean.ConfidenceScore,
		PossibleConditions: clean.PossibleConditions,
		Recommendations:    clean.Recommendations,
		CreatedAt:          row.CreatedAt,
	}, nil
}

// compensateDiagnosis undoes an upsert whose audit record failed.
func (s *Store) compensateDiagnosis(ctx context.Context, written, prev *DiagnosisRecord) {
	var err error
	if prev == nil {
		err = s.repo.DeleteDiagnosis(ctx, written.ID)
	} else {
		_, err = s.repo.UpsertDiagnosis(ctx, prev)
	}
	if err != nil {
		s.logger.Error().Err(err).
			Str("entry_id", written.SymptomEntryID).
			Str("diagnosis_id", written.ID).
			Msg("compensating diagnosis rollback failed after audit failure")
	}
}

// SetAnalysisStatus updates pipeline metadata. No PHI is touched, so no
// audit record is written.
func (s *Store) SetAnalysisStatus(ctx context.Context, entryID string, status AnalysisStatus, reason string) error {
	if !status.Valid() {
		return fmt.Errorf("unknown analysis status %q", status)
	}
	err := s.repo.SetStatus(ctx, entryID, status, reason, s.now())
	if errors.Is(err, ErrNotFound) {
		return &NotFoundError{Resource: hipaa.ResourceSymptomEntry, ID: entryID}
	}
	return err
}

// StatusView is the PHI-free pipeline state of one entry.
type StatusView struct {
	ID             string         `json:"id"`
	AnalysisStatus AnalysisStatus `json:"analysis_status"`
	AnalysisError  string         `json:"analysis_error"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// AnalysisStatus returns the pipeline state of an entry.
func (s *Store) AnalysisStatus(ctx context.Context, entryID string) (*StatusView, error) {
	row, err := s.repo.GetEntry(ctx, entryID)
	if errors.Is(err, ErrNotFound) {
		return nil, &NotFoundError{Resource: hipaa.ResourceSymptomEntry, ID: entryID}
	}
	if err != nil {
		return nil, err
	}
	return &StatusView{
		ID:             row.ID,
		AnalysisStatus: row.AnalysisStatus,
		AnalysisError:  row.AnalysisError,
		UpdatedAt:      row.UpdatedAt,
	}, nil
}

// ListEntries returns entry metadata, newest first. userID filters by owner
// when non-empty.
func (s *Store) ListEntries(ctx context.Context, userID string, limit, offset int) ([]*EntrySummary, int, error) {
	return s.repo.ListEntries(ctx, userID, limit, offset)
}

// CreateUser registers an email so submissions can be linked to it.
func (s *Store) CreateUser(ctx context.Context, email, displayName string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var errs errsx.Map
	if _, err := mail.ParseAddress(email); err != nil {
		errs.Set("email", errors.New("must be a valid email address"))
	}
	if utf8.RuneCountInString(displayName) > 200 {
		errs.Set("display_name", errors.New("must be at most 200 characters"))
	}
	if err := validationError(errs); err != nil {
		return nil, err
	}

	u := &User{ID: uuid.NewString(), Email: email, DisplayName: strings.TrimSpace(displayName), CreatedAt: s.now()}
	if err := s.repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// resolveUser maps the submitter fields to a weak user reference. An unknown
// email yields no reference; an unknown explicit id is rejected.
func (s *Store) resolveUser(ctx context.Context, in CreateInput) (*string, error) {
	if id := strings.TrimSpace(in.UserID); id != "" {
		u, err := s.repo.GetUser(ctx, id)
		if errors.Is(err, ErrNotFound) {
			var errs errsx.Map
			errs.Set("user_id", errors.New("unknown user"))
			return nil, validationError(errs)
		}
		if err != nil {
			return nil, err
		}
		return &u.ID, nil
	}

	email := strings.ToLower(strings.TrimSpace(in.UserEmail))
	if email == "" {
		return nil, nil
	}
	u, err := s.repo.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		s.logger.Debug().Msg("submission email not registered; entry stored without owner")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u.ID, nil
}

// recordFailure writes a FAILURE audit record and returns cause, joined with
// the audit error when the record could not be written.
func (s *Store) recordFailure(ctx context.Context, rec *hipaa.AuditRecord, cause error) error {
	if err := s.audit.Record(ctx, rec); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (s *Store) decodeEntry(row *EntryRecord) (*SymptomEntry, error) {
	symptoms, err := s.codec.DecodeList(row.Symptoms, hipaa.FieldSymptoms, row.ID)
	if err != nil {
		return nil, err
	}
	comments, err := s.codec.DecodeText(row.Comments, hipaa.FieldComments, row.ID)
	if err != nil {
		return nil, err
	}
	return &SymptomEntry{
		ID:             row.ID,
		UserID:         row.UserID,
		Symptoms:       symptoms,
		Comments:       comments,
		AnalysisStatus: row.AnalysisStatus,
		AnalysisError:  row.AnalysisError,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}, nil
}

func (s *Store) decodeDiagnosis(row *DiagnosisRecord) (*Diagnosis, error) {
	text, err := s.codec.DecodeText(row.DiagnosisText, hipaa.FieldDiagnosisText, row.ID)
	if err != nil {
		return nil, err
	}
	recs, err := s.codec.DecodeText(row.Recommendations, hipaa.FieldRecommendations, row.ID)
	if err != nil {
		return nil, err
	}
	d := &Diagnosis{
		ID:              row.ID,
		SymptomEntryID:  row.SymptomEntryID,
		ConfidenceScore: row.ConfidenceScore,
		Recommendations: recs,
		CreatedAt:       row.CreatedAt,
	}
	if text != nil {
		d.DiagnosisText = *text
	}
	if row.PossibleConditions != nil {
		if err := json.Unmarshal([]byte(*row.PossibleConditions), &d.PossibleConditions); err != nil {
			return nil, fmt.Errorf("decode possible conditions: %w", err)
		}
	}
	return d, nil
}

func validateCreate(in CreateInput) ([]string, *string, error) {
	var errs errsx.Map

	symptoms := make([]string, 0, len(in.Symptoms))
	switch {
	case len(in.Symptoms) == 0:
		errs.Set("symptoms", errors.New("at least one symptom is required"))
	case len(in.Symptoms) > MaxSymptoms:
		errs.Set("symptoms", fmt.Errorf("at most %d symptoms are allowed", MaxSymptoms))
	default:
		for i, raw := range in.Symptoms {
			sym := strings.TrimSpace(raw)
			if sym == "" {
				errs.Set("symptoms", fmt.Errorf("symptom %d is blank", i))
				break
			}
			if utf8.RuneCountInString(sym) > MaxSymptomLength {
				errs.Set("symptoms", fmt.Errorf("symptom %d exceeds %d characters", i, MaxSymptomLength))
				break
			}
			symptoms = append(symptoms, sym)
		}
	}

	var comments *string
	if in.Comments != nil {
		if utf8.RuneCountInString(*in.Comments) > MaxCommentsLength {
			errs.Set("comments", fmt.Errorf("must be at most %d characters", MaxCommentsLength))
		}
		c := *in.Comments
		comments = &c
	}

	if email := strings.TrimSpace(in.UserEmail); email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			errs.Set("user_email", errors.New("must be a valid email address"))
		}
	}

	if err := validationError(errs); err != nil {
		return nil, nil, err
	}
	return symptoms, comments, nil
}

// NormalizeConfidence lower-cases v and reports whether it is a known level.
func NormalizeConfidence(v string) (string, bool) {
	switch c := strings.ToLower(strings.TrimSpace(v)); c {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		return c, true
	}
	return "", false
}

func validateDiagnosis(in DiagnosisInput) (DiagnosisInput, error) {
	var errs errsx.Map
	out := DiagnosisInput{DiagnosisText: strings.TrimSpace(in.DiagnosisText)}

	if out.DiagnosisText == "" {
		errs.Set("diagnosis_text", errors.New("is required"))
	}
	if in.ConfidenceScore != nil {
		c, ok := NormalizeConfidence(*in.ConfidenceScore)
		if !ok {
			errs.Set("confidence_score", errors.New("must be one of low, medium, high"))
		}
		out.ConfidenceScore = &c
	}
	if in.PossibleConditions != nil {
		out.PossibleConditions = []string{}
		for _, c := range in.PossibleConditions {
			if c = strings.TrimSpace(c); c != "" {
				out.PossibleConditions = append(out.PossibleConditions, c)
			}
		}
	}
	if in.Recommendations != nil {
		r := strings.TrimSpace(*in.Recommendations)
		out.Recommendations = &r
	}

	if err := validationError(errs); err != nil {
		return DiagnosisInput{}, err
	}
	return out, nil
}
