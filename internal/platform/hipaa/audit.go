package hipaa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Action is the kind of PHI access being recorded.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionRead   Action = "READ"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// Outcome is the result of the recorded access attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
)

// AnonymousActor is recorded when a request carries no user identity.
const AnonymousActor = "anonymous"

// Actor identifies who is touching PHI and from where.
type Actor struct {
	ID        string
	Roles     []string
	IP        string
	UserAgent string
	RequestID string
}

// Name returns the actor id, or AnonymousActor when there is none.
func (a Actor) Name() string {
	if a.ID == "" {
		return AnonymousActor
	}
	return a.ID
}

// AuditRecord is one immutable PHI access record. Details and Reason must
// never contain PHI; they hold counts, ids and failure categories only.
type AuditRecord struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Actor          string    `json:"actor"`
	Action         Action    `json:"action"`
	ResourceType   string    `json:"resource_type"`
	ResourceID     string    `json:"resource_id"`
	SymptomEntryID string    `json:"symptom_entry_id,omitempty"`
	IPAddress      string    `json:"ip_address,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
	RequestID      string    `json:"request_id,omitempty"`
	Outcome        Outcome   `json:"outcome"`
	Reason         string    `json:"reason,omitempty"`
	Details        string    `json:"details,omitempty"`
}

// NewAuditRecord creates a successful record for actor acting on a resource.
func NewAuditRecord(actor Actor, action Action, resourceType, resourceID string) *AuditRecord {
	return &AuditRecord{
		ID:           uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Actor:        actor.Name(),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		IPAddress:    actor.IP,
		UserAgent:    actor.UserAgent,
		RequestID:    actor.RequestID,
		Outcome:      OutcomeSuccess,
	}
}

// Fail marks the record as a failed attempt with a non-PHI reason category.
func (r *AuditRecord) Fail(reason string) *AuditRecord {
	r.Outcome = OutcomeFailure
	r.Reason = reason
	return r
}

// Recorder appends audit records. A nil error means the record is durable.
type Recorder interface {
	Record(ctx context.Context, rec *AuditRecord) error
}

// AuditSink is one durable destination for audit records.
type AuditSink interface {
	Name() string
	Write(ctx context.Context, rec *AuditRecord) error
}

// AuditWriteError reports that a sink did not acknowledge a record. The
// originating PHI operation must be treated as failed.
type AuditWriteError struct {
	Sink     string
	RecordID string
	Err      error
}

func (e *AuditWriteError) Error() string {
	return fmt.Sprintf("hipaa audit: sink %s rejected record %s: %v", e.Sink, e.RecordID, e.Err)
}

func (e *AuditWriteError) Unwrap() error { return e.Err }

// IsAuditWriteError reports whether err is, or wraps, an *AuditWriteError.
func IsAuditWriteError(err error) bool {
	var ae *AuditWriteError
	return errors.As(err, &ae)
}

// AuditObserver receives per-sink write outcomes, typically for metrics.
type AuditObserver interface {
	ObserveAuditWrite(sink string, err error)
}

// AuditLogger writes each record to every configured sink in order and
// reports durability only when all of them acknowledge. Sinks are ordered
// queryable store first, log stream second.
type AuditLogger struct {
	sinks    []AuditSink
	observer AuditObserver
	logger   zerolog.Logger
}

// NewAuditLogger creates an AuditLogger over sinks. observer may be nil.
func NewAuditLogger(logger zerolog.Logger, observer AuditObserver, sinks ...AuditSink) *AuditLogger {
	return &AuditLogger{sinks: sinks, observer: observer, logger: logger}
}

// Record implements Recorder. It stops at the first failing sink.
func (a *AuditLogger) Record(ctx context.Context, rec *AuditRecord) error {
	if len(a.sinks) == 0 {
		return &AuditWriteError{Sink: "none", RecordID: rec.ID, Err: errors.New("no audit sinks configured")}
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	for _, sink := range a.sinks {
		err := sink.Write(ctx, rec)
		if a.observer != nil {
			a.observer.ObserveAuditWrite(sink.Name(), err)
		}
		if err != nil {
			a.logger.Error().
				Err(err).
				Str("sink", sink.Name()).
				Str("audit_id", rec.ID).
				Str("action", string(rec.Action)).
				Str("resource_type", rec.ResourceType).
				Str("resource_id", rec.ResourceID).
				Msg("audit write failed")
			return &AuditWriteError{Sink: sink.Name(), RecordID: rec.ID, Err: err}
		}
	}
	return nil
}
