// Package diagnosis runs symptom entries through the external analysis
// service and attaches the result.
package diagnosis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/symcheck/symcheck/internal/domain/symptom"
	"github.com/symcheck/symcheck/internal/platform/diagnostic"
	"github.com/symcheck/symcheck/internal/platform/hipaa"
	"github.com/symcheck/symcheck/internal/platform/webhook"
)

// DefaultTimeout bounds one upstream call.
const DefaultTimeout = 30 * time.Second

// Pipeline stages, reported in PipelineError.
const (
	StageStatus    = "status"
	StageRead      = "read"
	StageAnalyze   = "analyze"
	StageNormalize = "normalize"
	StageAttach    = "attach"
)

// ErrShutdown is returned for runs started after Shutdown.
var ErrShutdown = errors.New("diagnosis pipeline shut down")

// PipelineError reports where a run stopped. The entry has been marked
// FAILED with Category() when Marked reports true.
type PipelineError struct {
	EntryID string
	Stage   string
	Err     error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("diagnosis pipeline %s: %s: %v", e.EntryID, e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Upstream reports whether the run failed talking to the analysis service,
// as opposed to a local fault.
func (e *PipelineError) Upstream() bool {
	return e.Stage == StageAnalyze || e.Stage == StageNormalize
}

// Marked reports whether the run left the entry FAILED. Runs refused for a
// missing entry or by the access policy never touch its status.
func (e *PipelineError) Marked() bool {
	return e.Stage != StageStatus && !refused(e.Err)
}

func refused(err error) bool {
	return errors.Is(err, symptom.ErrNotFound) || errors.Is(err, symptom.ErrAccessDenied)
}

// Category is the PHI-free failure label stored as analysis_error.
func (e *PipelineError) Category() string {
	var se *diagnostic.StatusError
	switch {
	case errors.Is(e.Err, context.DeadlineExceeded):
		return "upstream_timeout"
	case errors.As(e.Err, &se):
		return fmt.Sprintf("upstream_status_%d", se.Status)
	case errors.Is(e.Err, diagnostic.ErrTransport):
		return "upstream_unreachable"
	case e.Stage == StageNormalize:
		return "upstream_response_invalid"
	case errors.Is(e.Err, symptom.ErrAccessDenied):
		return "access_denied"
	case hipaa.IsAuditWriteError(e.Err):
		return "audit_failed"
	}
	return e.Stage + "_failed"
}

// EntryStore is the slice of symptom.Store the pipeline needs.
type EntryStore interface {
	Create(ctx context.Context, in symptom.CreateInput, actor hipaa.Actor) (*symptom.SymptomEntry, error)
	Read(ctx context.Context, entryID string, actor hipaa.Actor) (*symptom.SymptomEntry, error)
	AttachDiagnosis(ctx context.Context, entryID string, in symptom.DiagnosisInput, actor hipaa.Actor) (*symptom.Diagnosis, error)
	SetAnalysisStatus(ctx context.Context, entryID string, status symptom.AnalysisStatus, reason string) error
	AnalysisStatus(ctx context.Context, entryID string) (*symptom.StatusView, error)
}

// Observer receives the outcome of each completed run.
type Observer interface {
	ObservePipeline(err error)
}

// Notifier is told when a run ends. Notify must not block.
type Notifier interface {
	Notify(ev webhook.Event) bool
}

// RunOptions adjusts a single run.
type RunOptions struct {
	// Symptoms replaces the stored list when building the prompt. The stored
	// entry is not changed.
	Symptoms []string
}

type Option func(*Pipeline)

// WithTimeout sets the per-call upstream deadline.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithNormalizer replaces the default response normalizer.
func WithNormalizer(n *Normalizer) Option {
	return func(p *Pipeline) { p.normalizer = n }
}

// WithObserver reports run outcomes to o.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

// WithNotifier publishes a completion event for every run that reaches
// DIAGNOSED or FAILED.
func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

// Pipeline drives SUBMITTED → ANALYZING → DIAGNOSED | FAILED. Concurrent
// runs for one entry share a single upstream call, but every caller is
// checked against the access policy and audited on its own.
type Pipeline struct {
	store      EntryStore
	client     diagnostic.Analyzer
	normalizer *Normalizer
	timeout    time.Duration
	observer   Observer
	notifier   Notifier
	logger     zerolog.Logger
	flights    singleflight.Group

	base   context.Context
	stop   context.CancelFunc
	mu     sync.Mutex
	closed bool
	active sync.WaitGroup
}

func NewPipeline(store EntryStore, client diagnostic.Analyzer, logger zerolog.Logger, opts ...Option) *Pipeline {
	base, stop := context.WithCancel(context.Background())
	p := &Pipeline{
		base:       base,
		stop:       stop,
		store:      store,
		client:     client,
		normalizer: NewNormalizer(nil),
		timeout:    DefaultTimeout,
		logger:     logger.With().Str("component", "diagnosis_pipeline").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run analyzes entryID once. The caller's own read of the entry runs the
// access policy first; a run already in flight for the same entry is then
// joined rather than repeated.
func (p *Pipeline) Run(ctx context.Context, entryID string, actor hipaa.Actor, opts RunOptions) (*symptom.Diagnosis, error) {
	entry, err := p.load(ctx, entryID, actor)
	if err != nil {
		return nil, err
	}
	return p.analyze(ctx, entry, actor, opts)
}

// Trigger always runs, replacing any existing diagnosis.
func (p *Pipeline) Trigger(ctx context.Context, entryID string, actor hipaa.Actor, opts RunOptions) (*symptom.Diagnosis, error) {
	return p.Run(ctx, entryID, actor, opts)
}

// Retry is idempotent: a diagnosed entry returns its diagnosis without an
// upstream call, an in-flight run is joined, anything else runs.
func (p *Pipeline) Retry(ctx context.Context, entryID string, actor hipaa.Actor) (*symptom.Diagnosis, error) {
	entry, err := p.load(ctx, entryID, actor)
	if err != nil {
		return nil, err
	}
	if entry.AnalysisStatus == symptom.StatusDiagnosed && entry.Diagnosis != nil {
		return entry.Diagnosis, nil
	}
	return p.analyze(ctx, entry, actor, RunOptions{})
}

// Shutdown refuses new runs and waits for those in flight. When ctx expires
// first, the runs are cancelled, awaited, and ctx.Err is returned.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.stop()
		return nil
	case <-ctx.Done():
		p.stop()
		<-done
		return ctx.Err()
	}
}

func (p *Pipeline) begin() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.active.Add(1)
	return true
}

// load reads entryID as actor. The read is audited and applies the access
// policy, so a refused caller never reaches the entry's status.
func (p *Pipeline) load(ctx context.Context, entryID string, actor hipaa.Actor) (*symptom.SymptomEntry, error) {
	entry, err := p.store.Read(ctx, entryID, actor)
	if err == nil {
		return entry, nil
	}
	err = p.fail(ctx, entryID, StageRead, err)
	p.report(entryID, nil, err)
	return nil, err
}

// analyze runs entry upstream, or joins the run already in flight for it.
// A joiner receives the diagnosis through its own audited read.
func (p *Pipeline) analyze(ctx context.Context, entry *symptom.SymptomEntry, actor hipaa.Actor, opts RunOptions) (*symptom.Diagnosis, error) {
	led := false
	ch := p.flights.DoChan(entry.ID, func() (any, error) {
		led = true
		if !p.begin() {
			return nil, &PipelineError{EntryID: entry.ID, Stage: StageStatus, Err: ErrShutdown}
		}
		defer p.active.Done()

		// The run outlives the caller that started it, but not the pipeline.
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		defer context.AfterFunc(p.base, cancel)()
		return p.run(runCtx, entry, actor, opts)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if led {
			return res.Val.(*symptom.Diagnosis), nil
		}
		return p.joined(ctx, entry.ID, actor)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pipeline) joined(ctx context.Context, entryID string, actor hipaa.Actor) (*symptom.Diagnosis, error) {
	entry, err := p.store.Read(ctx, entryID, actor)
	if err != nil {
		return nil, &PipelineError{EntryID: entryID, Stage: StageRead, Err: err}
	}
	if entry.Diagnosis == nil {
		return nil, &PipelineError{EntryID: entryID, Stage: StageRead,
			Err: &symptom.NotFoundError{Resource: hipaa.ResourceDiagnosis, ID: entryID}}
	}
	return entry.Diagnosis, nil
}

// SubmitAndDiagnose creates an entry and runs it inline. An analysis failure
// is not an error here: the entry comes back FAILED and Retry can finish it.
func (p *Pipeline) SubmitAndDiagnose(ctx context.Context, in symptom.CreateInput, actor hipaa.Actor) (*symptom.SymptomEntry, error) {
	entry, err := p.store.Create(ctx, in, actor)
	if err != nil {
		return nil, err
	}

	d, err := p.Run(ctx, entry.ID, actor, RunOptions{})
	var pe *PipelineError
	switch {
	case err == nil:
		entry.Diagnosis = d
		entry.AnalysisStatus = symptom.StatusDiagnosed
	case errors.As(err, &pe):
		if pe.Marked() {
			entry.AnalysisStatus = symptom.StatusFailed
			entry.AnalysisError = pe.Category()
		}
	default:
		return nil, err
	}
	return entry, nil
}

func (p *Pipeline) run(ctx context.Context, entry *symptom.SymptomEntry, actor hipaa.Actor, opts RunOptions) (d *symptom.Diagnosis, err error) {
	start := time.Now()
	defer func() {
		p.report(entry.ID, d, err)
		log := p.logger.With().Str("entry_id", entry.ID).Dur("elapsed", time.Since(start)).Logger()
		if err != nil {
			log.Warn().Err(err).Msg("diagnosis run failed")
			return
		}
		log.Info().Str("diagnosis_id", d.ID).Msg("diagnosis attached")
	}()

	if err := p.store.SetAnalysisStatus(ctx, entry.ID, symptom.StatusAnalyzing, ""); err != nil {
		return nil, &PipelineError{EntryID: entry.ID, Stage: StageStatus, Err: err}
	}

	symptoms := entry.Symptoms
	if len(opts.Symptoms) > 0 {
		symptoms = opts.Symptoms
	}
	prompt := BuildPrompt(symptoms, entry.Comments)

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	resp, err := p.client.Analyze(callCtx, diagnostic.Request{Prompt: prompt, CallerHint: entry.ID})
	cancel()
	if err != nil {
		return nil, p.fail(ctx, entry.ID, StageAnalyze, err)
	}

	in, err := p.normalizer.Normalize(resp.Body)
	if err != nil {
		return nil, p.fail(ctx, entry.ID, StageNormalize, err)
	}

	d, err = p.store.AttachDiagnosis(ctx, entry.ID, in, actor)
	if err != nil {
		return nil, p.fail(ctx, entry.ID, StageAttach, err)
	}

	if err := p.store.SetAnalysisStatus(ctx, entry.ID, symptom.StatusDiagnosed, ""); err != nil {
		return nil, &PipelineError{EntryID: entry.ID, Stage: StageStatus, Err: err}
	}
	return d, nil
}

// report hands the outcome of a run to the observer and notifier.
func (p *Pipeline) report(entryID string, d *symptom.Diagnosis, err error) {
	if p.observer != nil {
		p.observer.ObservePipeline(err)
	}
	if p.notifier != nil {
		if ev, ok := completionEvent(entryID, d, err); ok {
			p.notifier.Notify(ev)
		}
	}
}

// completionEvent describes how a run ended. Runs that left the entry's
// status untouched produce no event.
func completionEvent(entryID string, d *symptom.Diagnosis, err error) (webhook.Event, bool) {
	if err == nil {
		return webhook.Event{
			Type:           webhook.EventDiagnosed,
			SymptomEntryID: entryID,
			DiagnosisID:    d.ID,
			AnalysisStatus: string(symptom.StatusDiagnosed),
		}, true
	}
	var pe *PipelineError
	if !errors.As(err, &pe) || !pe.Marked() {
		return webhook.Event{}, false
	}
	return webhook.Event{
		Type:           webhook.EventFailed,
		SymptomEntryID: entryID,
		AnalysisStatus: string(symptom.StatusFailed),
		AnalysisError:  pe.Category(),
	}, true
}

// fail marks the entry FAILED and returns the PipelineError for stage.
// The mark is written even when ctx was cancelled mid-run.
func (p *Pipeline) fail(ctx context.Context, entryID, stage string, cause error) error {
	pe := &PipelineError{EntryID: entryID, Stage: stage, Err: cause}
	if !pe.Marked() {
		return pe
	}
	if err := p.store.SetAnalysisStatus(context.WithoutCancel(ctx), entryID, symptom.StatusFailed, pe.Category()); err != nil {
		p.logger.Error().Err(err).Str("entry_id", entryID).Msg("could not mark entry FAILED")
	}
	return pe
}

// BuildPrompt renders the text sent upstream.
func BuildPrompt(symptoms []string, comments *string) string {
	var b strings.Builder
	b.WriteString("Symptoms: ")
	b.WriteString(strings.Join(symptoms, ", "))
	if comments != nil && strings.TrimSpace(*comments) != "" {
		b.WriteString("\nAdditional comments: ")
		b.WriteString(strings.TrimSpace(*comments))
	}
	return b.String()
}
