// Package webhook delivers signed diagnosis completion events to a single
// configured endpoint. Events carry identifiers and status only, never PHI.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types.
const (
	EventDiagnosed = "diagnosis.completed"
	EventFailed    = "diagnosis.failed"
)

// Request headers set on every delivery.
const (
	HeaderSignature = "X-Symcheck-Signature"
	HeaderEvent     = "X-Symcheck-Event"
	HeaderDelivery  = "X-Symcheck-Delivery"
	HeaderTimestamp = "X-Symcheck-Timestamp"
)

const defaultQueueSize = 128

// Event is the JSON body POSTed to the endpoint.
type Event struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	SymptomEntryID string    `json:"symptom_entry_id"`
	DiagnosisID    string    `json:"diagnosis_id,omitempty"`
	AnalysisStatus string    `json:"analysis_status"`
	AnalysisError  string    `json:"analysis_error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Observer receives the final outcome of each delivery.
type Observer interface {
	ObserveWebhook(err error)
}

// SignPayload computes the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a HeaderSignature value, with or without the
// "sha256=" prefix, against payload.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

type Option func(*Notifier)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

// WithRetryDelays sets the waits between attempts. One attempt is made per
// delay plus the first.
func WithRetryDelays(d ...time.Duration) Option {
	return func(n *Notifier) { n.retryDelays = d }
}

// WithObserver reports delivery outcomes to o.
func WithObserver(o Observer) Option {
	return func(n *Notifier) { n.observer = o }
}

// WithQueueSize bounds the number of undelivered events held in memory.
func WithQueueSize(size int) Option {
	return func(n *Notifier) {
		if size > 0 {
			n.queueSize = size
		}
	}
}

// Notifier sends events from a single background goroutine so a slow
// receiver never holds up a diagnosis worker.
type Notifier struct {
	url         string
	secret      string
	client      *http.Client
	retryDelays []time.Duration
	observer    Observer
	logger      zerolog.Logger
	queueSize   int

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

// New validates rawURL and starts the delivery loop.
func New(rawURL, secret string, logger zerolog.Logger, opts ...Option) (*Notifier, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	n := &Notifier{
		url:         rawURL,
		secret:      secret,
		client:      &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
		logger:      logger.With().Str("component", "webhook").Logger(),
		queueSize:   defaultQueueSize,
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(n)
	}
	n.queue = make(chan Event, n.queueSize)
	go n.loop()
	return n, nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("webhook url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("webhook url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

// Notify queues ev for delivery, assigning an id and timestamp when unset.
// It never blocks: false means the queue was full or the notifier closed,
// and the event is dropped.
func (n *Notifier) Notify(ev Event) bool {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return false
	}
	select {
	case n.queue <- ev:
		return true
	default:
		n.logger.Warn().Str("event_id", ev.ID).Str("entry_id", ev.SymptomEntryID).Msg("webhook queue full, dropping event")
		return false
	}
}

func (n *Notifier) loop() {
	defer close(n.done)
	for ev := range n.queue {
		n.deliver(context.Background(), ev)
	}
}

// deliver posts ev, retrying on transport errors and non-2xx responses.
func (n *Notifier) deliver(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	log := n.logger.With().Str("event_id", ev.ID).Str("type", ev.Type).Str("entry_id", ev.SymptomEntryID).Logger()

	for attempt := 0; ; attempt++ {
		err = n.post(ctx, ev, payload)
		if err == nil || attempt >= len(n.retryDelays) {
			break
		}
		log.Debug().Err(err).Int("attempt", attempt+1).Msg("webhook delivery failed, retrying")
		select {
		case <-time.After(n.retryDelays[attempt]):
		case <-ctx.Done():
			err = ctx.Err()
		}
		if ctx.Err() != nil {
			break
		}
	}

	if n.observer != nil {
		n.observer.ObserveWebhook(err)
	}
	if err != nil {
		log.Warn().Err(err).Msg("webhook delivery abandoned")
		return err
	}
	log.Debug().Msg("webhook delivered")
	return nil
}

func (n *Notifier) post(ctx context.Context, ev Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, "sha256="+SignPayload(payload, n.secret))
	req.Header.Set(HeaderEvent, ev.Type)
	req.Header.Set(HeaderDelivery, ev.ID)
	req.Header.Set(HeaderTimestamp, ev.Timestamp.UTC().Format(time.RFC3339))

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Close stops accepting events and waits for queued ones to be delivered.
// If ctx ends first, the remaining events are abandoned in the background.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()

	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
