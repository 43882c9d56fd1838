package trigger

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/larksync/larksync/internal/config"
)

// Webhook tuning.
const (
	// dedupTTL is the window within which a repeated event_id is dropped.
	dedupTTL = 10 * time.Minute

	// maxEventBody bounds the accepted request body size.
	maxEventBody = 1 << 20

	// defaultLockWait bounds how long the background worker waits for the
	// run lock when the configuration does not say.
	defaultLockWait = 120 * time.Second
)

// Rejection reasons returned in webhook responses.
const (
	reasonDisabled  = "event_callback_disabled"
	reasonDuplicate = "duplicate_event"
	reasonUnmatched = "unmatched_event_type"
	reasonDebounced = "debounced"
	reasonPending   = "pending_job"
)

// WebhookState is the observable counter snapshot for the webhook trigger.
type WebhookState struct {
	Pending        bool `json:"pending"`
	ReceivedCount  int  `json:"received_count"`
	QueuedCount    int  `json:"queued_count"`
	DuplicateCount int  `json:"duplicate_count"`
	UnmatchedCount int  `json:"unmatched_count"`
	DebouncedCount int  `json:"debounced_count"`
	SkippedPending int  `json:"skipped_pending_count"`
}

// Webhook accepts provider event callbacks and schedules background runs.
// One job is pending at most; further events inside the debounce window are
// acknowledged but dropped.
type Webhook struct {
	cfg    *config.Config
	coord  *Coordinator
	runner Runner
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	seen        map[string]time.Time
	lastRequest time.Time
	pending     bool
	stats       WebhookState

	// wg tracks background jobs so tests and shutdown can wait for them.
	wg sync.WaitGroup
}

// NewWebhook creates the webhook handler.
func NewWebhook(cfg *config.Config, coord *Coordinator, runner Runner, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}

	return &Webhook{
		cfg:    cfg,
		coord:  coord,
		runner: runner,
		logger: logger,
		now:    time.Now,
		seen:   map[string]time.Time{},
	}
}

// eventEnvelope is the provider callback body, v1 and v2 shapes merged.
type eventEnvelope struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Token     string `json:"token"`

	Header struct {
		EventID   string `json:"event_id"`
		Token     string `json:"token"`
		EventType string `json:"event_type"`
	} `json:"header"`

	Event struct {
		Type string `json:"type"`
	} `json:"event"`
}

func (w *Webhook) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(req.Body, maxEventBody))
	if err != nil {
		http.Error(rw, "reading request body failed", http.StatusBadRequest)
		return
	}

	encryptKey := w.cfg.Sync.EventEncryptKey

	body := raw

	if encryptKey != "" {
		var wrapper struct {
			Encrypt string `json:"encrypt"`
		}

		if json.Unmarshal(raw, &wrapper) == nil && wrapper.Encrypt != "" {
			plain, err := decryptEvent(encryptKey, wrapper.Encrypt)
			if err != nil {
				w.logger.Warn("webhook decrypt failed", slog.String("error", err.Error()))
				http.Error(rw, "malformed event payload", http.StatusBadRequest)

				return
			}

			body = plain
		}
	}

	var env eventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		http.Error(rw, "malformed event payload", http.StatusBadRequest)
		return
	}

	verifyToken := w.cfg.Sync.EventVerifyToken

	if w.cfg.Sync.EventCallbackEnabled && verifyToken == "" {
		http.Error(rw, "event verify token not configured", http.StatusServiceUnavailable)
		return
	}

	if verifyToken != "" {
		got := env.Header.Token
		if got == "" {
			got = env.Token
		}

		if subtle.ConstantTimeCompare([]byte(got), []byte(verifyToken)) != 1 {
			http.Error(rw, "verify token mismatch", http.StatusUnauthorized)
			return
		}
	}

	// The verification handshake is answered before any signature check;
	// the provider sends it unsigned.
	if env.Type == "url_verification" {
		writeJSON(rw, map[string]string{"challenge": env.Challenge})
		return
	}

	if encryptKey != "" && !w.validSignature(req, raw, encryptKey) {
		http.Error(rw, "signature mismatch", http.StatusUnauthorized)
		return
	}

	w.handleEvent(rw, env)
}

// validSignature verifies the provider signature headers against the raw
// (pre-decryption) request body.
func (w *Webhook) validSignature(req *http.Request, raw []byte, key string) bool {
	sig := req.Header.Get("X-Lark-Signature")
	if sig == "" {
		return false
	}

	want := eventSignature(
		req.Header.Get("X-Lark-Request-Timestamp"),
		req.Header.Get("X-Lark-Request-Nonce"),
		key,
		raw,
	)

	return subtle.ConstantTimeCompare([]byte(sig), []byte(want)) == 1
}

// handleEvent applies the filter chain to a decoded event and queues a
// background run when it passes.
func (w *Webhook) handleEvent(rw http.ResponseWriter, env eventEnvelope) {
	eventType := env.Header.EventType
	if eventType == "" {
		eventType = env.Event.Type
	}

	eventID := env.Header.EventID
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.stats.ReceivedCount++

	if !w.cfg.Sync.EventCallbackEnabled {
		writeJSON(rw, rejection(reasonDisabled))
		return
	}

	if eventID != "" && w.isDuplicateLocked(eventID, now) {
		w.stats.DuplicateCount++
		writeJSON(rw, rejection(reasonDuplicate))

		return
	}

	if !matchesEventType(eventType, w.cfg.Sync.TriggerTypes()) {
		w.stats.UnmatchedCount++
		writeJSON(rw, rejection(reasonUnmatched))

		return
	}

	debounce := time.Duration(w.cfg.Sync.EffectiveDebounce()) * time.Second
	if !w.lastRequest.IsZero() && now.Sub(w.lastRequest) < debounce {
		w.stats.DebouncedCount++
		writeJSON(rw, rejection(reasonDebounced))

		return
	}

	if w.pending {
		w.stats.SkippedPending++
		writeJSON(rw, rejection(reasonPending))

		return
	}

	w.lastRequest = now
	w.pending = true
	w.stats.QueuedCount++

	w.logger.Info("webhook_event_queued",
		slog.String("event_type", eventType),
		slog.String("event_id", eventID),
	)

	w.wg.Add(1)
	go w.runJob()

	writeJSON(rw, map[string]any{
		"msg":        "success",
		"queued":     true,
		"event_type": eventType,
		"event_id":   eventID,
	})
}

// isDuplicateLocked records eventID and reports whether it was already seen
// within the TTL. Caller holds w.mu.
func (w *Webhook) isDuplicateLocked(eventID string, now time.Time) bool {
	for id, at := range w.seen {
		if now.Sub(at) > dedupTTL {
			delete(w.seen, id)
		}
	}

	if _, ok := w.seen[eventID]; ok {
		return true
	}

	w.seen[eventID] = now

	return false
}

// runJob waits for the run lock, bounded by the configured timeout, then
// executes one engine run.
func (w *Webhook) runJob() {
	defer w.wg.Done()

	defer func() {
		w.mu.Lock()
		w.pending = false
		w.mu.Unlock()
	}()

	wait := defaultLockWait
	if sec := w.cfg.Sync.EventLockWaitTimeoutSec; sec > 0 {
		wait = time.Duration(sec) * time.Second
	}

	ctx := context.Background()

	if err := w.coord.AcquireWithin(ctx, wait); err != nil {
		w.logger.Warn("webhook run lock wait timed out", slog.String("error", err.Error()))
		return
	}

	defer w.coord.Release()

	w.runner.Run(ctx, "webhook")
}

// Wait blocks until all background jobs have finished.
func (w *Webhook) Wait() {
	w.wg.Wait()
}

// State returns a copy of the counter snapshot.
func (w *Webhook) State() WebhookState {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := w.stats
	s.Pending = w.pending

	return s
}

// matchesEventType reports whether eventType matches any of the configured
// patterns. Patterns use path.Match globs; a literal pattern matches
// exactly.
func matchesEventType(eventType string, patterns []string) bool {
	if eventType == "" {
		return false
	}

	for _, p := range patterns {
		if ok, err := path.Match(p, eventType); err == nil && ok {
			return true
		}
	}

	return false
}

func rejection(reason string) map[string]any {
	return map[string]any{
		"msg":    "success",
		"queued": false,
		"reason": reason,
	}
}

func writeJSON(rw http.ResponseWriter, v any) {
	rw.Header().Set("Content-Type", "application/json")

	// The status line is already written; an encode failure here has no one
	// left to tell.
	_ = json.NewEncoder(rw).Encode(v)
}
