package enrichment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/widsctx/internal/observability"
	"github.com/lvonguyen/widsctx/internal/store"
)

// Outcome is the terminal state of one document within one cycle.
type Outcome string

const (
	OutcomeWritten       Outcome = "written"
	OutcomeRejected      Outcome = "rejected"
	OutcomeGatewayFailed Outcome = "gateway_failed"
	OutcomeWriteFailed   Outcome = "write_failed"
	OutcomeSkipped       Outcome = "skipped"
)

// needsBackoff reports whether the loop pauses before the next document.
// Write failures are logged and the batch moves on without a pause.
func (o Outcome) needsBackoff() bool {
	return o == OutcomeRejected || o == OutcomeGatewayFailed
}

// Config tunes the loop.
type Config struct {
	PollInterval    time.Duration
	BatchSize       int
	TimeWindow      string
	ErrorBackoff    time.Duration
	WriteStructured bool
}

// CycleResult summarizes one discovery pass.
type CycleResult struct {
	CycleID    string
	Discovered int
	Outcomes   map[Outcome]int
}

// Stats are cumulative loop counters, safe to read from other goroutines.
type Stats struct {
	Cycles          int64     `json:"cycles"`
	CycleErrors     int64     `json:"cycle_errors"`
	Discovered      int64     `json:"discovered"`
	Written         int64     `json:"written"`
	Rejected        int64     `json:"rejected"`
	GatewayFailures int64     `json:"gateway_failures"`
	WriteFailures   int64     `json:"write_failures"`
	Skipped         int64     `json:"skipped"`
	LastCycleAt     time.Time `json:"last_cycle_at,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
}

// Enricher discovers unenriched documents and enriches them one at a time.
// It keeps no state about documents between cycles: eligibility is decided
// by the store query alone, so restarts are safe.
type Enricher struct {
	store   Store
	model   Model
	cache   ResponseCache
	config  Config
	logger  *zap.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	counters counters
}

type counters struct {
	cycles        atomic.Int64
	cycleErrors   atomic.Int64
	discovered    atomic.Int64
	written       atomic.Int64
	rejected      atomic.Int64
	gatewayFailed atomic.Int64
	writeFailed   atomic.Int64
	skipped       atomic.Int64
	lastCycle     atomic.Int64 // unix nanoseconds

	mu        sync.Mutex
	lastError string
}

// Option customizes an Enricher.
type Option func(*Enricher)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Enricher) { e.logger = logger }
}

// WithMetrics records loop metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Enricher) { e.metrics = m }
}

// WithTracer sets the tracer for cycle and document spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Enricher) { e.tracer = t }
}

// WithCache keeps validated responses whose write failed.
func WithCache(c ResponseCache) Option {
	return func(e *Enricher) { e.cache = c }
}

// New creates an Enricher.
func New(s Store, m Model, cfg Config, opts ...Option) (*Enricher, error) {
	if s == nil {
		return nil, errors.New("store is required")
	}
	if m == nil {
		return nil, errors.New("model is required")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.PollInterval <= 0 || cfg.ErrorBackoff <= 0 {
		return nil, errors.New("poll interval and error backoff must be positive")
	}

	e := &Enricher{
		store:  s,
		model:  m,
		config: cfg,
		logger: zap.NewNop(),
		tracer: otel.Tracer("github.com/lvonguyen/widsctx/internal/enrichment"),
		sleep:  sleepContext,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run polls until ctx is cancelled, then returns nil. Discovery failures and
// panics inside a cycle are logged and followed by the error backoff; they
// never end the loop.
func (e *Enricher) Run(ctx context.Context) error {
	e.logger.Info("Starting enrichment loop",
		zap.Duration("poll_interval", e.config.PollInterval),
		zap.Int("batch_size", e.config.BatchSize),
		zap.String("time_window", e.config.TimeWindow),
		zap.Duration("error_backoff", e.config.ErrorBackoff),
		zap.String("model", e.model.Model()),
	)

	for {
		if ctx.Err() != nil {
			break
		}

		wait := e.config.PollInterval
		if _, err := e.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			e.logger.Error("Worker loop error", zap.Error(err))
			wait = e.config.ErrorBackoff
		}

		if err := e.sleep(ctx, wait); err != nil {
			break
		}
	}

	e.logger.Info("Stopping context enricher")
	return nil
}

// RunCycle performs one discovery pass and processes the batch in order.
func (e *Enricher) RunCycle(ctx context.Context) (result CycleResult, err error) {
	result = CycleResult{CycleID: uuid.NewString(), Outcomes: make(map[Outcome]int)}
	log := e.logger.With(zap.String("cycle_id", result.CycleID))

	ctx, span := e.tracer.Start(ctx, "enrichment.cycle",
		trace.WithAttributes(attribute.String("cycle.id", result.CycleID)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in enrichment cycle: %v", r)
		}
		e.finishCycle(result, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	docs, err := e.store.FindMissingContext(ctx, e.config.TimeWindow, e.config.BatchSize)
	if err != nil {
		return result, fmt.Errorf("discovering documents: %w", err)
	}
	if len(docs) > e.config.BatchSize {
		docs = docs[:e.config.BatchSize]
	}
	result.Discovered = len(docs)
	span.SetAttributes(attribute.Int("cycle.discovered", len(docs)))

	if len(docs) == 0 {
		log.Debug("No documents missing context")
		return result, nil
	}
	log.Info("Discovered documents missing context", zap.Int("count", len(docs)))

	for _, doc := range docs {
		if ctx.Err() != nil {
			break
		}

		outcome := e.processDocument(ctx, log, doc)
		result.Outcomes[outcome]++
		e.recordOutcome(outcome)

		if outcome.needsBackoff() {
			if e.sleep(ctx, e.config.ErrorBackoff) != nil {
				break
			}
		}
	}

	return result, nil
}

func (e *Enricher) processDocument(ctx context.Context, log *zap.Logger, doc store.Document) Outcome {
	if doc.ID == "" || len(doc.Source) == 0 {
		return OutcomeSkipped
	}
	log = log.With(zap.String("doc_id", doc.ID))

	ctx, span := e.tracer.Start(ctx, "enrichment.document",
		trace.WithAttributes(attribute.String("document.id", doc.ID)))
	defer span.End()

	cacheKey := doc.ID + ":" + e.model.Model()
	raw, cached := e.cachedResponse(ctx, log, cacheKey)
	if cached {
		log.Debug("Reusing cached model response")
	} else {
		prompt := BuildPrompt(doc.Source)

		start := e.now()
		raw = e.model.Infer(ctx, prompt)
		if e.metrics != nil {
			e.metrics.InferenceDuration.Observe(e.now().Sub(start).Seconds())
		}

		if raw == "" {
			log.Warn("No usable model response; document left for a later cycle")
			span.SetStatus(codes.Error, "empty model response")
			return OutcomeGatewayFailed
		}
	}

	resp, ok := ParseResponse(raw)
	if !ok {
		log.Warn("Model response is not a JSON object; document left for a later cycle",
			zap.String("response_sample", truncate(raw, 200)))
		span.SetStatus(codes.Error, "invalid model response")
		if cached {
			e.dropCached(ctx, log, cacheKey)
		}
		return OutcomeRejected
	}

	summary := ComposeSummary(resp)
	record := NewContextRecord(resp, summary, e.model.Model(), e.now(), e.config.WriteStructured)

	start := e.now()
	err := e.store.WriteContext(ctx, doc.ID, record)
	if e.metrics != nil {
		e.metrics.WriteDuration.Observe(e.now().Sub(start).Seconds())
	}
	if err != nil {
		log.Error("Failed to write context", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		e.storeCached(ctx, log, cacheKey, raw)
		return OutcomeWriteFailed
	}

	if cached {
		e.dropCached(ctx, log, cacheKey)
	}
	if e.metrics != nil {
		e.metrics.LastWrite.SetToCurrentTime()
	}
	log.Info("Updated doc with context.summary",
		zap.String("threat_type", string(resp.ThreatType)))
	return OutcomeWritten
}

func (e *Enricher) cachedResponse(ctx context.Context, log *zap.Logger, key string) (string, bool) {
	if e.cache == nil {
		return "", false
	}
	raw, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		log.Warn("Response cache lookup failed", zap.Error(err))
		return "", false
	}
	return raw, ok && raw != ""
}

func (e *Enricher) storeCached(ctx context.Context, log *zap.Logger, key, raw string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Set(ctx, key, raw); err != nil {
		log.Warn("Response cache store failed", zap.Error(err))
	}
}

func (e *Enricher) dropCached(ctx context.Context, log *zap.Logger, key string) {
	if err := e.cache.Delete(ctx, key); err != nil {
		log.Warn("Response cache delete failed", zap.Error(err))
	}
}

func (e *Enricher) recordOutcome(o Outcome) {
	switch o {
	case OutcomeWritten:
		e.counters.written.Add(1)
	case OutcomeRejected:
		e.counters.rejected.Add(1)
	case OutcomeGatewayFailed:
		e.counters.gatewayFailed.Add(1)
	case OutcomeWriteFailed:
		e.counters.writeFailed.Add(1)
	case OutcomeSkipped:
		e.counters.skipped.Add(1)
	}
	if e.metrics != nil {
		e.metrics.Documents.WithLabelValues(string(o)).Inc()
	}
}

func (e *Enricher) finishCycle(result CycleResult, err error) {
	e.counters.cycles.Add(1)
	e.counters.discovered.Add(int64(result.Discovered))
	e.counters.lastCycle.Store(e.now().UnixNano())

	label := observability.CycleProcessed
	switch {
	case err != nil:
		label = observability.CycleError
		e.counters.cycleErrors.Add(1)
		e.counters.mu.Lock()
		e.counters.lastError = err.Error()
		e.counters.mu.Unlock()
	case result.Discovered == 0:
		label = observability.CycleEmpty
	}

	if e.metrics != nil {
		e.metrics.Cycles.WithLabelValues(label).Inc()
		if err == nil {
			e.metrics.BatchSize.Observe(float64(result.Discovered))
		}
	}
}

// Stats returns a snapshot of the loop counters.
func (e *Enricher) Stats() Stats {
	s := Stats{
		Cycles:          e.counters.cycles.Load(),
		CycleErrors:     e.counters.cycleErrors.Load(),
		Discovered:      e.counters.discovered.Load(),
		Written:         e.counters.written.Load(),
		Rejected:        e.counters.rejected.Load(),
		GatewayFailures: e.counters.gatewayFailed.Load(),
		WriteFailures:   e.counters.writeFailed.Load(),
		Skipped:         e.counters.skipped.Load(),
	}
	if ns := e.counters.lastCycle.Load(); ns != 0 {
		s.LastCycleAt = time.Unix(0, ns).UTC()
	}
	e.counters.mu.Lock()
	s.LastError = e.counters.lastError
	e.counters.mu.Unlock()
	return s
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
