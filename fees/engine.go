package fees

import (
	"log/slog"
	"time"
)

// DefaultMaxRetries bounds how often a payment is re-run after a
// concurrency conflict.
const DefaultMaxRetries = 3

// Observer receives engine events for metrics. Implementations must be
// safe for concurrent use.
type Observer interface {
	AllocationFinished(result PaymentResult, elapsed time.Duration)
	AuditFailed(entityType AuditEntityType, action AuditAction)
}

type nopObserver struct{}

func (nopObserver) AllocationFinished(PaymentResult, time.Duration) {}
func (nopObserver) AuditFailed(AuditEntityType, AuditAction)        {}

// Engine wires the fee components to a store.
type Engine struct {
	store      TxStore
	logger     *slog.Logger
	observer   Observer
	now        func() time.Time
	maxRetries int
	adjuster   ExceptionAdjuster
	aggregator ObligationAggregator
	audit      *AuditRecorder
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithMaxRetries(n int) Option {
	return func(e *Engine) { e.maxRetries = n }
}

func NewEngine(store TxStore, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		logger:     slog.Default(),
		observer:   nopObserver{},
		now:        func() time.Time { return time.Now().UTC() },
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.audit = &AuditRecorder{Logger: e.logger, Observer: e.observer, Now: e.now}
	return e
}

// Store exposes the underlying store for read-only callers (API listings).
func (e *Engine) Store() TxStore {
	return e.store
}

func (e *Engine) creditLedger(tx Store, performedBy string) *CreditLedger {
	return &CreditLedger{Store: tx, Audit: e.audit, Now: e.now, PerformedBy: performedBy}
}
