// Package production owns the production-run lifecycle and the downtime tracker.
// Every mutating operation is one store transaction guarded by a keyed lock, so
// concurrent callers can never create a second active run per machine or a
// second open downtime per run.
package production

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/savegress/oeetrack/internal/lock"
	"github.com/savegress/oeetrack/internal/logger"
	"github.com/savegress/oeetrack/internal/metrics"
	"github.com/savegress/oeetrack/internal/oee"
	"github.com/savegress/oeetrack/internal/store"
	"github.com/savegress/oeetrack/pkg/models"
)

// OpenDowntimePolicy decides what EndRun does with a still-open downtime
type OpenDowntimePolicy string

const (
	// AutoClose closes the open downtime at the run's end time
	AutoClose OpenDowntimePolicy = "auto_close"
	// Reject fails EndRun with a StateError until the downtime is ended
	Reject OpenDowntimePolicy = "reject"
)

// Config holds lifecycle configuration
type Config struct {
	OpenDowntimePolicy OpenDowntimePolicy `yaml:"open_downtime_policy"`
}

// CompletionHook is called after a run has been completed and committed
type CompletionHook func(ctx context.Context, run *models.ProductionRun)

// Service implements run lifecycle and downtime tracking
type Service struct {
	store   store.Store
	locker  lock.Locker
	calc    *oee.Calculator
	config  Config
	log     logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string
	hooks   []CompletionHook
}

// Option configures a Service
type Option func(*Service)

// WithLocker replaces the in-process locker, e.g. with a Redis locker
func WithLocker(l lock.Locker) Option {
	return func(s *Service) { s.locker = l }
}

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithMetrics enables Prometheus instrumentation
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source used when callers omit timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithCompletionHook registers a hook fired after EndRun commits
func WithCompletionHook(h CompletionHook) Option {
	return func(s *Service) { s.hooks = append(s.hooks, h) }
}

// NewService creates a new lifecycle service
func NewService(st store.Store, calc *oee.Calculator, config Config, opts ...Option) *Service {
	if config.OpenDowntimePolicy == "" {
		config.OpenDowntimePolicy = AutoClose
	}

	s := &Service{
		store:  st,
		locker: lock.NewLocal(),
		calc:   calc,
		config: config,
		log:    logger.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Calculator returns the OEE calculator in use
func (s *Service) Calculator() *oee.Calculator {
	return s.calc
}

// withLock runs fn while holding the keyed lock
func (s *Service) withLock(ctx context.Context, key string, fn func() error) error {
	release, err := s.locker.Acquire(ctx, key)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return conflict("%s is busy, retry", key)
		}
		return fmt.Errorf("failed to lock %s: %w", key, err)
	}
	defer release()
	return fn()
}

// reject records a rejected operation and passes the error through
func (s *Service) reject(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := Kind(err)
	if s.metrics != nil {
		s.metrics.Rejections.WithLabelValues(op, kind).Inc()
	}
	if kind == "internal" {
		s.log.Error("operation failed", logger.String("operation", op), logger.Err(err))
	} else {
		s.log.Debug("operation rejected", logger.String("operation", op), logger.String("kind", kind), logger.Err(err))
	}
	return err
}

func (s *Service) timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return s.now()
	}
	return t.UTC()
}

func (s *Service) categories(ctx context.Context, r store.Reader) (map[string]models.DowntimeCategory, error) {
	cats, err := r.ListCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list downtime categories: %w", err)
	}
	return store.CategoryIndex(cats), nil
}
