package store

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/qrelscope/qrelscope/internal/bus"
	"github.com/qrelscope/qrelscope/internal/db"
	"github.com/qrelscope/qrelscope/internal/fulltext"
	"github.com/qrelscope/qrelscope/internal/pkg/errors"
	"github.com/qrelscope/qrelscope/internal/pkg/logger"
)

// OperationRecorder receives the outcome of every public store operation.
type OperationRecorder interface {
	RecordOperation(op string, duration time.Duration, err error)
}

// ServiceConfig holds configuration for the store service.
type ServiceConfig struct {
	// Languages lists the corpus languages accepted by CreateCorpus.
	Languages []string

	// DefaultLimit applies when a listing asks for zero results.
	DefaultLimit int

	// MaxLimit caps a page size. Zero disables the cap.
	MaxLimit int

	// BatchSize is the number of rows per INSERT statement.
	BatchSize int

	// Highlight configures search snippets.
	Highlight fulltext.Highlight
}

// DefaultServiceConfig returns the service defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Languages:    []string{"English"},
		DefaultLimit: 10,
		MaxLimit:     1000,
		BatchSize:    250,
		Highlight:    fulltext.DefaultHighlight(),
	}
}

// Service provides catalog reads and mutations over a relational database.
type Service struct {
	db       *db.DB
	fts      fulltext.Dialect
	cfg      ServiceConfig
	log      *logger.Logger
	bus      bus.Bus
	recorder OperationRecorder
}

// NewService creates a store service.
func NewService(database *db.DB, dialect fulltext.Dialect, cfg ServiceConfig, log *logger.Logger) *Service {
	defaults := DefaultServiceConfig()
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = defaults.DefaultLimit
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if len(cfg.Languages) == 0 {
		cfg.Languages = defaults.Languages
	}
	if cfg.Highlight == (fulltext.Highlight{}) {
		cfg.Highlight = defaults.Highlight
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Service{db: database, fts: dialect, cfg: cfg, log: log}
}

// SetBus publishes mutation events to b once they commit.
func (s *Service) SetBus(b bus.Bus) {
	s.bus = b
}

// SetRecorder sets the operation recorder.
func (s *Service) SetRecorder(r OperationRecorder) {
	s.recorder = r
}

// Dialect returns the full-text dialect in use.
func (s *Service) Dialect() fulltext.Dialect {
	return s.fts
}

// MaxLimit returns the largest page size a listing or search accepts.
// Zero means unbounded.
func (s *Service) MaxLimit() int {
	return s.cfg.MaxLimit
}

// DB returns the underlying database handle.
func (s *Service) DB() *db.DB {
	return s.db
}

// AvailableLanguages returns the languages corpora may be created with.
func (s *Service) AvailableLanguages() []string {
	out := make([]string, len(s.cfg.Languages))
	copy(out, s.cfg.Languages)
	return out
}

// canonicalLanguage resolves name case-insensitively to a configured language.
func (s *Service) canonicalLanguage(name string) (string, bool) {
	for _, lang := range s.cfg.Languages {
		if strings.EqualFold(lang, name) {
			return lang, true
		}
	}
	return "", false
}

func (s *Service) observe(op string, start time.Time, err error) {
	if s.recorder != nil {
		s.recorder.RecordOperation(op, time.Since(start), err)
	}
	if err != nil && errors.CodeOf(err) == errors.CodeInternal {
		s.log.Error("store operation failed", "op", op, "error", err)
	}
}

// publish emits a committed mutation. Delivery failures are logged only.
func (s *Service) publish(ctx context.Context, topic string, payload map[string]any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, topic, bus.NewEvent(topic, "store", payload)); err != nil {
		s.log.WithContext(ctx).Warn("failed to publish event", "topic", topic, "error", err)
	}
}

// storageError classifies a database error. Integrity violations become
// Conflict with conflictMsg; anything else is Internal with failMsg. AppErrors
// pass through unchanged.
func storageError(err error, conflictMsg, failMsg string) error {
	if err == nil {
		return nil
	}
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return err
	}
	if db.IsConstraintViolation(err) {
		return errors.ConflictError(conflictMsg, err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.TimeoutError("database operation")
	}
	if stderrors.Is(err, context.Canceled) {
		return errors.Wrap(errors.CodeTimeout, "request cancelled", err)
	}
	return errors.InternalError(failMsg, err)
}

func requireName(kind, name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.MalformedError(kind + " is required")
	}
	return nil
}

// chunk splits n rows into consecutive [start, end) ranges of at most size.
func chunk(n, size int, fn func(start, end int) error) error {
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		if err := fn(start, end); err != nil {
			return err
		}
	}
	return nil
}

// placeholders renders "(?, ?, ...), (...)" for rows of width columns.
func placeholders(rows, width int) string {
	row := "(" + strings.TrimSuffix(strings.Repeat("?, ", width), ", ") + ")"
	return strings.TrimSuffix(strings.Repeat(row+", ", rows), ", ")
}
