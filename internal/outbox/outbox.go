// Package outbox runs the work that follows a committed transition:
// trigger publication and e-signature requests. Jobs are inserted in the
// transition's own transaction, so they exist exactly when the state
// change does.
package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"

	"github.com/pesio-ai/be-doc-approvals/internal/logger"
	"github.com/pesio-ai/be-doc-approvals/internal/repository"
)

// Config configures the job client.
type Config struct {
	// Workers per queue. Zero creates an insert-only client.
	Workers         int
	JobTimeout      time.Duration
	ShutdownTimeout time.Duration
}

// Outbox inserts and works post-commit jobs.
type Outbox struct {
	client *river.Client[pgx.Tx]
	cfg    Config
	log    *logger.Logger

	mu      sync.Mutex
	started bool
}

// New creates the job client and registers the workers.
func New(pool *pgxpool.Pool, cfg Config, deps Deps, log *logger.Logger) (*Outbox, error) {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &triggerWorker{deps: deps, log: log})
	river.AddWorker(workers, &signatureWorker{deps: deps, log: log})

	riverCfg := &river.Config{
		Workers:      workers,
		JobTimeout:   cfg.JobTimeout,
		ErrorHandler: &errorHandler{log: log},
	}
	if cfg.Workers > 0 {
		riverCfg.Queues = map[string]river.QueueConfig{
			QueueTriggers:   {MaxWorkers: cfg.Workers},
			QueueSignatures: {MaxWorkers: cfg.Workers},
		}
	}

	client, err := river.NewClient(riverpgxv5.New(pool), riverCfg)
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	return &Outbox{client: client, cfg: cfg, log: log}, nil
}

// Migrate creates or upgrades the job tables.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("run river migrations: %w", err)
	}
	return nil
}

// EnqueueTx inserts one job per event inside tx.
func (o *Outbox) EnqueueTx(ctx context.Context, tx pgx.Tx, events []repository.OutboxEvent) error {
	if len(events) == 0 {
		return nil
	}

	args := jobArgs(events)
	params := make([]river.InsertManyParams, len(args))
	for i, a := range args {
		params[i] = river.InsertManyParams{Args: a}
	}
	if _, err := o.client.InsertManyTx(ctx, tx, params); err != nil {
		return fmt.Errorf("insert outbox jobs: %w", err)
	}
	return nil
}

// Start begins working jobs. An insert-only outbox does nothing.
func (o *Outbox) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started || o.cfg.Workers == 0 {
		return nil
	}
	if err := o.client.Start(ctx); err != nil {
		return fmt.Errorf("start river client: %w", err)
	}
	o.started = true
	o.log.Info().Int("workers", o.cfg.Workers).Msg("Outbox started")
	return nil
}

// Stop waits for in-flight jobs up to the shutdown timeout.
func (o *Outbox) Stop(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.started {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, o.cfg.ShutdownTimeout)
	defer cancel()

	if err := o.client.Stop(stopCtx); err != nil {
		o.log.Warn().Err(err).Msg("outbox stop did not complete cleanly")
	}
	o.started = false
	o.log.Info().Msg("Outbox stopped")
	return nil
}

// errorHandler logs failed and panicking jobs. River's retry policy applies.
type errorHandler struct {
	log *logger.Logger
}

func (h *errorHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	h.log.Error().Err(err).
		Int64("job_id", job.ID).
		Str("job_kind", job.Kind).
		Int("attempt", job.Attempt).
		Msg("outbox job failed")
	return nil
}

func (h *errorHandler) HandlePanic(ctx context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	h.log.Error().
		Int64("job_id", job.ID).
		Str("job_kind", job.Kind).
		Interface("panic", panicVal).
		Str("trace", trace).
		Msg("outbox job panicked")
	return nil
}
