package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"datacore/internal/apperr"
	"datacore/internal/blob"
	"datacore/internal/config"
	"datacore/internal/domain"
	"datacore/internal/etl"
	"datacore/internal/etl/sources"
	"datacore/internal/metrics"
	"datacore/internal/notify"
	"datacore/internal/recordstore"
	"datacore/internal/secret"
)

// ─────────────────────────────────────────────────────────────
// Pull Service — REDCap project pulls under a time budget
// ─────────────────────────────────────────────────────────────

// RedcapFactory returns the API client of one project.
type RedcapFactory func(project, token string) sources.RedcapAPI

// PullRequest asks for one project to be pulled into its models.
// Empty Models uses the project's pull plan.
type PullRequest struct {
	Project string   `json:"project" validate:"required"`
	Models  []string `json:"models"`
	Emails  []string `json:"emails" validate:"required,min=1,dive,email"`
}

// PullAck acknowledges a queued pull.
type PullAck struct {
	Project string   `json:"project"`
	Models  []string `json:"models"`
	Status  string   `json:"status"`
}

// PullOptions is the time budget and retry policy of a pull.
type PullOptions struct {
	SoftLimit  time.Duration
	HardLimit  time.Duration
	ExtendBy   time.Duration
	MaxRetries int
	RetryDelay time.Duration
	PageSize   int
}

type PullService struct {
	catalog   *config.Catalog
	models    *recordstore.Registry
	blobs     blob.Store
	secrets   secret.Store
	newClient RedcapFactory
	runs      domain.JobRunStore
	queue     *Queue
	notifier  notify.Notifier
	emitter   EventEmitter
	opts      PullOptions
	guard     runningGuard
	log       *zap.Logger
	now       func() time.Time
}

func NewPullService(
	catalog *config.Catalog,
	models *recordstore.Registry,
	blobs blob.Store,
	secrets secret.Store,
	newClient RedcapFactory,
	runs domain.JobRunStore,
	queue *Queue,
	notifier notify.Notifier,
	emitter EventEmitter,
	opts PullOptions,
	log *zap.Logger,
) *PullService {
	return &PullService{
		catalog:   catalog,
		models:    models,
		blobs:     blobs,
		secrets:   secrets,
		newClient: newClient,
		runs:      runs,
		queue:     queue,
		notifier:  notifier,
		emitter:   emitter,
		opts:      opts,
		log:       log.Named("pull"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// pullAttempt is the state carried from one attempt to its reschedule.
type pullAttempt struct {
	Project string
	Models  []string
	Emails  []string
	Attempt int
	Soft    time.Duration
	Hard    time.Duration
}

// Pull validates req and queues the first attempt.
func (s *PullService) Pull(ctx context.Context, req PullRequest) (*PullAck, error) {
	if err := config.Validate(req); err != nil {
		return nil, err
	}
	plan, ok := s.catalog.Pull[req.Project]
	if !ok {
		return nil, apperr.NotFound("no pull plan for project %q", req.Project)
	}
	models := req.Models
	if len(models) == 0 {
		models = plan.Models
	}
	for _, m := range models {
		if _, err := s.models.Resolve(m); err != nil {
			return nil, apperr.Invalid("unknown model %q", m)
		}
	}
	if _, err := secret.Require(s.secrets, secret.RedcapTokenKey(req.Project)); err != nil {
		return nil, apperr.Invalid("%v", err)
	}

	a := pullAttempt{
		Project: req.Project,
		Models:  models,
		Emails:  req.Emails,
		Attempt: 1,
		Soft:    s.opts.SoftLimit,
		Hard:    s.opts.HardLimit,
	}
	if err := s.queue.Enqueue(s.task(a)); err != nil {
		return nil, fmt.Errorf("queue pull %s: %w", req.Project, err)
	}
	s.log.Info("pull queued", zap.String("project", req.Project), zap.Strings("models", models))
	return &PullAck{Project: req.Project, Models: models, Status: "queued"}, nil
}

// errPullBusy is returned by run when another attempt holds the project.
var errPullBusy = errors.New("pull already running")

// busyDelay is the requeue delay of a blocked attempt when no RetryDelay
// is configured.
const busyDelay = time.Second

func (s *PullService) task(a pullAttempt) Task {
	return Task{
		Kind: "pull",
		Name: a.Project,
		Run: func(ctx context.Context) error {
			next, err := s.run(ctx, a)
			switch {
			case errors.Is(err, errPullBusy):
				s.requeue(context.WithoutCancel(ctx), a)
				return nil
			case next != nil:
				s.reschedule(context.WithoutCancel(ctx), a, *next, err)
			}
			return err
		},
		Dropped: func(err error) {
			log := s.log.With(zap.String("project", a.Project), zap.Int("attempt", a.Attempt))
			s.terminal(context.Background(), log, a, fmt.Errorf("pull dropped before it ran: %w", err))
		},
	}
}

// requeue retries an attempt that found its project busy. The attempt
// keeps its number and budgets.
func (s *PullService) requeue(ctx context.Context, a pullAttempt) {
	log := s.log.With(zap.String("project", a.Project), zap.Int("attempt", a.Attempt))
	delay := s.opts.RetryDelay
	if delay <= 0 {
		delay = busyDelay
	}
	if err := s.queue.EnqueueAfter(delay, s.task(a)); err != nil {
		s.terminal(ctx, log, a, fmt.Errorf("%w; requeue failed: %v", errPullBusy, err))
		return
	}
	log.Info("pull already running; requeued", zap.Duration("delay", delay))
}

// reschedule queues next once the project guard of a is released.
func (s *PullService) reschedule(ctx context.Context, a, next pullAttempt, cause error) {
	log := s.log.With(zap.String("project", a.Project), zap.Int("attempt", a.Attempt))
	if err := s.queue.EnqueueAfter(s.opts.RetryDelay, s.task(next)); err != nil {
		log.Error("reschedule pull", zap.Error(err))
		s.terminal(ctx, log, a, fmt.Errorf("%w; reschedule failed: %v", cause, err))
		return
	}
	log.Warn("pull exceeded its time budget; rescheduled",
		zap.Duration("soft_limit", next.Soft),
		zap.Duration("hard_limit", next.Hard),
		zap.Duration("delay", s.opts.RetryDelay))
	s.emitter.Emit(ctx, EventPullRescheduled, map[string]any{
		"project": a.Project, "attempt": next.Attempt,
	})
}

// run executes one attempt, or returns errPullBusy if the project is
// already being pulled. A run that overruns its soft budget is
// recorded and returns the next attempt with both budgets extended, up to
// MaxRetries times. Every other failure is terminal and notified once.
func (s *PullService) run(ctx context.Context, a pullAttempt) (*pullAttempt, error) {
	if !s.guard.TryLock(a.Project) {
		return nil, errPullBusy
	}
	defer s.guard.Unlock(a.Project)

	log := s.log.With(zap.String("project", a.Project), zap.Int("attempt", a.Attempt))
	started := s.now()
	res, err := s.sync(ctx, a)
	metrics.PullDuration.Observe(s.now().Sub(started).Seconds())

	run := &domain.JobRun{
		Kind:       domain.JobPull,
		Name:       a.Project,
		Attempt:    a.Attempt,
		StartedAt:  started,
		FinishedAt: s.now(),
	}
	if res != nil {
		run.RowsRead = res.RowsRead
		run.RowsWritten = res.RowsWritten
		run.Warnings = res.Warnings
	}
	bg := context.WithoutCancel(ctx)

	switch {
	case err == nil:
		run.Status = domain.RunSuccess
		s.record(bg, run)
		metrics.PullRunsTotal.WithLabelValues(domain.RunSuccess).Inc()
		log.Info("pull complete",
			zap.Int("rows_read", res.RowsRead),
			zap.Int("rows_written", res.RowsWritten),
			zap.Int("warnings", len(res.Warnings)))
		notify.Deliver(bg, s.notifier, log, pullCompletedMessage(a.Project, a.Emails, res))
		s.emitter.Emit(bg, EventPullCompleted, map[string]any{
			"project": a.Project, "attempt": a.Attempt,
			"rowsWritten": res.RowsWritten, "warnings": len(res.Warnings),
		})
		return nil, nil

	case errors.Is(err, apperr.ErrTimeBudgetExceeded) && a.Attempt <= s.opts.MaxRetries:
		run.Status = domain.RunRescheduled
		run.Error = err.Error()
		s.record(bg, run)
		metrics.PullRunsTotal.WithLabelValues(domain.RunRescheduled).Inc()

		next := a
		next.Attempt++
		next.Soft += s.opts.ExtendBy
		next.Hard += s.opts.ExtendBy
		return &next, err

	default:
		run.Status = domain.RunError
		run.Error = err.Error()
		s.record(bg, run)
		s.terminal(bg, log, a, err)
		return nil, err
	}
}

func (s *PullService) terminal(ctx context.Context, log *zap.Logger, a pullAttempt, err error) {
	metrics.PullRunsTotal.WithLabelValues(domain.RunError).Inc()
	log.Error("pull failed", zap.Error(err))
	notify.Deliver(ctx, s.notifier, log, pullFailedMessage(a.Project, a.Emails, a.Attempt, err))
	s.emitter.Emit(ctx, EventPullFailed, map[string]any{
		"project": a.Project, "attempt": a.Attempt, "error": err.Error(),
	})
}

func (s *PullService) record(ctx context.Context, run *domain.JobRun) {
	if s.runs == nil {
		return
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		s.log.Error("record pull run", zap.String("project", run.Name), zap.Error(err))
	}
}

// sync runs the source → destination pipeline under the attempt budget.
// The soft limit cancels the run; if it has not returned by the hard
// limit it is abandoned.
func (s *PullService) sync(ctx context.Context, a pullAttempt) (*etl.SyncResult, error) {
	token, err := secret.Require(s.secrets, secret.RedcapTokenKey(a.Project))
	if err != nil {
		return nil, err
	}
	plan := s.catalog.Pull[a.Project]
	src := sources.NewRedcap(s.newClient(a.Project, token), sources.RedcapOptions{
		Project:    a.Project,
		Blobs:      s.blobs,
		Remap:      s.catalog.RemapFor(plan.RemapVersion),
		FileFields: plan.FileFields,
		PageSize:   s.opts.PageSize,
		Logger:     s.log,
	})
	engine := &etl.Engine{Dest: &etl.RecordStoreWriter{Models: s.models}}
	job := &etl.SyncJob{
		ID:         uuid.New().String(),
		Name:       a.Project,
		Source:     src,
		Transforms: []etl.Transformer{&etl.StampTransform{Values: map[string]any{"project": a.Project}}},
		Targets:    a.Models,
		Mode:       etl.WriteUpsert,
		Resume:     true,
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if a.Soft > 0 {
		soft := time.AfterFunc(a.Soft, func() { cancel(apperr.ErrTimeBudgetExceeded) })
		defer soft.Stop()
	}

	type outcome struct {
		res *etl.SyncResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := engine.RunSync(runCtx, job)
		done <- outcome{res, err}
	}()

	var hardC <-chan time.Time
	if a.Hard > 0 {
		hard := time.NewTimer(a.Hard)
		defer hard.Stop()
		hardC = hard.C
	}

	select {
	case o := <-done:
		if o.err != nil && errors.Is(context.Cause(runCtx), apperr.ErrTimeBudgetExceeded) {
			return o.res, fmt.Errorf("soft limit %s: %w", a.Soft, apperr.ErrTimeBudgetExceeded)
		}
		return o.res, o.err
	case <-hardC:
		cancel(apperr.ErrTimeBudgetExceeded)
		return nil, fmt.Errorf("hard limit %s: %w", a.Hard, apperr.ErrTimeBudgetExceeded)
	}
}

// WaitRunning blocks until running pulls finish or ctx is done.
func (s *PullService) WaitRunning(ctx context.Context) {
	s.guard.WaitAll(ctx)
}
