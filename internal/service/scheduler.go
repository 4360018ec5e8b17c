package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ─────────────────────────────────────────────────────────────
// Scheduler — cron pulls and the CSV drop-directory watcher
// ─────────────────────────────────────────────────────────────

// Puller is the part of PullService the scheduler drives.
type Puller interface {
	Pull(ctx context.Context, req PullRequest) (*PullAck, error)
}

// Ingester is the part of IngestService the scheduler drives.
type Ingester interface {
	ManifestFor(path string) ([]string, bool)
	Ingest(ctx context.Context, path string, models []string) error
}

type ScheduleOptions struct {
	// Spec is a standard 5-field cron expression. Empty disables pulls.
	Spec     string
	Projects []string
	Emails   []string
	// WatchDir is watched for manifest files. Empty disables the watcher.
	WatchDir string
	Debounce time.Duration
}

const defaultDebounce = 500 * time.Millisecond

type Scheduler struct {
	pulls  Puller
	ingest Ingester
	opts   ScheduleOptions
	log    *zap.Logger

	mu          sync.Mutex
	cronSched   *cron.Cron
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

func NewScheduler(pulls Puller, ingest Ingester, opts ScheduleOptions, log *zap.Logger) *Scheduler {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	return &Scheduler{pulls: pulls, ingest: ingest, opts: opts, log: log.Named("scheduler")}
}

// Start installs the cron schedule and the directory watcher. Calling it
// again restarts both.
func (s *Scheduler) Start(ctx context.Context) error {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()

	// ── Cron pulls ──
	if s.opts.Spec != "" {
		c := cron.New()
		if _, err := c.AddFunc(s.opts.Spec, func() { s.runScheduledPulls(ctx) }); err != nil {
			return fmt.Errorf("invalid pull schedule %q: %w", s.opts.Spec, err)
		}
		c.Start()
		s.cronSched = c
		s.log.Info("pull schedule installed",
			zap.String("spec", s.opts.Spec),
			zap.Strings("projects", s.opts.Projects))
	}

	// ── Drop-directory watcher ──
	if s.opts.WatchDir == "" {
		return nil
	}
	dir, err := filepath.Abs(s.opts.WatchDir)
	if err != nil {
		return fmt.Errorf("watch dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	s.watcher = watcher

	watchCtx, cancel := context.WithCancel(ctx)
	s.watchCancel = cancel
	s.watchDone = make(chan struct{})
	go s.watch(watchCtx, watcher, s.watchDone)

	s.log.Info("watching ingest directory", zap.String("dir", dir))
	return nil
}

func (s *Scheduler) runScheduledPulls(ctx context.Context) {
	for _, project := range s.opts.Projects {
		ack, err := s.pulls.Pull(ctx, PullRequest{Project: project, Emails: s.opts.Emails})
		if err != nil {
			s.log.Error("scheduled pull not queued", zap.String("project", project), zap.Error(err))
			continue
		}
		s.log.Info("scheduled pull queued", zap.String("project", ack.Project))
	}
}

func (s *Scheduler) watch(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	timers := make(map[string]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			path, _ := filepath.Abs(event.Name)
			models, ok := s.ingest.ManifestFor(path)
			if !ok {
				continue
			}
			if t, exists := timers[path]; exists {
				t.Stop()
			}
			timers[path] = time.AfterFunc(s.opts.Debounce, func() {
				s.log.Info("ingest file changed", zap.String("file", path))
				if err := s.ingest.Ingest(ctx, path, models); err != nil {
					s.log.Error("ingest not queued", zap.String("file", path), zap.Error(err))
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("watcher error", zap.Error(err))
		}
	}
}

// Stop tears down the schedule and the watcher. Safe to call repeatedly.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
	if s.watchDone != nil {
		<-s.watchDone
		s.watchDone = nil
	}
	if s.cronSched != nil {
		<-s.cronSched.Stop().Done()
		s.cronSched = nil
	}
}
