package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"erp-sync-service/internal/config"
	"erp-sync-service/internal/logger"
	"erp-sync-service/internal/model"
)

// ErrUnknownTarget is returned by Trigger for anything but pull, push or all.
var ErrUnknownTarget = errors.New("unknown sync target")

// Runner runs passes. *Service implements it.
type Runner interface {
	RunPull(ctx context.Context) (*PassSummary, error)
	RunPush(ctx context.Context) (*PassSummary, error)
	RunAll(ctx context.Context) ([]*PassSummary, error)
	Running(dir model.Direction) bool
}

// Scheduler runs pull and push passes on their own intervals. A tick that
// finds the previous pass of its direction still running is skipped.
type Scheduler struct {
	runner Runner
	cron   *cron.Cron
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	cfg     config.SchedulerConfig
	entries map[model.Direction]cron.EntryID
	started bool
	stopped bool
}

func NewScheduler(cfg config.SchedulerConfig, runner Runner) *Scheduler {
	log := logger.Log.Named("scheduler")
	cl := cronLogger{log: log.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:  runner,
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		cfg:     cfg,
		entries: make(map[model.Direction]cron.EntryID),
	}
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.Enabled {
		s.log.Info("Scheduler is disabled")
		return
	}
	if s.started {
		return
	}

	s.log.Info("Starting scheduler",
		zap.Duration("pull_interval", s.cfg.PullInterval),
		zap.Duration("push_interval", s.cfg.PushInterval),
	)
	s.scheduleLocked()
	s.cron.Start()
	s.started = true

	if s.cfg.RunOnStart {
		go s.run(All)
	}
}

// Reschedule applies new intervals without dropping a running pass.
func (s *Scheduler) Reschedule(cfg config.SchedulerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := cfg.PullInterval != s.cfg.PullInterval || cfg.PushInterval != s.cfg.PushInterval
	s.cfg = cfg
	if !s.started || s.stopped || !changed {
		return
	}
	for dir, id := range s.entries {
		s.cron.Remove(id)
		delete(s.entries, dir)
	}
	s.scheduleLocked()
	s.log.Info("Rescheduled sync",
		zap.Duration("pull_interval", cfg.PullInterval),
		zap.Duration("push_interval", cfg.PushInterval),
	)
}

func (s *Scheduler) scheduleLocked() {
	s.entries[model.Pull] = s.cron.Schedule(cron.Every(s.cfg.PullInterval), cron.FuncJob(func() { s.run(string(model.Pull)) }))
	s.entries[model.Push] = s.cron.Schedule(cron.Every(s.cfg.PushInterval), cron.FuncJob(func() { s.run(string(model.Push)) }))
}

// Trigger starts a pass for target (pull, push or all) in the background.
func (s *Scheduler) Trigger(target string) error {
	switch target {
	case string(model.Pull), string(model.Push):
		if s.runner.Running(model.Direction(target)) {
			return ErrPassInProgress
		}
	case All:
		if s.runner.Running(model.Pull) || s.runner.Running(model.Push) {
			return ErrPassInProgress
		}
	default:
		return fmt.Errorf("%w %q", ErrUnknownTarget, target)
	}

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return errors.New("scheduler stopped")
	}

	s.log.Info("Triggering sync", zap.String("target", target))
	go s.run(target)
	return nil
}

func (s *Scheduler) run(target string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	var err error
	switch target {
	case string(model.Pull):
		_, err = s.runner.RunPull(s.ctx)
	case string(model.Push):
		_, err = s.runner.RunPush(s.ctx)
	case All:
		_, err = s.runner.RunAll(s.ctx)
	}
	if errors.Is(err, ErrPassInProgress) {
		s.log.Info("Sync already running, skipping", zap.String("target", target))
	}
}

// Stop prevents new passes, cancels running ones and waits for them until
// ctx is done. In-flight ERP requests finish or hit their own timeout.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.cron.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("Stopped scheduler")
		return nil
	case <-ctx.Done():
		s.log.Warn("Timed out waiting for running passes", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

// Interval returns the configured interval of dir.
func (s *Scheduler) Interval(dir model.Direction) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dir == model.Push {
		return s.cfg.PushInterval
	}
	return s.cfg.PullInterval
}

// cronLogger routes cron's own logging to zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
