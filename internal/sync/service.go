package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"erp-sync-service/internal/config"
	"erp-sync-service/internal/logger"
	"erp-sync-service/internal/mapper"
	"erp-sync-service/internal/model"
	"erp-sync-service/internal/rules"
	"erp-sync-service/internal/store"
)

// Options are the reloadable settings of the service.
type Options struct {
	Deletes     config.DeletesConfig
	PushOverlap time.Duration
}

// Service runs synchronization passes between the ERP and the internal
// customer store.
type Service struct {
	gateway   Gateway
	customers store.CustomerStore
	store     store.Store
	conflicts *ConflictManager
	columns   mapper.ColumnMap
	log       *zap.Logger
	now       func() time.Time

	engine atomic.Pointer[rules.Engine]

	mu      sync.Mutex
	opts    Options
	running map[model.Direction]bool
	states  map[model.Direction]State
	last    map[model.Direction]*PassSummary
}

func NewService(gateway Gateway, customers store.CustomerStore, st store.Store, engine *rules.Engine, columns mapper.ColumnMap, opts Options) *Service {
	s := &Service{
		gateway:   gateway,
		customers: customers,
		store:     st,
		conflicts: NewConflictManager(st),
		columns:   columns,
		log:       logger.Log.Named("sync"),
		now:       func() time.Time { return time.Now().UTC() },
		opts:      opts,
		running:   make(map[model.Direction]bool),
		states:    map[model.Direction]State{model.Pull: StateIdle, model.Push: StateIdle},
		last:      make(map[model.Direction]*PassSummary),
	}
	if engine == nil {
		engine = rules.Default()
	}
	s.engine.Store(engine)
	return s
}

// SetRules swaps the rule table. Passes already running keep the table they
// started with.
func (s *Service) SetRules(engine *rules.Engine) {
	s.engine.Store(engine)
}

// SetOptions replaces the reloadable settings for future passes.
func (s *Service) SetOptions(opts Options) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts = opts
}

// Running reports whether a pass for dir is in progress.
func (s *Service) Running(dir model.Direction) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[dir]
}

// Status returns the state of both directions.
func (s *Service) Status() map[model.Direction]DirectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[model.Direction]DirectionStatus, 2)
	for _, dir := range []model.Direction{model.Pull, model.Push} {
		out[dir] = DirectionStatus{State: s.states[dir], Running: s.running[dir], Last: s.last[dir]}
	}
	return out
}

// RunPull fetches the ERP customer list and merges it into the internal store.
func (s *Service) RunPull(ctx context.Context) (*PassSummary, error) {
	return s.run(ctx, model.Pull, s.pull)
}

// RunPush submits internal changes since the last push to the ERP.
func (s *Service) RunPush(ctx context.Context) (*PassSummary, error) {
	return s.run(ctx, model.Push, s.push)
}

// RunAll runs a pull pass and then a push pass. The push runs even when the
// pull failed.
func (s *Service) RunAll(ctx context.Context) ([]*PassSummary, error) {
	var summaries []*PassSummary
	pull, pullErr := s.RunPull(ctx)
	if pull != nil {
		summaries = append(summaries, pull)
	}
	if ctx.Err() != nil {
		return summaries, errors.Join(pullErr, ctx.Err())
	}
	push, pushErr := s.RunPush(ctx)
	if push != nil {
		summaries = append(summaries, push)
	}
	return summaries, errors.Join(pullErr, pushErr)
}

// passFunc executes one phase and fills the summary.
type passFunc func(ctx context.Context, p *pass) error

// pass carries what stays fixed during one pass.
type pass struct {
	summary *PassSummary
	engine  *rules.Engine
	opts    Options
	state   *store.SyncState
}

func (s *Service) run(ctx context.Context, dir model.Direction, fn passFunc) (*PassSummary, error) {
	s.mu.Lock()
	if s.running[dir] {
		s.mu.Unlock()
		return nil, ErrPassInProgress
	}
	s.running[dir] = true
	opts := s.opts
	s.mu.Unlock()

	p := &pass{
		summary: &PassSummary{ID: uuid.New().String(), Direction: dir, StartedAt: s.now()},
		engine:  s.engine.Load(),
		opts:    opts,
	}
	log := s.log.With(zap.String("direction", string(dir)), zap.String("pass", p.summary.ID))
	log.Info("Starting sync pass")

	p.state = s.beginBookkeeping(ctx, p.summary)
	err := fn(ctx, p)
	p.summary.finish(s.now(), err)
	s.endBookkeeping(ctx, p)

	s.mu.Lock()
	s.running[dir] = false
	s.last[dir] = p.summary
	if err != nil {
		s.states[dir] = StateFailed
	} else {
		s.states[dir] = StateIdle
	}
	s.mu.Unlock()

	if err != nil {
		log.Error("Sync pass failed", zap.Error(err), zap.Stringer("summary", p.summary))
		return p.summary, fmt.Errorf("%s pass: %w", dir, err)
	}
	log.Info("Sync pass finished", zap.Stringer("summary", p.summary))
	return p.summary, nil
}

func (s *Service) setState(dir model.Direction, state State) {
	s.mu.Lock()
	s.states[dir] = state
	s.mu.Unlock()
}

// beginBookkeeping marks the direction running and opens a history row.
// Bookkeeping failures are logged; they never fail a pass.
func (s *Service) beginBookkeeping(ctx context.Context, sum *PassSummary) *store.SyncState {
	ctx = context.WithoutCancel(ctx)
	state, err := s.store.GetSyncState(ctx, sum.Direction)
	if err != nil {
		s.log.Warn("Failed to read sync state", zap.String("direction", string(sum.Direction)), zap.Error(err))
	}
	if state == nil {
		state = &store.SyncState{Direction: string(sum.Direction)}
	}
	state.Status = store.StatusRunning
	if err := s.store.UpdateSyncState(ctx, state); err != nil {
		s.log.Warn("Failed to update sync state", zap.Error(err))
	}

	history := &store.SyncHistory{
		ID:        sum.ID,
		StartedAt: sum.StartedAt,
		Direction: string(sum.Direction),
		Status:    store.StatusRunning,
	}
	if err := s.store.CreateSyncHistory(ctx, history); err != nil {
		s.log.Warn("Failed to create sync history", zap.Error(err))
	}
	return state
}

func (s *Service) endBookkeeping(ctx context.Context, p *pass) {
	// The pass context may already be canceled; bookkeeping must still land.
	ctx = context.WithoutCancel(ctx)
	sum := p.summary

	var errMsg sql.NullString
	if sum.Err != nil {
		errMsg = sql.NullString{String: sum.Err.Error(), Valid: true}
	}

	p.state.Status = sum.Status
	p.state.LastRunAt = sql.NullTime{Time: sum.StartedAt, Valid: true}
	p.state.ErrorMessage = errMsg
	if err := s.store.UpdateSyncState(ctx, p.state); err != nil {
		s.log.Warn("Failed to update sync state", zap.Error(err))
	}

	history := &store.SyncHistory{
		ID:           sum.ID,
		CompletedAt:  sql.NullTime{Time: sum.CompletedAt, Valid: true},
		Fetched:      sum.Fetched,
		Created:      sum.Created,
		Updated:      sum.Updated,
		Deleted:      sum.Deleted,
		Skipped:      sum.Skipped,
		Rejected:     sum.Rejected,
		Failed:       sum.Failed,
		Conflicts:    sum.Conflicts,
		Status:       sum.Status,
		ErrorMessage: errMsg,
	}
	if err := s.store.UpdateSyncHistory(ctx, history); err != nil {
		s.log.Warn("Failed to update sync history", zap.Error(err))
	}
}
