// Package executor runs the report workflow: plan, review, research fan-out,
// join, finalize and compile, checkpointing at every suspension point and
// unit boundary so a thread can be resumed from its last position.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportflow/internal/approval"
	"github.com/Kocoro-lab/reportflow/internal/checkpoint"
	"github.com/Kocoro-lab/reportflow/internal/metrics"
	"github.com/Kocoro-lab/reportflow/internal/planner"
	"github.com/Kocoro-lab/reportflow/internal/report"
	"github.com/Kocoro-lab/reportflow/internal/research"
	"github.com/Kocoro-lab/reportflow/internal/streaming"
)

var (
	ErrPlanningFailed        = errors.New("planning failed")
	ErrCheckpointUnavailable = errors.New("checkpoint store unavailable")
	ErrThreadNotFound        = errors.New("thread not found")
	ErrNotSuspended          = errors.New("thread is not suspended")
	ErrThreadBusy            = errors.New("thread is already running")
)

// UnitRunner researches and writes single units.
type UnitRunner interface {
	Run(ctx context.Context, job research.Job) report.Unit
	Synthesize(ctx context.Context, job research.Job, siblings string) report.Unit
}

// Compiler turns the final unit set into a document.
type Compiler interface {
	Compile(threadID, topic string, units []report.Unit, notices []string) (*report.Document, error)
}

// Config bounds the fan-out.
type Config struct {
	MaxUnits           int `mapstructure:"max_units"`
	MaxConcurrentUnits int `mapstructure:"max_concurrent_units"`
}

func DefaultConfig() Config {
	return Config{MaxUnits: 12, MaxConcurrentUnits: 4}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MaxUnits <= 0 {
		c.MaxUnits = def.MaxUnits
	}
	if c.MaxConcurrentUnits <= 0 {
		c.MaxConcurrentUnits = def.MaxConcurrentUnits
	}
	return c
}

// Deps are the collaborators of an Executor.
type Deps struct {
	Planner     planner.Planner
	Gate        *approval.Gate
	Units       UnitRunner
	Compiler    Compiler
	Checkpoints checkpoint.Store
	Notifier    approval.Channel
}

// Result is what Run and Resume return. When Suspended is set the thread is
// waiting for a review decision and Document is nil.
type Result struct {
	ThreadID  string
	Stage     Stage
	Suspended bool
	Document  *report.Document
	Approval  approval.State
}

// Executor drives threads through the workflow. One Executor serves many
// threads; a thread runs at most once at a time.
type Executor struct {
	deps   Deps
	logger *zap.Logger

	cfgMu sync.RWMutex
	cfg   Config

	activeMu sync.Mutex
	active   map[string]bool
}

func New(deps Deps, cfg Config, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Planner == nil {
		deps.Planner = planner.StaticPlanner{}
	}
	if deps.Gate == nil {
		deps.Gate = approval.NewGate(approval.DefaultPolicy(), deps.Notifier, nil, logger)
	}
	if deps.Checkpoints == nil {
		deps.Checkpoints = checkpoint.NewMemoryStore()
	}
	return &Executor{
		deps:   deps,
		logger: logger,
		cfg:    cfg.normalized(),
		active: make(map[string]bool),
	}
}

// SetConfig applies new fan-out bounds to stages started afterwards.
func (e *Executor) SetConfig(cfg Config) {
	e.cfgMu.Lock()
	e.cfg = cfg.normalized()
	e.cfgMu.Unlock()
}

func (e *Executor) config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// Gate exposes the approval gate so transports can deliver decisions.
func (e *Executor) Gate() *approval.Gate { return e.deps.Gate }

// Run starts a new thread for topic. An empty threadID gets a generated one.
func (e *Executor) Run(ctx context.Context, threadID, topic string) (*Result, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("%w: topic is required", ErrPlanningFailed)
	}
	if threadID == "" {
		threadID = uuid.NewString()
	}
	release, err := e.claim(threadID)
	if err != nil {
		return nil, err
	}
	defer release()

	return e.execute(ctx, "run", newState(threadID, topic))
}

// Resume continues a thread from its latest checkpoint. Feedback is the
// reviewer's decision text for a thread awaiting approval; empty feedback
// re-issues the review request. Threads interrupted during research or
// finalization continue without re-running terminal units.
func (e *Executor) Resume(ctx context.Context, threadID, feedback string) (*Result, error) {
	release, err := e.claim(threadID)
	if err != nil {
		return nil, err
	}
	defer release()

	st, err := e.Inspect(ctx, threadID)
	if err != nil {
		return nil, err
	}
	logger := e.logger.With(zap.String("thread_id", threadID), zap.String("stage", string(st.Stage)))

	switch st.Stage {
	case StageCompiled:
		return nil, ErrNotSuspended
	case StageAwaitingApproval:
		if strings.TrimSpace(feedback) != "" {
			outcome := e.deps.Gate.Evaluate(ctx, threadID, st.Approval, feedback)
			st.Approval = outcome.State
			if outcome.Cause == approval.CauseReviewLimit {
				if err := e.save(ctx, st, string(StageAwaitingApproval)); err != nil {
					return nil, err
				}
			}
			if err := e.decide(st); err != nil {
				return nil, err
			}
		}
	default:
		if feedback != "" {
			logger.Info("Ignoring review feedback, thread is past approval")
		}
	}
	logger.Info("Resuming thread")
	return e.execute(ctx, "resume", st)
}

// Inspect returns the latest checkpointed state of a thread.
func (e *Executor) Inspect(ctx context.Context, threadID string) (*State, error) {
	cp, err := e.deps.Checkpoints.Latest(ctx, threadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCheckpointUnavailable, err)
	}
	st, err := Decode(cp.State)
	if err != nil {
		return nil, fmt.Errorf("thread %s: %w", threadID, err)
	}
	return st, nil
}

// Busy reports whether threadID is running in this process.
func (e *Executor) Busy(threadID string) bool {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	return e.active[threadID]
}

func (e *Executor) claim(threadID string) (func(), error) {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	if e.active[threadID] {
		return nil, fmt.Errorf("%w: %s", ErrThreadBusy, threadID)
	}
	e.active[threadID] = true
	return func() {
		e.activeMu.Lock()
		delete(e.active, threadID)
		e.activeMu.Unlock()
	}, nil
}

func (e *Executor) execute(ctx context.Context, entry string, st *State) (*Result, error) {
	start := time.Now()
	res, err := e.drive(ctx, st)
	metrics.WorkflowDuration.WithLabelValues(entry).Observe(time.Since(start).Seconds())

	logger := e.logger.With(zap.String("thread_id", st.ThreadID))
	switch {
	case err == nil && res.Suspended:
		metrics.WorkflowRuns.WithLabelValues("suspended").Inc()
	case err == nil:
		metrics.WorkflowRuns.WithLabelValues("compiled").Inc()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		metrics.WorkflowRuns.WithLabelValues("cancelled").Inc()
		logger.Warn("Workflow cancelled", zap.String("stage", string(st.Stage)), zap.Error(err))
	default:
		metrics.WorkflowRuns.WithLabelValues("failed").Inc()
		logger.Error("Workflow failed", zap.String("stage", string(st.Stage)), zap.Error(err))
		e.notify(context.WithoutCancel(ctx), st.ThreadID, streaming.EventWorkflowFailed, map[string]any{
			"stage": string(st.Stage),
			"error": err.Error(),
		})
	}
	return res, err
}

// drive runs stages until the thread compiles or suspends.
func (e *Executor) drive(ctx context.Context, st *State) (*Result, error) {
	for {
		var err error
		switch st.Stage {
		case StagePlanning:
			err = e.plan(ctx, st)
		case StageAwaitingApproval:
			var suspended bool
			suspended, err = e.awaitApproval(ctx, st)
			if err == nil && suspended {
				return &Result{ThreadID: st.ThreadID, Stage: st.Stage, Suspended: true, Approval: st.Approval}, nil
			}
		case StageResearching:
			err = e.research(ctx, st)
		case StageFinalizing:
			err = e.finalize(ctx, st)
		case StageCompiled:
			return &Result{ThreadID: st.ThreadID, Stage: st.Stage, Document: st.Document, Approval: st.Approval}, nil
		default:
			err = fmt.Errorf("unknown stage %q", st.Stage)
		}
		if err != nil {
			return nil, err
		}
	}
}

func (e *Executor) transition(st *State, to Stage) error {
	if !CanTransition(st.Stage, to) {
		return fmt.Errorf("invalid stage transition %s -> %s", st.Stage, to)
	}
	metrics.StageTransitions.WithLabelValues(string(st.Stage), string(to)).Inc()
	e.logger.Debug("Stage transition",
		zap.String("thread_id", st.ThreadID),
		zap.String("from", string(st.Stage)),
		zap.String("to", string(to)),
	)
	st.Stage = to
	st.UpdatedAt = time.Now().UTC()
	return nil
}

// decide maps a resolved review onto the next stage.
func (e *Executor) decide(st *State) error {
	switch st.Approval.Decision {
	case approval.Approved:
		return e.transition(st, StageResearching)
	case approval.Rejected:
		return e.transition(st, StagePlanning)
	default:
		return fmt.Errorf("review for thread %s is unresolved", st.ThreadID)
	}
}

// save writes a checkpoint of st under stage. Failure is workflow-fatal.
func (e *Executor) save(ctx context.Context, st *State, stage string) error {
	st.UpdatedAt = time.Now().UTC()
	data, err := Encode(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if _, err := e.deps.Checkpoints.Put(ctx, st.ThreadID, stage, data); err != nil {
		metrics.CheckpointWrites.WithLabelValues(stage, "error").Inc()
		return fmt.Errorf("%w: %w", ErrCheckpointUnavailable, err)
	}
	metrics.CheckpointWrites.WithLabelValues(stage, "ok").Inc()
	return nil
}

func (e *Executor) notify(ctx context.Context, threadID, eventType string, data map[string]any) {
	if e.deps.Notifier == nil {
		return
	}
	if err := e.deps.Notifier.Notify(ctx, threadID, eventType, data); err != nil {
		e.logger.Debug("Workflow notification failed", zap.String("thread_id", threadID), zap.Error(err))
	}
}
