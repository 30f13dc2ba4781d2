// Package pipeline runs stages of the house price pipeline in order.
//
// A run goes through
//
//	pending -> loading -> staging -> cleaning -> training -> done
//
// and ends with failed when a stage fails after its retries.
// Stages completed before the failure are not rolled back.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/opst/houseprice/pkg/pipeline/hook"
	"github.com/opst/houseprice/pkg/store"
	"github.com/opst/houseprice/pkg/utils/retry"
)

type Status string

const (
	Pending  Status = "pending"
	Loading  Status = "loading"
	Staging  Status = "staging"
	Cleaning Status = "cleaning"
	Training Status = "training"
	Done     Status = "done"
	Failed   Status = "failed"
)

func (s Status) String() string {
	return string(s)
}

// Final reports the run does not change status anymore.
func (s Status) Final() bool {
	return s == Done || s == Failed
}

// PreconditionStage is the name of the failed stage when the precondition fails.
const PreconditionStage = "ensure_schemas"

// LockKey is the name of the lock held while a run is in progress.
const LockKey = "house_price_pipeline"

// ErrStageFailed is returned when a stage fails after all attempts.
var ErrStageFailed = errors.New("stage failed")

// Stage is a unit of work in the pipeline.
//
// It tells success or failure only.
type Stage interface {
	Name() string
	Run(ctx context.Context) error
}

// Step places a stage in the pipeline.
type Step struct {
	// Status while the stage runs.
	Status Status

	Stage Stage

	// Retries after the first attempt. 1 retry means 2 attempts at most.
	Retries int

	// Wait between attempts.
	RetryDelay time.Duration

	// Timeout of each attempt. 0 means no timeout.
	Timeout time.Duration
}

// Run is a state of a pipeline run.
type Run struct {
	Id     uuid.UUID
	Status Status

	// Name of the failed stage. Empty unless Status is Failed.
	FailedStage string

	// Names of stages completed, in order.
	Completed []string

	// Attempts of the stage running now or failed.
	Attempts int

	StartedAt  time.Time
	FinishedAt time.Time

	// Error causing failure.
	Err error
}

// Detail is sent to hooks.
type Detail struct {
	RunId   string `json:"runId"`
	Stage   string `json:"stage"`
	Status  string `json:"status"`
	Attempt int    `json:"attempt"`

	// Error message of the attempt. Only for after hooks.
	Error string `json:"error,omitempty"`
}

// Recorder persists states of runs.
type Recorder interface {
	Record(ctx context.Context, run Run) error
}

// Observer watches progress of runs.
type Observer interface {
	// Attempted is called after each attempt of a stage.
	Attempted(stage string, attempt int, elapsed time.Duration, err error)

	// Finished is called when a run is done or failed.
	Finished(run Run)
}

type Pipeline struct {
	steps        []Step
	precondition func(context.Context) error
	locker       store.Locker
	lockKey      string
	recorder     Recorder
	observers    []Observer
	hook         hook.Hook[Detail]
	logger       *log.Logger
	now          func() time.Time
}

type Option func(*Pipeline) *Pipeline

// WithPrecondition sets a function which runs before the first stage.
//
// When it fails, the run fails at PreconditionStage and no stages run.
func WithPrecondition(f func(context.Context) error) Option {
	return func(p *Pipeline) *Pipeline {
		p.precondition = f
		return p
	}
}

// WithLock holds the lock while a run is in progress.
//
// When the lock is held by another, Run returns store.ErrLocked without running.
func WithLock(locker store.Locker, key string) Option {
	return func(p *Pipeline) *Pipeline {
		p.locker = locker
		p.lockKey = key
		return p
	}
}

func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) *Pipeline {
		p.recorder = r
		return p
	}
}

func WithObserver(o Observer) Option {
	return func(p *Pipeline) *Pipeline {
		p.observers = append(p.observers, o)
		return p
	}
}

// WithHook sets hooks called before and after each attempt.
//
// When the before hook fails, the attempt fails.
// Failures of the after hook are logged only.
func WithHook(h hook.Hook[Detail]) Option {
	return func(p *Pipeline) *Pipeline {
		p.hook = h
		return p
	}
}

func WithLogger(l *log.Logger) Option {
	return func(p *Pipeline) *Pipeline {
		p.logger = l
		return p
	}
}

// WithClock replaces the clock. It is for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) *Pipeline {
		p.now = now
		return p
	}
}

func New(steps []Step, options ...Option) *Pipeline {
	p := &Pipeline{
		steps:  steps,
		hook:   hook.None[Detail]{},
		logger: log.New(io.Discard, "", 0),
		now:    time.Now,
	}
	for _, opt := range options {
		p = opt(p)
	}
	return p
}

// Run the pipeline once.
//
// # Returns
//
// - Run: the final state of the run.
//
// - error:
//
//   - store.ErrLocked: another run is in progress. Nothing runs.
//
//   - ErrStageFailed: a stage (or the precondition) failed. Run tells which.
func (p *Pipeline) Run(ctx context.Context) (Run, error) {
	run := Run{Id: uuid.New(), Status: Pending, StartedAt: p.now()}

	if p.locker != nil {
		unlock, err := p.locker.TryLock(ctx, p.lockKey)
		if err != nil {
			p.logger.Printf("run %s is skipped: %v", run.Id, err)
			return run, err
		}
		defer unlock()
	}

	p.logger.Printf("run %s: started", run.Id)

	// the precondition may create the namespace where runs are recorded.
	if p.precondition != nil {
		if err := p.precondition(ctx); err != nil {
			return p.fail(ctx, run, PreconditionStage, err)
		}
	}
	p.record(ctx, run)

	for _, step := range p.steps {
		name := step.Stage.Name()
		run.Status = step.Status
		run.Attempts = 0
		p.record(ctx, run)

		attempts, err := retry.Budget(ctx, step.Retries, retry.StaticBackoff(step.RetryDelay), func(attempt int) error {
			run.Attempts = attempt
			if 1 < attempt {
				p.logger.Printf("run %s: %s: retrying (attempt %d/%d)", run.Id, name, attempt, step.Retries+1)
				p.record(ctx, run)
			}
			return p.attempt(ctx, run, step, attempt)
		})
		run.Attempts = attempts
		if err != nil {
			return p.fail(ctx, run, name, err)
		}
		run.Completed = append(run.Completed, name)
		p.logger.Printf("run %s: %s: completed (attempts: %d)", run.Id, name, attempts)
	}

	run.Status = Done
	run.FinishedAt = p.now()
	p.record(ctx, run)
	p.finished(run)
	p.logger.Printf("run %s: done in %s", run.Id, run.FinishedAt.Sub(run.StartedAt))
	return run, nil
}

func (p *Pipeline) attempt(ctx context.Context, run Run, step Step, attempt int) error {
	name := step.Stage.Name()
	detail := Detail{RunId: run.Id.String(), Stage: name, Status: string(step.Status), Attempt: attempt}

	started := p.now()
	err := func() error {
		if err := p.hook.Before(ctx, detail); err != nil {
			return err
		}

		sctx := ctx
		if 0 < step.Timeout {
			var cancel context.CancelFunc
			sctx, cancel = context.WithTimeout(ctx, step.Timeout)
			defer cancel()
		}
		return step.Stage.Run(sctx)
	}()

	elapsed := p.now().Sub(started)
	for _, o := range p.observers {
		o.Attempted(name, attempt, elapsed, err)
	}

	if err != nil {
		detail.Error = err.Error()
		p.logger.Printf("run %s: %s: attempt %d failed: %v", run.Id, name, attempt, err)
	}
	if herr := p.hook.After(context.WithoutCancel(ctx), detail); herr != nil {
		p.logger.Printf("run %s: %s: after hook failed: %v", run.Id, name, herr)
	}
	return err
}

func (p *Pipeline) fail(ctx context.Context, run Run, stage string, err error) (Run, error) {
	run.Status = Failed
	run.FailedStage = stage
	run.FinishedAt = p.now()
	run.Err = fmt.Errorf("%w: %s (attempts: %d): %w", ErrStageFailed, stage, run.Attempts, err)
	p.record(ctx, run)
	p.finished(run)
	p.logger.Printf("run %s: failed at %s: %v", run.Id, stage, err)
	return run, run.Err
}

func (p *Pipeline) record(ctx context.Context, run Run) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.Record(context.WithoutCancel(ctx), run); err != nil {
		p.logger.Printf("run %s: failed to record status %s: %v", run.Id, run.Status, err)
	}
}

func (p *Pipeline) finished(run Run) {
	for _, o := range p.observers {
		o.Finished(run)
	}
}

// EnsureNamespaces is a precondition creating namespaces.
func EnsureNamespaces(ns store.Namespaces, names ...string) func(context.Context) error {
	return func(ctx context.Context) error {
		return ns.Ensure(ctx, names...)
	}
}

// StoreRecorder records runs into the run log of a store.
type StoreRecorder struct {
	Log       store.RunLog
	Namespace string
}

var _ Recorder = StoreRecorder{}

func (s StoreRecorder) Record(ctx context.Context, run Run) error {
	message := ""
	if run.Err != nil {
		message = run.Err.Error()
	}
	return s.Log.Record(ctx, s.Namespace, store.RunRecord{
		Id:          run.Id.String(),
		Status:      string(run.Status),
		FailedStage: run.FailedStage,
		Attempts:    run.Attempts,
		Message:     message,
		StartedAt:   run.StartedAt.UnixMicro(),
		UpdatedAt:   time.Now().UnixMicro(),
	})
}
