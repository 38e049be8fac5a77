// Package runner drives pipeline runs through their stages. A fixed pool of
// workers advances runs; a run waiting for an approval holds no worker.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/reeveci/reeve-pipeline/approvals"
	"github.com/reeveci/reeve-pipeline/artifacts"
	"github.com/reeveci/reeve-pipeline/definition"
	"github.com/reeveci/reeve-pipeline/executors"
	"github.com/reeveci/reeve-pipeline/logs"
	"github.com/reeveci/reeve-pipeline/queue"
	"github.com/reeveci/reeve-pipeline/runstore"
	"github.com/reeveci/reeve-pipeline/schema"
	"github.com/reeveci/reeve-pipeline/secrets"
)

const DEFAULT_WORKERS = 4

const TRACER_NAME = "github.com/reeveci/reeve-pipeline/runner"

type Options struct {
	Workers   int
	Executors executors.Registry
	Artifacts artifacts.Store
	Runs      runstore.Store
	Secrets   secrets.Provider
	Approvals *approvals.Broker
	Logger    hclog.Logger
	// Stage output is copied here, prefixed by run and stage.
	Output io.Writer
	Tracer trace.Tracer
}

type Runner struct {
	executors executors.Registry
	artifacts artifacts.Store
	runs      runstore.Store
	secrets   secrets.Provider
	approvals *approvals.Broker
	logger    hclog.Logger
	logs      logs.LogWriter
	tracer    trace.Tracer
	now       func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	tasks   *queue.BlockingQueue[*run]
	workers sync.WaitGroup

	lock   sync.Mutex
	active map[string]*run
	closed bool
}

func New(options Options) (*Runner, error) {
	if len(options.Executors) == 0 {
		return nil, fmt.Errorf("no executors registered")
	}
	if options.Artifacts == nil {
		options.Artifacts = artifacts.NewMemoryStore()
	}
	if options.Runs == nil {
		options.Runs = runstore.NewMemoryStore()
	}
	if options.Logger == nil {
		options.Logger = hclog.NewNullLogger()
	}
	if options.Output == nil {
		options.Output = io.Discard
	}
	if options.Tracer == nil {
		options.Tracer = otel.Tracer(TRACER_NAME)
	}
	if options.Workers <= 0 {
		options.Workers = DEFAULT_WORKERS
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		executors: options.Executors,
		artifacts: options.Artifacts,
		runs:      options.Runs,
		secrets:   options.Secrets,
		approvals: options.Approvals,
		logger:    options.Logger,
		logs:      logs.New(options.Output, ""),
		tracer:    options.Tracer,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		tasks:     queue.Blocking(queue.NewQueue[*run]()),
		active:    make(map[string]*run),
	}

	r.workers.Add(options.Workers)
	for i := 0; i < options.Workers; i++ {
		go r.work()
	}
	return r, nil
}

// Start plans a run of def and queues it. Stage conditions are evaluated here,
// once; a plan that cannot run fails before anything executes.
func (r *Runner) Start(ctx context.Context, def *definition.Definition, trigger schema.Trigger) (string, error) {
	if r.isClosed() {
		return "", fmt.Errorf("runner is closed - %w", schema.ERROR_UNAVAILABLE)
	}

	spec := def.Spec()
	if trigger.Owner == "" {
		trigger.Owner = spec.Owner
	}
	if trigger.Repo == "" {
		trigger.Repo = spec.Repo
	}
	if trigger.Branch == "" {
		trigger.Branch = spec.Branch
	}

	rc := schema.NewRunContext(uuid.NewString(), def.Name(), trigger, r.now())

	plan, err := def.Plan(rc)
	if err != nil {
		return "", err
	}
	if err := r.checkExecutors(def, plan); err != nil {
		return "", err
	}

	rc.Stages = make([]string, len(plan))
	for i, stage := range plan {
		rc.Stages[i] = stage.Name
	}

	if err := r.runs.Create(ctx, rc); err != nil {
		return "", err
	}

	run := r.register(def, plan, rc, schema.STATUS_PENDING)
	r.logger.Info("run queued", "run", rc.RunID, "pipeline", rc.Pipeline, "environment", rc.Environment, "stages", len(plan))
	r.tasks.Push(run)
	return rc.RunID, nil
}

func (r *Runner) checkExecutors(def *definition.Definition, plan []schema.StageSpec) error {
	verr := &schema.ValidationError{Pipeline: def.Name()}
	for _, stage := range plan {
		if _, err := r.executors.Lookup(stage.Executor); err != nil {
			verr.Add("stage %q - %s", stage.Name, err)
		}
	}
	return verr.OrNil()
}

func (r *Runner) register(def *definition.Definition, plan []schema.StageSpec, rc schema.RunContext, status schema.Status) *run {
	ctx, span := r.tracer.Start(r.ctx, "pipeline "+rc.Pipeline, trace.WithAttributes(
		attribute.String("reeve.run_id", rc.RunID),
		attribute.String("reeve.pipeline", rc.Pipeline),
		attribute.String("reeve.environment", rc.Environment),
	))

	run := newRun(def, plan, rc, status, r.logs.Subsystem(shortID(rc.RunID)))
	run.traceCtx = ctx
	run.span = span

	r.lock.Lock()
	r.active[rc.RunID] = run
	r.lock.Unlock()
	return run
}

// Cancel stops a run. A run waiting for an approval is cancelled immediately,
// a running stage completes first and its outputs are discarded.
func (r *Runner) Cancel(ctx context.Context, runID string) error {
	run, err := r.lookup(ctx, runID)
	if err != nil {
		return err
	}
	if !run.cancelled.CompareAndSwap(false, true) {
		return nil
	}

	r.logger.Info("cancelling run", "run", runID)
	if r.approvals != nil {
		r.approvals.Withdraw(runID)
	}

	if run.lock.TryLock() {
		if run.status == schema.STATUS_WAITING && !run.finished() {
			stage, _ := run.currentStage()
			r.finish(run, schema.STATUS_CANCELLED, stage.Name, cancelled(stage))
		}
		finished := run.finished()
		run.lock.Unlock()
		if finished {
			return nil
		}
	}

	// the worker currently advancing the run or the next one to pick it up
	// observes the flag
	r.tasks.Push(run)
	return nil
}

// Approve decides the pending approval of stage. token is the one handed to
// the approval notifier.
func (r *Runner) Approve(ctx context.Context, runID, stage, token string, decision approvals.Decision) error {
	if r.approvals == nil {
		return fmt.Errorf("approvals are not configured - %w", schema.ERROR_UNAVAILABLE)
	}
	return r.approvals.Decide(runID, stage, token, decision)
}

// Pending lists the runs waiting for an approval.
func (r *Runner) Pending() []approvals.Request {
	if r.approvals == nil {
		return nil
	}
	return r.approvals.Pending()
}

// Wait blocks until the run finished or ctx is done.
func (r *Runner) Wait(ctx context.Context, runID string) (schema.RunResult, error) {
	run, err := r.lookup(ctx, runID)
	if errors.Is(err, schema.ERROR_ALREADY_FINISHED) {
		record, err := r.runs.Get(ctx, runID)
		if err != nil {
			return schema.RunResult{}, err
		}
		return *record.Result, nil
	}
	if err != nil {
		return schema.RunResult{}, err
	}

	select {
	case <-run.done:
		return run.result, nil
	case <-ctx.Done():
		return schema.RunResult{}, ctx.Err()
	}
}

func (r *Runner) Get(ctx context.Context, runID string) (runstore.Record, error) {
	return r.runs.Get(ctx, runID)
}

// Logs returns the archived output of a finished stage.
func (r *Runner) Logs(ctx context.Context, runID, stage string) ([]byte, error) {
	record, err := r.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	for i := len(record.Context.History) - 1; i >= 0; i-- {
		entry := record.Context.History[i]
		if entry.Name == stage && entry.Logs != nil {
			return r.artifacts.Get(ctx, *entry.Logs)
		}
	}
	return nil, fmt.Errorf("no logs for stage %s of run %s - %w", stage, runID, schema.ERROR_NOT_FOUND)
}

// Close stops accepting runs and waits for the stages in flight. When ctx
// expires first, running stages are aborted. Unfinished runs stay in the run
// store and can be picked up by Recover.
func (r *Runner) Close(ctx context.Context) error {
	r.lock.Lock()
	r.closed = true
	r.lock.Unlock()

	r.tasks.Close()

	done := make(chan struct{})
	go func() {
		r.workers.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		r.cancel()
		<-done
	}
	r.cancel()
	return err
}

func (r *Runner) isClosed() bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.closed
}

// lookup returns the active run, ERROR_ALREADY_FINISHED for a finished one and
// ERROR_NOT_FOUND otherwise.
func (r *Runner) lookup(ctx context.Context, runID string) (*run, error) {
	r.lock.Lock()
	run, ok := r.active[runID]
	r.lock.Unlock()
	if ok {
		return run, nil
	}

	record, err := r.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if record.Result != nil {
		return nil, fmt.Errorf("run %s - %w", runID, schema.ERROR_ALREADY_FINISHED)
	}
	return nil, fmt.Errorf("run %s is not active on this runner - %w", runID, schema.ERROR_NOT_FOUND)
}

func (r *Runner) work() {
	defer r.workers.Done()

	for {
		run, ok := r.tasks.Pop()
		if !ok {
			return
		}
		r.advance(run)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func cancelled(stage schema.StageSpec) schema.StageOutcome {
	if stage.Name == "" {
		return schema.Failure(fmt.Errorf("run cancelled - %w", schema.ERROR_CANCELLED))
	}
	return schema.Failure(fmt.Errorf("run cancelled at stage %s - %w", stage.Name, schema.ERROR_CANCELLED))
}
