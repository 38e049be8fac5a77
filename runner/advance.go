package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/reeveci/reeve-pipeline/approvals"
	"github.com/reeveci/reeve-pipeline/executors"
	"github.com/reeveci/reeve-pipeline/schema"
	"github.com/reeveci/reeve-pipeline/secrets"
	"github.com/reeveci/reeve-pipeline/streams"
	"github.com/reeveci/reeve-pipeline/vars"
)

const LOGS_PREFIX = "logs/"

// advance executes stages until the run finishes or suspends at an approval.
func (r *Runner) advance(run *run) {
	run.lock.Lock()
	defer run.lock.Unlock()

	for !run.finished() {
		if run.cancelled.Load() {
			// only a suspended approval has started, other stages were not reached
			var stage schema.StageSpec
			if run.status == schema.STATUS_WAITING {
				stage, _ = run.currentStage()
			}
			r.finish(run, schema.STATUS_CANCELLED, stage.Name, cancelled(stage))
			return
		}
		if r.isClosed() {
			return
		}

		stage, ok := run.currentStage()
		if !ok {
			r.finish(run, schema.STATUS_SUCCEEDED, "", schema.Success(nil))
			return
		}

		executor, err := r.executors.Lookup(stage.Executor)
		if err != nil {
			run.stageStarted = r.now()
			r.complete(run, stage, schema.Failure(err))
			continue
		}

		if gate, ok := executor.(executors.Suspender); ok {
			if !r.approval(run, stage, gate) {
				return
			}
			continue
		}

		run.stageStarted = r.now()
		run.rc.Active = stage.Name
		r.persist(run, schema.STATUS_RUNNING)

		outcome := r.execute(run, stage, executor)
		if r.ctx.Err() != nil {
			// aborted by Close, left for Recover
			return
		}
		run.rc.Active = ""
		r.complete(run, stage, outcome)
	}
}

// approval suspends the run at a gate or resumes it with the decision. It
// reports whether the run should keep advancing.
func (r *Runner) approval(run *run, stage schema.StageSpec, gate executors.Suspender) bool {
	input := executors.Input{Run: run.rc, Stage: stage, Logs: run.logs.Subsystem(stage.Name)}

	if decision, ok := run.takeDecision(); ok {
		r.complete(run, stage, gate.Resume(input, decision))
		return true
	}

	if run.status == schema.STATUS_WAITING {
		// spurious wake up, the decision is still outstanding
		return false
	}

	run.stageStarted = r.now()
	err := gate.Suspend(run.traceCtx, input, func(decision approvals.Decision) {
		run.setDecision(decision)
		r.tasks.Push(run)
	})
	if err != nil {
		r.complete(run, stage, schema.Failure(err))
		return true
	}

	r.persist(run, schema.STATUS_WAITING)
	run.logs.Printf("stage %s waiting for approval\n", stage.Name)
	r.logger.Info("run waiting for approval", "run", run.id(), "stage", stage.Name)

	if run.cancelled.Load() {
		// Cancel may have withdrawn before the request was registered
		if r.approvals != nil {
			r.approvals.Withdraw(run.id())
		}
		return true
	}
	return false
}

// execute dispatches a stage on its executor.
func (r *Runner) execute(run *run, stage schema.StageSpec, executor executors.Executor) (outcome schema.StageOutcome) {
	ctx, span := r.tracer.Start(run.traceCtx, "stage "+stage.Name, trace.WithAttributes(
		attribute.String("reeve.stage", stage.Name),
		attribute.String("reeve.stage_kind", string(stage.Kind)),
		attribute.String("reeve.executor", stage.Executor),
	))
	defer func() {
		span.SetAttributes(attribute.String("reeve.outcome", string(outcome.Kind)))
		if !outcome.Succeeded() {
			span.SetStatus(codes.Error, outcome.Error())
		}
		span.End()
	}()

	if stage.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, stage.Timeout)
		defer cancel()
	}

	run.logs.Printf("stage %s started\n", stage.Name)

	input, err := r.input(ctx, run, stage, executor)
	if err != nil {
		return schema.Failure(err)
	}

	outcome = executors.Run(ctx, executor, input)
	if !outcome.Succeeded() && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(outcome.Err, schema.ERROR_TIMEOUT) {
		outcome = schema.Failure(fmt.Errorf("stage %s timed out after %s - %s - %w - %w", stage.Name, stage.Timeout, outcome.Error(), schema.ERROR_TIMEOUT, executors.FailureError(stage.Kind)))
	}
	return outcome
}

// input gathers what the stage reads. Permissions are checked before anything
// is resolved, so a denied stage never reaches its backend.
func (r *Runner) input(ctx context.Context, run *run, stage schema.StageSpec, executor executors.Executor) (input executors.Input, err error) {
	input = executors.Input{
		Run:   run.rc,
		Stage: stage,
		Logs:  run.logs.Subsystem(stage.Name),
	}

	if stage.Kind.Privileged() {
		profile, _ := run.definition.Profile(stage.Profile)
		if err = executors.CheckPermissions(executor, stage, profile); err != nil {
			return
		}
		input.Profile = profile
	}

	if stage.Input != "" {
		ref, ok := run.rc.Artifacts[stage.Input]
		if !ok {
			err = fmt.Errorf("stage %s - input %s was not produced - %w", stage.Name, stage.Input, schema.ERROR_NOT_FOUND)
			return
		}
		if input.Artifact, err = r.artifacts.Get(ctx, ref); err != nil {
			err = fmt.Errorf("stage %s - %w", stage.Name, err)
			return
		}
	}

	secretEnv, err := secrets.ResolveEnv(ctx, r.secrets, run.definition.Secrets())
	if err != nil {
		err = fmt.Errorf("stage %s - %w", stage.Name, err)
		return
	}
	input.Env = vars.StageEnv(run.rc, run.definition.Env(), secretEnv)
	return
}

// complete records the outcome of the current stage. Outputs of a successful
// stage become artifacts; a failing stage finishes the run.
func (r *Runner) complete(run *run, stage schema.StageSpec, outcome schema.StageOutcome) {
	logsRef := r.archiveLogs(run, stage, outcome.Logs)

	if outcome.Succeeded() {
		if run.cancelled.Load() {
			outcome = schema.Failure(fmt.Errorf("run cancelled while stage %s was running, outputs discarded - %w", stage.Name, schema.ERROR_CANCELLED))
		} else if refs, err := r.commit(run, stage, outcome.Outputs); err != nil {
			outcome = schema.Failure(fmt.Errorf("stage %s - %s - %w", stage.Name, err, executors.FailureError(stage.Kind)))
		} else {
			for name, ref := range refs {
				run.rc.Artifacts[name] = ref
			}
		}
	}

	run.rc.History = append(run.rc.History, schema.StageRecord{
		Name:       stage.Name,
		Kind:       stage.Kind,
		Outcome:    outcome.Kind,
		Error:      outcome.Error(),
		ExitCode:   outcome.ExitCode,
		Logs:       logsRef,
		StartedAt:  run.stageStarted.UTC(),
		FinishedAt: r.now().UTC(),
	})

	if !outcome.Succeeded() {
		run.logs.Printf("stage %s %s: %s\n", stage.Name, outcome.Kind, outcome.Error())
		status := schema.STATUS_FAILED
		if outcome.Kind == schema.OUTCOME_CANCELLED {
			status = schema.STATUS_CANCELLED
		}
		r.finish(run, status, stage.Name, outcome)
		return
	}

	run.logs.Printf("stage %s succeeded\n", stage.Name)
	run.rc.StageIndex++
	r.persist(run, schema.STATUS_RUNNING)
}

// commit stores the declared outputs. Undeclared outputs are ignored.
func (r *Runner) commit(run *run, stage schema.StageSpec, outputs map[string][]byte) (map[string]schema.ArtifactRef, error) {
	refs := make(map[string]schema.ArtifactRef, len(stage.Outputs))
	for _, name := range stage.Outputs {
		content, ok := outputs[name]
		if !ok {
			return nil, fmt.Errorf("output %s was not produced", name)
		}
		ref, err := r.artifacts.Put(context.WithoutCancel(r.ctx), run.id(), name, content)
		if err != nil {
			return nil, err
		}
		refs[name] = ref
	}
	return refs, nil
}

func (r *Runner) archiveLogs(run *run, stage schema.StageSpec, provider schema.LogReaderProvider) *schema.ArtifactRef {
	if provider == nil || !provider.Available() {
		return nil
	}
	provider.Close()

	content, err := streams.ReadAll(provider)
	if err != nil {
		r.logger.Warn("error reading stage logs", "run", run.id(), "stage", stage.Name, "error", err)
		return nil
	}
	if len(content) == 0 {
		return nil
	}

	ref, err := r.artifacts.Put(context.WithoutCancel(r.ctx), run.id(), LOGS_PREFIX+stage.Name, content)
	if err != nil {
		r.logger.Warn("error archiving stage logs", "run", run.id(), "stage", stage.Name, "error", err)
		return nil
	}
	return &ref
}

func (r *Runner) persist(run *run, status schema.Status) {
	run.status = status
	if err := r.runs.Update(context.WithoutCancel(r.ctx), run.id(), status, run.rc); err != nil {
		r.logger.Error("error persisting run", "run", run.id(), "status", status, "error", err)
	}
}

// finish records the terminal result exactly once and releases the run.
func (r *Runner) finish(run *run, status schema.Status, stage string, outcome schema.StageOutcome) {
	if run.finished() {
		return
	}

	run.status = status
	run.rc.Active = ""
	result := schema.RunResult{
		RunID:      run.id(),
		Pipeline:   run.rc.Pipeline,
		Status:     status,
		Outcome:    outcome.Kind,
		Error:      outcome.Error(),
		Artifacts:  copyArtifacts(run.rc.Artifacts),
		Stages:     append([]schema.StageRecord(nil), run.rc.History...),
		FinishedAt: r.now().UTC(),
	}
	if status != schema.STATUS_SUCCEEDED {
		result.FailedStage = stage
	}

	if err := r.runs.Finish(context.WithoutCancel(r.ctx), run.id(), run.rc, result); err != nil {
		r.logger.Error("error recording run result", "run", run.id(), "status", status, "error", err)
	}
	if r.approvals != nil {
		r.approvals.Withdraw(run.id())
	}

	if status == schema.STATUS_SUCCEEDED {
		run.span.SetStatus(codes.Ok, "")
	} else {
		run.span.SetStatus(codes.Error, result.Error)
	}
	run.span.SetAttributes(attribute.String("reeve.status", string(status)))
	run.span.End()

	run.logs.Printf("run %s\n", status)
	r.logger.Info("run finished", "run", run.id(), "pipeline", run.rc.Pipeline, "status", status, "stage", result.FailedStage, "duration", time.Since(run.rc.Timestamp).Round(time.Millisecond))

	run.result = result
	close(run.done)

	r.lock.Lock()
	delete(r.active, run.id())
	r.lock.Unlock()
}
