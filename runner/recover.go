package runner

import (
	"context"
	"fmt"

	"github.com/reeveci/reeve-pipeline/definition"
	"github.com/reeveci/reeve-pipeline/executors"
	"github.com/reeveci/reeve-pipeline/schema"
)

// Recover takes over the unfinished runs of the run store, e.g. after a
// restart. Queued runs continue where they stopped, runs waiting for an
// approval request it again. A run whose stage was executing when the previous
// runner stopped fails, since stages are never repeated in place.
func (r *Runner) Recover(ctx context.Context, definitions map[string]*definition.Definition) (resumed int, err error) {
	records, err := r.runs.Unfinished(ctx)
	if err != nil {
		return 0, err
	}

	for _, record := range records {
		r.lock.Lock()
		_, active := r.active[record.ID]
		r.lock.Unlock()
		if active {
			continue
		}

		rc := record.Context
		def := definitions[record.Pipeline]
		plan, planErr := r.restorePlan(def, rc)

		status := record.Status
		if status == schema.STATUS_WAITING {
			status = schema.STATUS_RUNNING
		}

		run := r.register(def, plan, rc, status)
		current, _ := rc.CurrentStage()

		switch {
		case planErr != nil:
			r.abandon(run, current, schema.Failure(planErr))

		case rc.Active != "":
			stage, _ := run.currentStage()
			r.abandon(run, rc.Active, schema.Failure(fmt.Errorf("stage %s was interrupted - %w", rc.Active, executors.FailureError(stage.Kind))))

		default:
			r.logger.Info("run recovered", "run", rc.RunID, "pipeline", rc.Pipeline, "stage", current)
			r.tasks.Push(run)
			resumed++
		}
	}
	return
}

func (r *Runner) restorePlan(def *definition.Definition, rc schema.RunContext) ([]schema.StageSpec, error) {
	if def == nil {
		return nil, fmt.Errorf("pipeline %s is not loaded - %w", rc.Pipeline, schema.ERROR_NOT_FOUND)
	}

	plan := make([]schema.StageSpec, len(rc.Stages))
	for i, name := range rc.Stages {
		stage, ok := def.Stage(name)
		if !ok {
			return nil, fmt.Errorf("stage %s no longer exists in pipeline %s - %w", name, rc.Pipeline, schema.ERROR_NOT_FOUND)
		}
		plan[i] = stage
	}
	if err := r.checkExecutors(def, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func (r *Runner) abandon(run *run, stage string, outcome schema.StageOutcome) {
	run.lock.Lock()
	defer run.lock.Unlock()

	run.rc.History = append(run.rc.History, schema.StageRecord{
		Name:       stage,
		Outcome:    outcome.Kind,
		Error:      outcome.Error(),
		FinishedAt: r.now().UTC(),
	})
	r.finish(run, schema.STATUS_FAILED, stage, outcome)
}
