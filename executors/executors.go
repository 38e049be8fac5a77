package executors

import (
	"context"
	"fmt"
	"sort"

	"github.com/reeveci/reeve-pipeline/approvals"
	"github.com/reeveci/reeve-pipeline/logs"
	"github.com/reeveci/reeve-pipeline/permissions"
	"github.com/reeveci/reeve-pipeline/schema"
)

// Input is everything a stage execution may read. Env already contains the
// resolved secrets and must not be persisted.
type Input struct {
	Run      schema.RunContext
	Stage    schema.StageSpec
	Artifact []byte
	Env      map[string]schema.Env
	Profile  permissions.Profile
	Logs     logs.LogWriter
}

type Executor interface {
	Run(ctx context.Context, input Input) schema.StageOutcome
}

// Requirer is implemented by executors that know which grants they use
// regardless of the stage they run.
type Requirer interface {
	RequiredGrants() []schema.Grant
}

// Suspender is implemented by executors that wait for a decision instead of
// holding a worker. Suspend registers the wait and returns. resume is called
// once with the decision, which Resume turns into the outcome.
type Suspender interface {
	Executor
	Suspend(ctx context.Context, input Input, resume func(approvals.Decision)) error
	Resume(input Input, decision approvals.Decision) schema.StageOutcome
}

type Registry map[string]Executor

func (r Registry) Lookup(name string) (Executor, error) {
	executor, ok := r[name]
	if !ok || executor == nil {
		return nil, fmt.Errorf("unknown executor %q - %w", name, schema.ERROR_NOT_FOUND)
	}
	return executor, nil
}

func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Required returns the grants a stage needs: those it declares plus those its
// executor always uses.
func Required(executor Executor, stage schema.StageSpec) []schema.Grant {
	required := append([]schema.Grant(nil), stage.Requires...)
	if requirer, ok := executor.(Requirer); ok {
		required = append(required, requirer.RequiredGrants()...)
	}
	return required
}

// CheckPermissions must pass before a build or deploy stage is dispatched.
func CheckPermissions(executor Executor, stage schema.StageSpec, profile permissions.Profile) error {
	if err := permissions.Check(profile, Required(executor, stage)); err != nil {
		return fmt.Errorf("stage %s - %w", stage.Name, err)
	}
	return nil
}

// Run executes the stage, turning a panic into a failed outcome.
func Run(ctx context.Context, executor Executor, input Input) (outcome schema.StageOutcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = schema.Failure(fmt.Errorf("executor panicked - %v - %w", r, FailureError(input.Stage.Kind)))
		}
	}()

	return executor.Run(ctx, input)
}

// FailureError is the error kind reported for a failing stage of the given kind.
func FailureError(kind schema.StageKind) schema.Error {
	switch kind {
	case schema.KIND_SOURCE:
		return schema.ERROR_SOURCE_UNAVAILABLE
	case schema.KIND_BUILD:
		return schema.ERROR_BUILD_FAILED
	case schema.KIND_DEPLOY:
		return schema.ERROR_DEPLOY_FAILED
	default:
		return schema.ERROR_UNAVAILABLE
	}
}
