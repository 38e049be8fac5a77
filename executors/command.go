package executors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/reeveci/reeve-pipeline/filter"
	"github.com/reeveci/reeve-pipeline/schema"
	"github.com/reeveci/reeve-pipeline/streams"
	"github.com/reeveci/reeve-pipeline/vars"
)

// Build runs the stage command on its backend and publishes what the command
// writes as the stage output.
type Build struct {
	Backend  Backend
	Requires []schema.Grant
}

func (b *Build) RequiredGrants() []schema.Grant {
	return b.Requires
}

func (b *Build) Run(ctx context.Context, input Input) schema.StageOutcome {
	return runCommand(ctx, b.Backend, input, schema.ERROR_BUILD_FAILED)
}

// Deploy is a Build whose output is optional.
type Deploy struct {
	Backend  Backend
	Requires []schema.Grant
}

func (d *Deploy) RequiredGrants() []schema.Grant {
	return d.Requires
}

func (d *Deploy) Run(ctx context.Context, input Input) schema.StageOutcome {
	return runCommand(ctx, d.Backend, input, schema.ERROR_DEPLOY_FAILED)
}

func runCommand(ctx context.Context, backend Backend, input Input, failed schema.Error) schema.StageOutcome {
	stage := input.Stage

	request, err := newRequest(input)
	if err != nil {
		return schema.Failure(fmt.Errorf("stage %s - %s - %w", stage.Name, err, failed))
	}

	logStream, err := streams.NewLogStream(input.Run.RunID + "/" + stage.Name)
	if err != nil {
		return schema.Failure(fmt.Errorf("stage %s - %s - %w", stage.Name, err, failed))
	}

	sink := io.Writer(logStream)
	if input.Logs != nil {
		sink = io.MultiWriter(logStream, input.Logs)
	}
	output := filter.NewWriter(sink, filter.Redact(vars.SecretValues(input.Env)))
	request.Logs = output

	result, err := backend.Execute(ctx, request)

	output.Close()
	if input.Logs != nil {
		input.Logs.Flush()
	}
	logStream.Close()

	var outcome schema.StageOutcome
	switch {
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		outcome = schema.Failure(fmt.Errorf("stage %s timed out - %w - %w", stage.Name, schema.ERROR_TIMEOUT, failed))

	case err != nil:
		outcome = schema.Failure(fmt.Errorf("stage %s - %s - %w", stage.Name, err, failed))

	case result.ExitStatus != 0:
		outcome = schema.Failure(fmt.Errorf("stage %s exited with status %d - %w", stage.Name, result.ExitStatus, failed))
		outcome.ExitCode = result.ExitStatus

	case request.Output != "" && result.Artifact == nil:
		outcome = schema.Failure(fmt.Errorf("stage %s produced no %s artifact - %w", stage.Name, request.Output, failed))

	case request.Output != "":
		outcome = schema.Success(map[string][]byte{request.Output: result.Artifact})

	default:
		outcome = schema.Success(nil)
	}

	outcome.Logs = logStream
	return outcome
}

func newRequest(input Input) (request Request, err error) {
	stage := input.Stage

	if _, err = vars.MergeEnv(vars.FindEnv(stage), input.Env); err != nil {
		return
	}

	resolved, unresolvedEnv, unresolvedVars, err := stage.Resolve(input.Env, input.Run.Vars)
	if err != nil {
		return
	}
	if len(unresolvedEnv) > 0 {
		err = fmt.Errorf("missing env %s", strings.Join(unresolvedEnv, ", "))
		return
	}
	if len(unresolvedVars) > 0 {
		err = fmt.Errorf("missing var %s", strings.Join(unresolvedVars, ", "))
		return
	}
	if len(resolved.Command) == 0 {
		err = fmt.Errorf("no command")
		return
	}

	env := vars.Values(input.Env)
	for key, value := range resolved.Params {
		env[key] = value
	}

	request = Request{
		RunID:     input.Run.RunID,
		Stage:     stage.Name,
		Kind:      stage.Kind,
		Command:   resolved.Command,
		Directory: resolved.Directory,
		Env:       env,
		Grants:    input.Profile.Grants(),
		Input:     input.Artifact,
	}
	if len(stage.Outputs) > 0 {
		request.Output = stage.Outputs[0]
	}
	return
}
