package runner

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reeveci/reeve-pipeline/approvals"
	"github.com/reeveci/reeve-pipeline/artifacts"
	"github.com/reeveci/reeve-pipeline/definition"
	"github.com/reeveci/reeve-pipeline/executors"
	"github.com/reeveci/reeve-pipeline/runstore"
	"github.com/reeveci/reeve-pipeline/schema"
	"github.com/reeveci/reeve-pipeline/secrets"
	"github.com/reeveci/reeve-pipeline/source"
)

type tokenNotifier struct {
	lock   sync.Mutex
	tokens map[string]string
}

func (n *tokenNotifier) NotifyApproval(ctx context.Context, request approvals.Request) error {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.tokens[request.RunID+"/"+request.Stage] = request.Token
	return nil
}

func (n *tokenNotifier) token(runID, stage string) string {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.tokens[runID+"/"+stage]
}

type resolverFunc func(ctx context.Context, ref source.Ref) (source.Snapshot, error)

func (f resolverFunc) ResolveRef(ctx context.Context, ref source.Ref) (source.Snapshot, error) {
	return f(ctx, ref)
}

// backend dispatches to a handler per stage and records every call.
type backend struct {
	lock     sync.Mutex
	handlers map[string]executors.BackendFunc
	calls    []executors.Request
}

func (b *backend) Execute(ctx context.Context, request executors.Request) (executors.Result, error) {
	b.lock.Lock()
	b.calls = append(b.calls, request)
	handler := b.handlers[request.Stage]
	b.lock.Unlock()

	if handler != nil {
		return handler(ctx, request)
	}
	if request.Output != "" {
		return executors.Result{Artifact: append([]byte(request.Stage+":"), request.Input...)}, nil
	}
	return executors.Result{}, nil
}

func (b *backend) handle(stage string, handler executors.BackendFunc) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.handlers[stage] = handler
}

func (b *backend) stages() []string {
	b.lock.Lock()
	defer b.lock.Unlock()
	var result []string
	for _, call := range b.calls {
		result = append(result, call.Stage)
	}
	return result
}

func (b *backend) call(stage string) (executors.Request, bool) {
	b.lock.Lock()
	defer b.lock.Unlock()
	for _, call := range b.calls {
		if call.Stage == stage {
			return call, true
		}
	}
	return executors.Request{}, false
}

type harness struct {
	runner    *Runner
	artifacts *artifacts.MemoryStore
	runs      *runstore.MemoryStore
	broker    *approvals.Broker
	notifier  *tokenNotifier
	backend   *backend
	registry  executors.Registry
	def       *definition.Definition
}

func newHarness(t *testing.T, workers int) *harness {
	t.Helper()

	h := &harness{
		artifacts: artifacts.NewMemoryStore(),
		runs:      runstore.NewMemoryStore(),
		notifier:  &tokenNotifier{tokens: map[string]string{}},
		backend:   &backend{handlers: map[string]executors.BackendFunc{}},
	}
	h.broker = approvals.NewBroker(h.notifier, nil)
	h.registry = executors.Registry{
		"github": &executors.SourceFetch{TokenEnv: "GITHUB_TOKEN", Resolver: resolverFunc(func(ctx context.Context, ref source.Ref) (source.Snapshot, error) {
			return source.Snapshot{Ref: ref, Commit: "abc123", Archive: []byte("src@" + ref.Branch)}, nil
		})},
		"codebuild":  &executors.Build{Backend: h.backend},
		"manual":     &executors.ApprovalGate{Broker: h.broker},
		"serverless": &executors.Deploy{Backend: h.backend},
	}
	h.def = pipeline(t)

	var err error
	h.runner, err = New(Options{
		Workers:   workers,
		Executors: h.registry,
		Artifacts: h.artifacts,
		Runs:      h.runs,
		Secrets: secrets.NewMemoryProvider(map[string]string{
			"sonar":  `{"token": "s0nar-t0k3n"}`,
			"github": "gh-t0k3n",
		}),
		Approvals: h.broker,
	})
	require.NoError(t, err)
	t.Cleanup(func() { h.runner.Close(context.Background()) })
	return h
}

func pipeline(t *testing.T) *definition.Definition {
	t.Helper()

	stages := []schema.StageSpec{
		{Name: "Source", Kind: schema.KIND_SOURCE, Executor: "github", Outputs: []string{"SourceArtifact"}},
		{
			Name: "Build", Kind: schema.KIND_BUILD, Executor: "codebuild",
			Input: "SourceArtifact", Outputs: []string{"BuildArtifact"}, Profile: "serverless",
			RunConfig: schema.RunConfig{Command: "npm run build"},
		},
		{
			Name: "Approval", Kind: schema.KIND_APPROVAL, Executor: "manual",
			Message: "Please review and approve the deployment to production",
			When:    map[string]schema.Condition{schema.FACT_ENVIRONMENT: schema.Equals("prod")},
		},
		{
			Name: "Deploy", Kind: schema.KIND_DEPLOY, Executor: "serverless",
			Input: "BuildArtifact", Profile: "serverless",
			RunConfig: schema.RunConfig{Command: []string{"npx", "serverless", "deploy"}},
			Requires:  []schema.Grant{{Resource: "arn:aws:cloudformation:eu-west-1:123:stack/backend-prod", Actions: []string{"cloudformation:UpdateStack"}}},
		},
	}

	def, err := definition.Build("serverless", stages,
		definition.WithSource("acme", "backend", "main"),
		definition.WithEnv(map[string]schema.Env{"SONAR_HOST_URL": {Value: "https://sonarcloud.io"}}),
		definition.WithSecrets(map[string]schema.SecretRef{
			"SONAR_TOKEN":  {Name: "sonar", Field: "token"},
			"GITHUB_TOKEN": {Name: "github"},
		}),
		definition.WithProfile("serverless", schema.Profile{Grants: []schema.Grant{
			{Resource: "arn:aws:cloudformation:*:*:stack/backend-*", Actions: []string{"cloudformation:*"}},
		}}),
	)
	require.NoError(t, err)
	return def
}

func (h *harness) start(t *testing.T, environment string) string {
	t.Helper()
	id, err := h.runner.Start(context.Background(), h.def, schema.Trigger{Environment: environment})
	require.NoError(t, err)
	return id
}

func (h *harness) wait(t *testing.T, id string) schema.RunResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := h.runner.Wait(ctx, id)
	require.NoError(t, err)
	return result
}

func (h *harness) waitForApproval(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		if h.notifier.token(id, "Approval") == "" {
			return false
		}
		record, err := h.runs.Get(context.Background(), id)
		return err == nil && record.Status == schema.STATUS_WAITING
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRunSucceedsWithoutApprovalOutsideProd(t *testing.T) {
	h := newHarness(t, 2)
	id := h.start(t, "dev")

	result := h.wait(t, id)
	require.Equal(t, schema.STATUS_SUCCEEDED, result.Status, result.Error)
	assert.Empty(t, result.FailedStage)
	assert.Equal(t, []string{"Build", "Deploy"}, h.backend.stages())
	assert.Contains(t, result.Artifacts, "SourceArtifact")
	assert.Contains(t, result.Artifacts, "BuildArtifact")

	names := make([]string, len(result.Stages))
	for i, stage := range result.Stages {
		names[i] = stage.Name
		assert.Equal(t, schema.OUTCOME_SUCCESS, stage.Outcome)
	}
	assert.Equal(t, []string{"Source", "Build", "Deploy"}, names)

	deploy, ok := h.backend.call("Deploy")
	require.True(t, ok)
	assert.Equal(t, "Build:src@main", string(deploy.Input))

	content, err := h.artifacts.Get(context.Background(), result.Artifacts["BuildArtifact"])
	require.NoError(t, err)
	assert.Equal(t, deploy.Input, content)

	record, err := h.runner.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.STATUS_SUCCEEDED, record.Status)
	assert.Equal(t, []string{"Source", "Build", "Deploy"}, record.Context.Stages)
}

func TestRunPassesEnvironmentAndSecrets(t *testing.T) {
	h := newHarness(t, 1)
	h.backend.handle("Build", func(ctx context.Context, request executors.Request) (executors.Result, error) {
		io.WriteString(request.Logs, "sonar token is "+request.Env["SONAR_TOKEN"]+"\n")
		return executors.Result{Artifact: []byte("zip")}, nil
	})

	id := h.start(t, "dev")
	result := h.wait(t, id)
	require.Equal(t, schema.STATUS_SUCCEEDED, result.Status, result.Error)

	build, ok := h.backend.call("Build")
	require.True(t, ok)
	assert.Equal(t, []string{"npm", "run", "build"}, build.Command)
	assert.Equal(t, "dev", build.Env[schema.ENV_ENVIRONMENT_NAME])
	assert.Equal(t, "main", build.Env[schema.ENV_BRANCH_NAME])
	assert.Equal(t, "https://sonarcloud.io", build.Env["SONAR_HOST_URL"])
	assert.Equal(t, "s0nar-t0k3n", build.Env["SONAR_TOKEN"])
	assert.Equal(t, []byte("src@main"), build.Input)
	assert.NotEmpty(t, build.Grants)

	logs, err := h.runner.Logs(context.Background(), id, "Build")
	require.NoError(t, err)
	assert.Equal(t, "sonar token is ***\n", string(logs))

	record, err := h.runs.Get(context.Background(), id)
	require.NoError(t, err)
	assert.NotContains(t, record.Context.Vars, "SONAR_TOKEN")
}

func TestRunApprovedInProd(t *testing.T) {
	h := newHarness(t, 1)
	id := h.start(t, "prod")

	h.waitForApproval(t, id)
	assert.Equal(t, []string{"Build"}, h.backend.stages())

	pending := h.runner.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "Please review and approve the deployment to production", pending[0].Message)

	err := h.runner.Approve(context.Background(), id, "Approval", "guess", approvals.Decision{Approved: true})
	assert.ErrorIs(t, err, schema.ERROR_PERMISSION_DENIED)

	require.NoError(t, h.runner.Approve(context.Background(), id, "Approval", h.notifier.token(id, "Approval"), approvals.Decision{Approved: true, Actor: "alice"}))

	result := h.wait(t, id)
	require.Equal(t, schema.STATUS_SUCCEEDED, result.Status, result.Error)
	assert.Equal(t, []string{"Build", "Deploy"}, h.backend.stages())
}

func TestRunRejectedInProd(t *testing.T) {
	h := newHarness(t, 1)
	id := h.start(t, "prod")

	h.waitForApproval(t, id)
	require.NoError(t, h.runner.Approve(context.Background(), id, "Approval", h.notifier.token(id, "Approval"), approvals.Decision{Approved: false, Actor: "bob"}))

	result := h.wait(t, id)
	assert.Equal(t, schema.STATUS_FAILED, result.Status)
	assert.Equal(t, "Approval", result.FailedStage)
	assert.Equal(t, schema.OUTCOME_REJECTED, result.Outcome)
	assert.True(t, result.Rejected())
	assert.Equal(t, []string{"Build"}, h.backend.stages())
	assert.Contains(t, result.Artifacts, "BuildArtifact")
}

func TestApprovalTimeout(t *testing.T) {
	h := newHarness(t, 1)
	h.registry["manual"].(*executors.ApprovalGate).Timeout = 20 * time.Millisecond

	result := h.wait(t, h.start(t, "prod"))
	assert.Equal(t, schema.STATUS_FAILED, result.Status)
	assert.Equal(t, "Approval", result.FailedStage)
	assert.Equal(t, schema.OUTCOME_REJECTED, result.Outcome)
	assert.Contains(t, result.Error, "not approved in time")
}

func TestBuildFailureStopsRun(t *testing.T) {
	h := newHarness(t, 1)
	h.backend.handle("Build", func(ctx context.Context, request executors.Request) (executors.Result, error) {
		return executors.Result{ExitStatus: 1}, nil
	})

	result := h.wait(t, h.start(t, "dev"))
	assert.Equal(t, schema.STATUS_FAILED, result.Status)
	assert.Equal(t, "Build", result.FailedStage)
	assert.Equal(t, schema.OUTCOME_FAILED, result.Outcome)
	assert.Equal(t, []string{"Build"}, h.backend.stages())

	assert.Contains(t, result.Artifacts, "SourceArtifact")
	assert.NotContains(t, result.Artifacts, "BuildArtifact")
	exists, err := h.artifacts.Exists(context.Background(), result.Artifacts["SourceArtifact"])
	require.NoError(t, err)
	assert.True(t, exists)

	require.Len(t, result.Stages, 2)
	assert.Equal(t, 1, result.Stages[1].ExitCode)
}

func TestPermissionDeniedBeforeDispatch(t *testing.T) {
	h := newHarness(t, 1)
	h.registry["serverless"] = &executors.Deploy{
		Backend:  h.backend,
		Requires: []schema.Grant{{Resource: "arn:aws:iam::123:role/admin", Actions: []string{"iam:PassRole"}}},
	}

	result := h.wait(t, h.start(t, "dev"))
	assert.Equal(t, schema.STATUS_FAILED, result.Status)
	assert.Equal(t, "Deploy", result.FailedStage)
	assert.Contains(t, result.Error, "iam:PassRole")
	assert.Equal(t, []string{"Build"}, h.backend.stages())
}

func TestCancelWhileWaitingForApproval(t *testing.T) {
	h := newHarness(t, 1)
	id := h.start(t, "prod")
	h.waitForApproval(t, id)

	before := h.artifacts.Len()
	require.NoError(t, h.runner.Cancel(context.Background(), id))

	result := h.wait(t, id)
	assert.Equal(t, schema.STATUS_CANCELLED, result.Status)
	assert.Equal(t, "Approval", result.FailedStage)
	assert.Equal(t, schema.OUTCOME_CANCELLED, result.Outcome)
	assert.Equal(t, before, h.artifacts.Len())
	assert.Empty(t, h.runner.Pending())

	err := h.runner.Approve(context.Background(), id, "Approval", h.notifier.token(id, "Approval"), approvals.Decision{Approved: true})
	assert.ErrorIs(t, err, schema.ERROR_NOT_FOUND)
	assert.ErrorIs(t, h.runner.Cancel(context.Background(), id), schema.ERROR_ALREADY_FINISHED)
}

func TestCancelDuringBuildDiscardsOutputs(t *testing.T) {
	h := newHarness(t, 1)
	started := make(chan struct{})
	release := make(chan struct{})
	h.backend.handle("Build", func(ctx context.Context, request executors.Request) (executors.Result, error) {
		close(started)
		<-release
		return executors.Result{Artifact: []byte("zip")}, nil
	})

	id := h.start(t, "dev")
	<-started
	require.NoError(t, h.runner.Cancel(context.Background(), id))
	close(release)

	result := h.wait(t, id)
	assert.Equal(t, schema.STATUS_CANCELLED, result.Status)
	assert.Equal(t, "Build", result.FailedStage)
	assert.NotContains(t, result.Artifacts, "BuildArtifact")
	assert.Equal(t, 1, h.artifacts.Len())
	assert.Equal(t, []string{"Build"}, h.backend.stages())
}

func TestCancelQueuedRun(t *testing.T) {
	h := newHarness(t, 1)
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	h.backend.handle("Build", func(ctx context.Context, request executors.Request) (executors.Result, error) {
		started <- struct{}{}
		<-release
		return executors.Result{Artifact: []byte("zip")}, nil
	})

	first := h.start(t, "dev")
	<-started
	second := h.start(t, "dev")
	require.NoError(t, h.runner.Cancel(context.Background(), second))
	close(release)

	result := h.wait(t, second)
	assert.Equal(t, schema.STATUS_CANCELLED, result.Status)
	assert.Empty(t, result.FailedStage)
	assert.Empty(t, result.Stages)
	assert.Contains(t, result.Error, "run cancelled")

	assert.Equal(t, schema.STATUS_SUCCEEDED, h.wait(t, first).Status)
	h.backend.lock.Lock()
	defer h.backend.lock.Unlock()
	for _, call := range h.backend.calls {
		assert.NotEqual(t, second, call.RunID)
	}
}

func TestStageTimeout(t *testing.T) {
	h := newHarness(t, 1)
	stages := h.def.Stages()
	stages[1].Timeout = 20 * time.Millisecond
	def, err := definition.Build("serverless", stages, definition.WithProfile("serverless", h.def.Spec().Profiles["serverless"]))
	require.NoError(t, err)

	h.backend.handle("Build", func(ctx context.Context, request executors.Request) (executors.Result, error) {
		<-ctx.Done()
		return executors.Result{}, ctx.Err()
	})

	id, err := h.runner.Start(context.Background(), def, schema.Trigger{Environment: "dev", Branch: "main"})
	require.NoError(t, err)

	result := h.wait(t, id)
	assert.Equal(t, schema.STATUS_FAILED, result.Status)
	assert.Equal(t, "Build", result.FailedStage)
	assert.Contains(t, result.Error, "timed out")
}

func TestExecutorPanicFailsStage(t *testing.T) {
	h := newHarness(t, 1)
	h.backend.handle("Build", func(ctx context.Context, request executors.Request) (executors.Result, error) {
		panic("backend exploded")
	})

	result := h.wait(t, h.start(t, "dev"))
	assert.Equal(t, schema.STATUS_FAILED, result.Status)
	assert.Equal(t, "Build", result.FailedStage)
	assert.Contains(t, result.Error, "backend exploded")
}

func TestMissingSecretFailsStage(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.runner.Close(context.Background()))

	var err error
	h.runner, err = New(Options{Workers: 1, Executors: h.registry, Artifacts: h.artifacts, Runs: h.runs, Approvals: h.broker})
	require.NoError(t, err)

	result := h.wait(t, h.start(t, "dev"))
	assert.Equal(t, schema.STATUS_FAILED, result.Status)
	assert.Equal(t, "Source", result.FailedStage)
	assert.Empty(t, h.backend.stages())
}

func TestSuspendedRunsHoldNoWorker(t *testing.T) {
	h := newHarness(t, 1)

	first := h.start(t, "prod")
	second := h.start(t, "prod")
	h.waitForApproval(t, first)
	h.waitForApproval(t, second)
	assert.Len(t, h.runner.Pending(), 2)

	third := h.start(t, "dev")
	assert.Equal(t, schema.STATUS_SUCCEEDED, h.wait(t, third).Status)

	require.NoError(t, h.runner.Approve(context.Background(), second, "Approval", h.notifier.token(second, "Approval"), approvals.Decision{Approved: true}))
	assert.Equal(t, schema.STATUS_SUCCEEDED, h.wait(t, second).Status)

	require.NoError(t, h.runner.Cancel(context.Background(), first))
	assert.Equal(t, schema.STATUS_CANCELLED, h.wait(t, first).Status)
}

func TestStartRejectsInvalidPlans(t *testing.T) {
	h := newHarness(t, 1)
	delete(h.registry, "serverless")

	_, err := h.runner.Start(context.Background(), h.def, schema.Trigger{Environment: "dev"})
	assert.ErrorIs(t, err, schema.ERROR_VALIDATION)
	assert.Contains(t, err.Error(), "unknown executor")

	stages := h.def.Stages()
	stages[0].When = nil
	stages[1].When = map[string]schema.Condition{schema.FACT_ENVIRONMENT: schema.Equals("prod")}
	def, err := definition.Build("conditional-build", stages, definition.WithProfile("serverless", h.def.Spec().Profiles["serverless"]))
	require.NoError(t, err)

	h.registry["serverless"] = &executors.Deploy{Backend: h.backend}
	_, err = h.runner.Start(context.Background(), def, schema.Trigger{Environment: "dev"})
	assert.ErrorIs(t, err, schema.ERROR_VALIDATION)
	assert.Empty(t, h.backend.stages())
}

func TestWaitUnknownRun(t *testing.T) {
	h := newHarness(t, 1)
	_, err := h.runner.Wait(context.Background(), "missing")
	assert.ErrorIs(t, err, schema.ERROR_NOT_FOUND)
	assert.ErrorIs(t, h.runner.Cancel(context.Background(), "missing"), schema.ERROR_NOT_FOUND)
}

func TestWaitFinishedRun(t *testing.T) {
	h := newHarness(t, 1)
	id := h.start(t, "dev")
	first := h.wait(t, id)

	second := h.wait(t, id)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Artifacts, second.Artifacts)
}

func TestClosedRunnerRejectsRuns(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.runner.Close(context.Background()))

	_, err := h.runner.Start(context.Background(), h.def, schema.Trigger{Environment: "dev"})
	assert.True(t, errors.Is(err, schema.ERROR_UNAVAILABLE))
}
