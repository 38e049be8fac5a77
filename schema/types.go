package schema

import (
	"time"
)

const ENV_PREFIX = "env "
const VAR_PREFIX = "var "

// Facts every run context exposes to stage conditions.
const FACT_ENVIRONMENT = "environment"
const FACT_BRANCH = "branch"
const FACT_REF = "ref"
const FACT_OWNER = "owner"
const FACT_REPO = "repo"
const FACT_PIPELINE = "pipeline"

const ENV_ENVIRONMENT_NAME = "ENVIRONMENT_NAME"
const ENV_BRANCH_NAME = "BRANCH_NAME"

type StageKind string

const KIND_SOURCE StageKind = "source"
const KIND_BUILD StageKind = "build"
const KIND_APPROVAL StageKind = "approval"
const KIND_DEPLOY StageKind = "deploy"

func (k StageKind) Valid() bool {
	switch k {
	case KIND_SOURCE, KIND_BUILD, KIND_APPROVAL, KIND_DEPLOY:
		return true

	default:
		return false
	}
}

// Dispatching a stage of this kind requires a permission pre-check.
func (k StageKind) Privileged() bool {
	return k == KIND_BUILD || k == KIND_DEPLOY
}

type PipelineDefinition struct {
	Name        string               `json:"name" yaml:"name"`
	Description string               `json:"description" yaml:"description"`
	Owner       string               `json:"owner" yaml:"owner"`
	Repo        string               `json:"repo" yaml:"repo"`
	Branch      string               `json:"branch" yaml:"branch"`
	Env         map[string]Env       `json:"env" yaml:"env"`
	Secrets     map[string]SecretRef `json:"secrets" yaml:"secrets"`
	Profiles    map[string]Profile   `json:"profiles" yaml:"profiles"`
	Stages      []StageSpec          `json:"stages" yaml:"stages"`
}

type StageSpec struct {
	RunConfig `yaml:",inline"`

	Name     string               `json:"name" yaml:"name"`
	Kind     StageKind            `json:"kind" yaml:"kind"`
	Executor string               `json:"executor" yaml:"executor"`
	Input    string               `json:"input" yaml:"input"`
	Outputs  []string             `json:"outputs" yaml:"outputs"`
	When     map[string]Condition `json:"when" yaml:"when"`
	Profile  string               `json:"profile" yaml:"profile"`
	Requires []Grant              `json:"requires" yaml:"requires"`
	Message  string               `json:"message" yaml:"message"`
	Timeout  time.Duration        `json:"timeout" yaml:"timeout"`
}

func (s StageSpec) Produces(artifact string) bool {
	for _, output := range s.Outputs {
		if output == artifact {
			return true
		}
	}
	return false
}

type Env struct {
	Value    string `json:"value" yaml:"value"`
	Priority uint32 `json:"priority" yaml:"priority"`
	Secret   bool   `json:"secret" yaml:"secret"`
}

type Var string

type Fact []string

// SecretRef names a secret in the configured provider. Field selects a key of a
// JSON object secret.
type SecretRef struct {
	Name  string `json:"name" yaml:"name"`
	Field string `json:"field" yaml:"field"`
}

// Grant allows Actions on every resource matched by Resource. Both sides accept
// '*' wildcards.
type Grant struct {
	Resource string   `json:"resource" yaml:"resource"`
	Actions  []string `json:"actions" yaml:"actions"`
}

// Profile is the declared form of a permission profile. Granting the '*'
// resource requires AllowAllResources.
type Profile struct {
	Grants            []Grant `json:"grants" yaml:"grants"`
	AllowAllResources bool    `json:"allowAllResources" yaml:"allowAllResources"`
}

type Trigger struct {
	Environment string         `json:"environment"`
	Branch      string         `json:"branch"`
	Ref         string         `json:"ref"`
	Owner       string         `json:"owner"`
	Repo        string         `json:"repo"`
	Vars        map[string]Var `json:"vars"`
}

// RunContext is the per-run state. It is only mutated by the runner.
type RunContext struct {
	RunID       string                 `json:"runId"`
	Pipeline    string                 `json:"pipeline"`
	Environment string                 `json:"environment"`
	Branch      string                 `json:"branch"`
	Ref         string                 `json:"ref"`
	Owner       string                 `json:"owner"`
	Repo        string                 `json:"repo"`
	Vars        map[string]Var         `json:"vars"`
	Timestamp   time.Time              `json:"timestamp"`
	Stages      []string               `json:"stages"`
	StageIndex  int                    `json:"stageIndex"`
	Artifacts   map[string]ArtifactRef `json:"artifacts"`
	History     []StageRecord          `json:"history"`
	// Active names the stage being executed, empty between stages and while
	// waiting for an approval.
	Active string `json:"active,omitempty"`
}

func NewRunContext(runID, pipeline string, trigger Trigger, now time.Time) RunContext {
	return RunContext{
		RunID:       runID,
		Pipeline:    pipeline,
		Environment: trigger.Environment,
		Branch:      trigger.Branch,
		Ref:         trigger.Ref,
		Owner:       trigger.Owner,
		Repo:        trigger.Repo,
		Vars:        trigger.Vars,
		Timestamp:   now.UTC(),
		Artifacts:   make(map[string]ArtifactRef),
	}
}

func (c RunContext) Facts() map[string]Fact {
	facts := map[string]Fact{
		FACT_PIPELINE: {c.Pipeline},
	}
	add := func(key, value string) {
		if value != "" {
			facts[key] = Fact{value}
		}
	}
	add(FACT_ENVIRONMENT, c.Environment)
	add(FACT_BRANCH, c.Branch)
	add(FACT_REF, c.Ref)
	add(FACT_OWNER, c.Owner)
	add(FACT_REPO, c.Repo)
	return facts
}

// Env returns the implicit environment of the run.
func (c RunContext) Env() map[string]Env {
	return map[string]Env{
		ENV_ENVIRONMENT_NAME: {Value: c.Environment},
		ENV_BRANCH_NAME:      {Value: c.Branch},
	}
}

func (c RunContext) CurrentStage() (string, bool) {
	if c.StageIndex < 0 || c.StageIndex >= len(c.Stages) {
		return "", false
	}
	return c.Stages[c.StageIndex], true
}

type StageRecord struct {
	Name       string       `json:"name"`
	Kind       StageKind    `json:"kind"`
	Outcome    OutcomeKind  `json:"outcome"`
	Error      string       `json:"error,omitempty"`
	ExitCode   int          `json:"exitCode,omitempty"`
	Logs       *ArtifactRef `json:"logs,omitempty"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
}

type RunResult struct {
	RunID       string                 `json:"runId"`
	Pipeline    string                 `json:"pipeline"`
	Status      Status                 `json:"status"`
	FailedStage string                 `json:"failedStage,omitempty"`
	Outcome     OutcomeKind            `json:"outcome,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Artifacts   map[string]ArtifactRef `json:"artifacts"`
	Stages      []StageRecord          `json:"stages"`
	FinishedAt  time.Time              `json:"finishedAt"`
}

// Rejected reports whether the run stopped at a rejected or timed out approval.
func (r RunResult) Rejected() bool {
	return r.Outcome == OUTCOME_REJECTED
}
