package definition

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reeveci/reeve-pipeline/schema"
)

func pipelineStages() []schema.StageSpec {
	return []schema.StageSpec{
		{Name: "Source", Kind: schema.KIND_SOURCE, Executor: "git", Outputs: []string{"source"}},
		{Name: "Build", Kind: schema.KIND_BUILD, Executor: "local", Input: "source", Outputs: []string{"build"}},
		{
			Name: "Approval", Kind: schema.KIND_APPROVAL, Executor: "manual",
			When: map[string]schema.Condition{schema.FACT_ENVIRONMENT: schema.Equals("prod")},
		},
		{Name: "Deploy", Kind: schema.KIND_DEPLOY, Executor: "local", Input: "build"},
	}
}

func problems(t *testing.T, err error) []string {
	t.Helper()
	require.Error(t, err)
	require.True(t, errors.Is(err, schema.ERROR_VALIDATION))
	var verr *schema.ValidationError
	require.True(t, errors.As(err, &verr))
	return verr.Problems
}

func TestBuild(t *testing.T) {
	def, err := Build("serverless", pipelineStages())
	require.NoError(t, err)
	assert.Equal(t, "serverless", def.Name())
	assert.Len(t, def.Stages(), 4)

	stage, ok := def.Stage("Deploy")
	require.True(t, ok)
	assert.Equal(t, "build", stage.Input)
}

func TestBuildValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func([]schema.StageSpec) []schema.StageSpec
		problem string
	}{
		{"empty", func([]schema.StageSpec) []schema.StageSpec { return nil }, "at least one stage"},
		{"duplicate names", func(s []schema.StageSpec) []schema.StageSpec {
			s[3].Name = "Build"
			return s
		}, "used more than once"},
		{"source not first", func(s []schema.StageSpec) []schema.StageSpec {
			s[0], s[1] = s[1], s[0]
			return s
		}, "must be first"},
		{"two sources", func(s []schema.StageSpec) []schema.StageSpec {
			return append(s, schema.StageSpec{Name: "Again", Kind: schema.KIND_SOURCE, Executor: "git", Outputs: []string{"again"}})
		}, "exactly one source"},
		{"forward reference", func(s []schema.StageSpec) []schema.StageSpec {
			s[1].Input = "deployed"
			s[3].Outputs = []string{"deployed"}
			return s
		}, "no earlier stage produces"},
		{"self reference", func(s []schema.StageSpec) []schema.StageSpec {
			s[1].Input = "build"
			return s
		}, "no earlier stage produces"},
		{"duplicate output", func(s []schema.StageSpec) []schema.StageSpec {
			s[1].Outputs = []string{"source"}
			return s
		}, "already produces"},
		{"unknown kind", func(s []schema.StageSpec) []schema.StageSpec {
			s[2].Kind = "test"
			return s
		}, "unknown kind"},
		{"missing executor", func(s []schema.StageSpec) []schema.StageSpec {
			s[1].Executor = ""
			return s
		}, "no executor"},
		{"approval with artifacts", func(s []schema.StageSpec) []schema.StageSpec {
			s[2].Input = "source"
			return s
		}, "neither consumes nor produces"},
		{"conditional source", func(s []schema.StageSpec) []schema.StageSpec {
			s[0].When = map[string]schema.Condition{"branch": schema.Equals("main")}
			return s
		}, "cannot be conditional"},
		{"unknown profile", func(s []schema.StageSpec) []schema.StageSpec {
			s[1].Profile = "admin"
			return s
		}, "unknown profile"},
		{"requires without profile", func(s []schema.StageSpec) []schema.StageSpec {
			s[3].Requires = []schema.Grant{{Resource: "r", Actions: []string{"a"}}}
			return s
		}, "has no profile"},
		{"bad regexp", func(s []schema.StageSpec) []schema.StageSpec {
			s[2].When = map[string]schema.Condition{"branch": {Match: []string{"("}}}
			return s
		}, "error compiling regexp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build("serverless", tt.mutate(pipelineStages()))
			found := false
			for _, problem := range problems(t, err) {
				if strings.Contains(problem, tt.problem) {
					found = true
				}
			}
			assert.True(t, found, "expected a problem containing %q in %v", tt.problem, err)
		})
	}
}

func TestBuildRejectsUnscopedProfile(t *testing.T) {
	stages := pipelineStages()
	stages[1].Profile = "broad"
	_, err := Build("serverless", stages, WithProfile("broad", schema.Profile{
		Grants: []schema.Grant{{Resource: "*", Actions: []string{"s3:*"}}},
	}))
	assert.Contains(t, problems(t, err)[0], "allowAllResources")
}

func TestPlan(t *testing.T) {
	def, err := Build("serverless", pipelineStages())
	require.NoError(t, err)

	names := func(stages []schema.StageSpec) []string {
		result := make([]string, len(stages))
		for i, stage := range stages {
			result[i] = stage.Name
		}
		return result
	}

	prod := schema.NewRunContext("r1", "serverless", schema.Trigger{Environment: "prod", Branch: "main"}, time.Now())
	plan, err := def.Plan(prod)
	require.NoError(t, err)
	assert.Equal(t, []string{"Source", "Build", "Approval", "Deploy"}, names(plan))

	dev := schema.NewRunContext("r2", "serverless", schema.Trigger{Environment: "dev", Branch: "main"}, time.Now())
	plan, err = def.Plan(dev)
	require.NoError(t, err)
	assert.Equal(t, []string{"Source", "Build", "Deploy"}, names(plan))

	for i := 0; i < 10; i++ {
		again, err := def.Plan(dev)
		require.NoError(t, err)
		assert.Equal(t, names(plan), names(again))
	}
}

func TestPlanExcludedProducer(t *testing.T) {
	stages := pipelineStages()
	stages[1].When = map[string]schema.Condition{schema.FACT_BRANCH: schema.Equals("main")}
	def, err := Build("serverless", stages)
	require.NoError(t, err)

	rc := schema.NewRunContext("r", "serverless", schema.Trigger{Environment: "dev", Branch: "feature"}, time.Now())
	_, err = def.Plan(rc)
	assert.Contains(t, problems(t, err)[0], "excluded from this run")
}

func TestDefinitionIsImmutable(t *testing.T) {
	stages := pipelineStages()
	def, err := Build("serverless", stages)
	require.NoError(t, err)

	stages[1].Outputs[0] = "changed"
	got := def.Stages()
	got[1].Outputs[0] = "changed again"

	stage, _ := def.Stage("Build")
	assert.Equal(t, []string{"build"}, stage.Outputs)
}

func TestLint(t *testing.T) {
	stages := pipelineStages()
	stages[1].Profile = "broad"
	def, err := Build("serverless", stages,
		WithProfile("broad", schema.Profile{
			AllowAllResources: true,
			Grants:            []schema.Grant{{Resource: "*", Actions: []string{"iam:PassRole"}}},
		}),
		WithEnv(map[string]schema.Env{"TOKEN": {Value: "x"}}),
		WithSecrets(map[string]schema.SecretRef{"TOKEN": {Name: "token"}}),
	)
	require.NoError(t, err)

	warnings := def.Lint()
	assert.Contains(t, warnings, `profile "broad" grants iam:PassRole on every resource`)
	assert.Contains(t, warnings, `approval stage "Approval" has no message for reviewers`)
	assert.Contains(t, warnings, `secret "TOKEN" shadows the env value of the same name`)
}
