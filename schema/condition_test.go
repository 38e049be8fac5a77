package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConditionCheck(t *testing.T) {
	facts := map[string]Fact{
		FACT_ENVIRONMENT: {"prod"},
		FACT_BRANCH:      {"main"},
	}
	env := map[string]Env{"TARGET": {Value: "prod"}}
	vars := map[string]Var{"tier": "gold"}

	tests := []struct {
		name      string
		key       string
		condition Condition
		want      bool
	}{
		{"empty condition", FACT_ENVIRONMENT, Condition{}, true},
		{"include match", FACT_ENVIRONMENT, Equals("prod"), true},
		{"include miss", FACT_ENVIRONMENT, Equals("dev", "staging"), false},
		{"unknown fact", "missing", Equals("prod"), false},
		{"unknown fact with match", "missing", Condition{Match: []string{".*"}}, false},
		{"unknown fact with exclude", "missing", Condition{Exclude: []string{"prod"}}, true},
		{"unset env fact", "env OTHER", Equals("prod"), false},
		{"exclude match", FACT_BRANCH, Condition{Exclude: []string{"main"}}, false},
		{"exclude miss", FACT_BRANCH, Condition{Exclude: []string{"feature"}}, true},
		{"include env", FACT_ENVIRONMENT, Condition{IncludeEnv: []string{"TARGET"}}, true},
		{"include unset env", FACT_ENVIRONMENT, Condition{IncludeEnv: []string{"OTHER"}}, false},
		{"exclude var", "var tier", Condition{ExcludeVar: []string{"tier"}}, false},
		{"env fact", "env TARGET", Equals("prod"), true},
		{"match regexp", FACT_BRANCH, Condition{Match: []string{"^ma"}}, true},
		{"mismatch regexp", FACT_BRANCH, Condition{Mismatch: []string{"^ma"}}, false},
		{"include and exclude", FACT_ENVIRONMENT, Condition{Include: []string{"prod"}, Exclude: []string{"prod"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := tt.condition.Check(tt.key, facts, env, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestConditionValidate(t *testing.T) {
	assert.NoError(t, Condition{Match: []string{"^release/.*$"}}.Validate())
	assert.Error(t, Condition{Match: []string{"("}}.Validate())
	assert.Error(t, Condition{Mismatch: []string{"[a-"}}.Validate())
}

func TestConditionUnmarshalYAML(t *testing.T) {
	var when map[string]Condition
	err := yaml.Unmarshal([]byte(`
environment: prod
branch: [main, release]
ref:
  match: ["^v"]
`), &when)
	require.NoError(t, err)

	assert.Equal(t, []string{"prod"}, when["environment"].Include)
	assert.Equal(t, []string{"main", "release"}, when["branch"].Include)
	assert.Equal(t, []string{"^v"}, when["ref"].Match)
}
