package conditions

import (
	"fmt"
	"sort"

	"github.com/reeveci/reeve-pipeline/schema"
)

// Check reports whether every condition holds. Keys are visited in sorted order
// so that the first error reported is stable.
func Check(facts map[string]schema.Fact, conditions map[string]schema.Condition, env map[string]schema.Env, vars map[string]schema.Var) (bool, error) {
	for _, key := range sortedKeys(conditions) {
		ok, err := conditions[key].Check(key, facts, env, vars)
		if err != nil {
			return false, fmt.Errorf("condition %q - %w", key, err)
		}
		if !ok {
			return false, nil
		}
	}

	return true, nil
}

// Include evaluates the `when` conditions of a stage against a run.
func Include(stage schema.StageSpec, rc schema.RunContext, env map[string]schema.Env) (bool, error) {
	merged := rc.Env()
	for key, value := range env {
		if _, implicit := merged[key]; !implicit {
			merged[key] = value
		}
	}
	return Check(rc.Facts(), stage.When, merged, rc.Vars)
}

func Validate(conditions map[string]schema.Condition) error {
	for _, key := range sortedKeys(conditions) {
		if err := conditions[key].Validate(); err != nil {
			return fmt.Errorf("condition %q - %w", key, err)
		}
	}
	return nil
}

func sortedKeys(conditions map[string]schema.Condition) []string {
	keys := make([]string, 0, len(conditions))
	for key := range conditions {
		if key != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
