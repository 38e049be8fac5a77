package vars

import (
	"fmt"
	"sort"
	"strings"

	"github.com/reeveci/reeve-pipeline/schema"
)

// FindEnv lists the env keys a stage needs to be dispatched: those its command
// spec references and those its conditions read.
func FindEnv(stage schema.StageSpec) []string {
	results := make(map[string]bool)

	for key, condition := range stage.When {
		if envKey, ok := strings.CutPrefix(key, schema.ENV_PREFIX); ok && envKey != "" {
			results[envKey] = true
		}
		for _, key := range condition.IncludeEnv {
			if key != "" {
				results[key] = true
			}
		}
		for _, key := range condition.ExcludeEnv {
			if key != "" {
				results[key] = true
			}
		}
	}

	for _, key := range stage.GetEnv() {
		results[key] = true
	}

	keys := make([]string, 0, len(results))
	for key := range results {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MergeEnv picks, for every key, the value with the lowest priority number.
// On equal priority the earlier map wins. Missing keys are an error.
func MergeEnv(keys []string, envs ...map[string]schema.Env) (result map[string]schema.Env, err error) {
	result = make(map[string]schema.Env, len(keys))

	for _, env := range envs {
		if len(env) > 0 {
			for _, key := range keys {
				if key != "" {
					existing, existingOk := result[key]
					value, ok := env[key]
					if ok && (!existingOk || value.Priority < existing.Priority) {
						result[key] = value
					}
				}
			}
		}
	}

	missing := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := result[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		err = fmt.Errorf("missing env %s", strings.Join(missing, ", "))
		return
	}

	return
}

// StageEnv composes the full environment of a stage dispatch: the implicit
// run values, resolved secrets and the definition env, in that precedence.
func StageEnv(rc schema.RunContext, definitionEnv, secretEnv map[string]schema.Env) map[string]schema.Env {
	implicit := rc.Env()

	keys := make([]string, 0, len(implicit)+len(definitionEnv)+len(secretEnv))
	for _, env := range []map[string]schema.Env{implicit, secretEnv, definitionEnv} {
		for key := range env {
			keys = append(keys, key)
		}
	}

	// every key comes from one of the maps, so nothing can be missing
	result, _ := MergeEnv(keys, implicit, secretEnv, definitionEnv)
	return result
}

func Values(env map[string]schema.Env) map[string]string {
	result := make(map[string]string, len(env))
	for key, value := range env {
		result[key] = value.Value
	}
	return result
}

// SecretValues returns the non-empty values flagged as secret, longest first.
func SecretValues(env map[string]schema.Env) []string {
	seen := make(map[string]bool)
	var result []string
	for _, value := range env {
		if value.Secret && value.Value != "" && !seen[value.Value] {
			seen[value.Value] = true
			result = append(result, value.Value)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if len(result[i]) != len(result[j]) {
			return len(result[i]) > len(result[j])
		}
		return result[i] < result[j]
	})
	return result
}
