package schema

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Condition restricts a stage to runs whose facts match.
//
// A condition holds if at least one include rule matches (when any are given)
// and no exclude rule matches. An unknown fact matches no rule, so it only
// passes conditions made of exclusions.
type Condition struct {
	// Text
	Include []string `json:"include" yaml:"include"`
	Exclude []string `json:"exclude" yaml:"exclude"`

	// Env
	IncludeEnv []string `json:"include env" yaml:"include env"`
	ExcludeEnv []string `json:"exclude env" yaml:"exclude env"`

	// Vars
	IncludeVar []string `json:"include var" yaml:"include var"`
	ExcludeVar []string `json:"exclude var" yaml:"exclude var"`

	// Regex
	Match    []string `json:"match" yaml:"match"`
	Mismatch []string `json:"mismatch" yaml:"mismatch"`
}

// Equals is the condition written as `key: value` or `key: [a, b]`.
func Equals(values ...string) Condition {
	return Condition{Include: values}
}

func (c *Condition) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var value string
		if err := node.Decode(&value); err != nil {
			return err
		}
		*c = Equals(value)
		return nil

	case yaml.SequenceNode:
		var values []string
		if err := node.Decode(&values); err != nil {
			return err
		}
		*c = Equals(values...)
		return nil

	default:
		type plain Condition
		return node.Decode((*plain)(c))
	}
}

func (c Condition) Empty() bool {
	return len(c.Include) == 0 &&
		len(c.Exclude) == 0 &&

		len(c.IncludeEnv) == 0 &&
		len(c.ExcludeEnv) == 0 &&

		len(c.IncludeVar) == 0 &&
		len(c.ExcludeVar) == 0 &&

		len(c.Match) == 0 &&
		len(c.Mismatch) == 0
}

// Validate compiles every regular expression of the condition.
func (c Condition) Validate() error {
	for _, value := range c.Match {
		if _, err := regexp.Compile(value); err != nil {
			return fmt.Errorf(`error compiling regexp for condition [match "%s"] - %s`, value, err)
		}
	}
	for _, value := range c.Mismatch {
		if _, err := regexp.Compile(value); err != nil {
			return fmt.Errorf(`error compiling regexp for condition [mismatch "%s"] - %s`, value, err)
		}
	}
	return nil
}

func (c Condition) Check(key string, facts map[string]Fact, env map[string]Env, vars map[string]Var) (bool, error) {
	if c.Empty() {
		return true, nil
	}

	if envKey, ok := strings.CutPrefix(key, ENV_PREFIX); ok && envKey != "" {
		value, found := env[envKey]
		if !found {
			return c.checkFact(nil, env, vars)
		}
		return c.checkFact(Fact{value.Value}, env, vars)
	}

	if varKey, ok := strings.CutPrefix(key, VAR_PREFIX); ok && varKey != "" {
		value, found := vars[varKey]
		if !found {
			return c.checkFact(nil, env, vars)
		}
		return c.checkFact(Fact{string(value)}, env, vars)
	}

	return c.checkFact(facts[key], env, vars)
}

func (c Condition) checkFact(fact Fact, env map[string]Env, vars map[string]Var) (bool, error) {
	hasIncludes := len(c.Include)+len(c.IncludeEnv)+len(c.IncludeVar)+len(c.Match) > 0
	if len(fact) == 0 {
		return !hasIncludes, nil
	}

	values := make(map[string]bool, len(fact))
	for _, value := range fact {
		values[value] = true
	}

	included := c.literals(c.Include, c.IncludeEnv, c.IncludeVar, env, vars)

	if hasIncludes {
		found := anyOf(included, values)
		if !found && len(c.Match) > 0 {
			var err error
			if found, err = matchAny(c.Match, fact); err != nil {
				return false, err
			}
		}
		if !found {
			return false, nil
		}
	}

	excluded := c.literals(c.Exclude, c.ExcludeEnv, c.ExcludeVar, env, vars)
	if anyOf(excluded, values) {
		return false, nil
	}

	if len(c.Mismatch) > 0 {
		mismatch, err := matchAny(c.Mismatch, fact)
		if err != nil || mismatch {
			return false, err
		}
	}

	return true, nil
}

// literals collects the plain values and the values of the referenced env and
// vars, skipping references that are not set.
func (c Condition) literals(text, envKeys, varKeys []string, env map[string]Env, vars map[string]Var) []string {
	result := make([]string, 0, len(text)+len(envKeys)+len(varKeys))
	result = append(result, text...)
	for _, key := range envKeys {
		if value, ok := env[key]; ok {
			result = append(result, value.Value)
		}
	}
	for _, key := range varKeys {
		if value, ok := vars[key]; ok {
			result = append(result, string(value))
		}
	}
	return result
}

func anyOf(candidates []string, values map[string]bool) bool {
	for _, candidate := range candidates {
		if values[candidate] {
			return true
		}
	}
	return false
}

func matchAny(expressions []string, fact Fact) (bool, error) {
	for _, expression := range expressions {
		re, err := regexp.Compile(expression)
		if err != nil {
			return false, fmt.Errorf(`error compiling regexp for condition "%s" - %s`, expression, err)
		}
		for _, value := range fact {
			if re.MatchString(value) {
				return true, nil
			}
		}
	}
	return false, nil
}
