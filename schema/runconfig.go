package schema

import (
	"fmt"
	"sort"

	"github.com/google/shlex"
	"github.com/reeveci/reeve-pipeline/replacements"
)

// RawCommand is a command line string, an argument list, or a param reference.
type RawCommand interface{}
type LiteralCommand []string

type RawParam interface{}
type LiteralParam string
type EnvParam struct {
	Env     string   `json:"env" yaml:"env"`
	Replace []string `json:"replace" yaml:"replace"`
}
type VarParam struct {
	Var     string   `json:"var" yaml:"var"`
	Replace []string `json:"replace" yaml:"replace"`
}

// RunConfig is the command spec handed to a build or deploy backend. Params
// become additional environment variables of the command.
type RunConfig struct {
	Command   RawCommand          `json:"command" yaml:"command"`
	Directory RawParam            `json:"directory" yaml:"directory"`
	Params    map[string]RawParam `json:"params" yaml:"params"`
}

func (config RunConfig) Empty() bool {
	return config.Command == nil && config.Directory == nil && len(config.Params) == 0
}

// GetEnv lists the env keys the config references.
func (config RunConfig) GetEnv() []string {
	params := make([]RawParam, 0, 2+len(config.Params))
	params = append(params, config.Command, config.Directory)
	for _, param := range config.Params {
		params = append(params, param)
	}

	var keys []string
	for _, param := range params {
		if ref, err := parseRef(param); err == nil && ref != nil && ref.env != "" {
			keys = append(keys, ref.env)
		}
	}
	sort.Strings(keys)
	return keys
}

type ResolvedRunConfig struct {
	Command   []string
	Directory string
	Params    map[string]string
}

// Resolve substitutes env and var references. References that cannot be
// resolved are reported rather than failing, so the caller can name all of
// them at once.
func (config RunConfig) Resolve(env map[string]Env, vars map[string]Var) (result ResolvedRunConfig, unresolvedEnv, unresolvedVars []string, err error) {
	r := &resolver{env: env, vars: vars}

	if result.Command, err = r.command(config.Command); err != nil {
		err = fmt.Errorf("invalid command - %w", err)
		return
	}
	if result.Directory, _, err = r.value(config.Directory); err != nil {
		err = fmt.Errorf("invalid directory - %w", err)
		return
	}

	result.Params = make(map[string]string, len(config.Params))
	for key, param := range config.Params {
		if key == "" {
			continue
		}
		value, ok, paramErr := r.value(param)
		if paramErr != nil {
			err = fmt.Errorf("invalid param %q - %w", key, paramErr)
			return
		}
		if ok {
			result.Params[key] = value
		}
	}

	return result, r.missingEnv, r.missingVars, nil
}

// paramRef is a param read from the stage env or the run vars, rewritten by the
// replace expressions.
type paramRef struct {
	env, variable string
	replace       []string
}

// parseRef returns nil for literal params.
func parseRef(param RawParam) (*paramRef, error) {
	switch value := param.(type) {
	case EnvParam:
		return &paramRef{env: value.Env, replace: value.Replace}, nil

	case VarParam:
		return &paramRef{variable: value.Var, replace: value.Replace}, nil

	case map[string]any:
		// decoded from YAML
		replace, err := stringList("replace", value["replace"])
		if err != nil {
			return nil, err
		}
		envKey, err := optionalString("env", value["env"])
		if err != nil {
			return nil, err
		}
		varKey, err := optionalString("var", value["var"])
		if err != nil {
			return nil, err
		}
		switch {
		case envKey != "":
			return &paramRef{env: envKey, replace: replace}, nil
		case varKey != "":
			return &paramRef{variable: varKey, replace: replace}, nil
		default:
			return nil, fmt.Errorf("expected env or var but got %v", value)
		}

	default:
		return nil, nil
	}
}

type resolver struct {
	env  map[string]Env
	vars map[string]Var

	missingEnv, missingVars []string
}

func (r *resolver) command(command RawCommand) ([]string, error) {
	switch value := command.(type) {
	case nil:
		return nil, nil
	case []string:
		return value, nil
	case LiteralCommand:
		return value, nil
	case []any:
		return stringList("command", value)
	}

	line, ok, err := r.value(command)
	if err != nil || !ok {
		return nil, err
	}
	return shlex.Split(line)
}

// value reports ok=false for an unresolved reference.
func (r *resolver) value(param RawParam) (string, bool, error) {
	switch value := param.(type) {
	case nil:
		return "", true, nil
	case string:
		return value, true, nil
	case LiteralParam:
		return string(value), true, nil
	}

	ref, err := parseRef(param)
	if err != nil {
		return "", false, err
	}
	if ref == nil {
		return "", false, fmt.Errorf("unexpected value %v of type %T", param, param)
	}
	if ref.env == "" && ref.variable == "" {
		return "", false, fmt.Errorf("empty env or var reference")
	}

	var raw string
	if ref.env != "" {
		env, found := r.env[ref.env]
		if !found {
			r.missingEnv = append(r.missingEnv, ref.env)
			return "", false, nil
		}
		raw = env.Value
	} else {
		variable, found := r.vars[ref.variable]
		if !found {
			r.missingVars = append(r.missingVars, ref.variable)
			return "", false, nil
		}
		raw = string(variable)
	}

	result, err := replacements.Apply(raw, ref.replace)
	return result, err == nil, err
}

func optionalString(field string, raw any) (string, error) {
	if raw == nil {
		return "", nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string but is %T (%v)", field, raw, raw)
	}
	return value, nil
}

func stringList(field string, raw any) ([]string, error) {
	switch value := raw.(type) {
	case nil:
		return nil, nil
	case []string:
		return value, nil
	case []any:
		result := make([]string, len(value))
		for i, item := range value {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s may only contain strings but contains %T (%v)", field, item, item)
			}
			result[i] = s
		}
		return result, nil
	default:
		return nil, fmt.Errorf("%s must be a list but is %T (%v)", field, raw, raw)
	}
}
