// Package definition validates pipeline definitions and derives the concrete
// stage sequence of a run.
package definition

import (
	"fmt"
	"sort"

	"github.com/reeveci/reeve-pipeline/conditions"
	"github.com/reeveci/reeve-pipeline/permissions"
	"github.com/reeveci/reeve-pipeline/schema"
)

// Definition is a validated, immutable pipeline definition. It is safe to share
// between concurrent runs.
type Definition struct {
	spec     schema.PipelineDefinition
	index    map[string]int
	profiles map[string]permissions.Profile
}

type Option func(*schema.PipelineDefinition)

func WithSource(owner, repo, branch string) Option {
	return func(spec *schema.PipelineDefinition) {
		spec.Owner = owner
		spec.Repo = repo
		spec.Branch = branch
	}
}

func WithEnv(env map[string]schema.Env) Option {
	return func(spec *schema.PipelineDefinition) {
		spec.Env = env
	}
}

func WithSecrets(secrets map[string]schema.SecretRef) Option {
	return func(spec *schema.PipelineDefinition) {
		spec.Secrets = secrets
	}
}

func WithProfile(name string, profile schema.Profile) Option {
	return func(spec *schema.PipelineDefinition) {
		if spec.Profiles == nil {
			spec.Profiles = make(map[string]schema.Profile)
		}
		spec.Profiles[name] = profile
	}
}

// Build assembles and validates a definition from an ordered stage list.
func Build(name string, stages []schema.StageSpec, opts ...Option) (*Definition, error) {
	spec := schema.PipelineDefinition{Name: name, Stages: stages}
	for _, opt := range opts {
		opt(&spec)
	}
	return New(spec)
}

// New validates spec. Every problem found is reported in one
// *schema.ValidationError.
func New(spec schema.PipelineDefinition) (*Definition, error) {
	spec = clone(spec)
	verr := &schema.ValidationError{Pipeline: spec.Name}

	if spec.Name == "" {
		verr.Add("name is required")
	}

	profiles := make(map[string]permissions.Profile, len(spec.Profiles))
	for _, name := range sortedKeys(spec.Profiles) {
		profile, err := permissions.New(name, spec.Profiles[name])
		if err != nil {
			verr.Add("%s", err)
			continue
		}
		profiles[name] = profile
	}

	for _, key := range sortedKeys(spec.Secrets) {
		if spec.Secrets[key].Name == "" {
			verr.Add("secret %q has no name", key)
		}
	}

	index := validateStages(spec, verr)

	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	return &Definition{spec: spec, index: index, profiles: profiles}, nil
}

func validateStages(spec schema.PipelineDefinition, verr *schema.ValidationError) map[string]int {
	index := make(map[string]int, len(spec.Stages))
	producers := make(map[string]string)

	if len(spec.Stages) == 0 {
		verr.Add("at least one stage is required")
		return index
	}

	sources := 0
	for i, stage := range spec.Stages {
		label := fmt.Sprintf("stage %d (%q)", i, stage.Name)

		if stage.Name == "" {
			verr.Add("stage %d has no name", i)
		} else if _, exists := index[stage.Name]; exists {
			verr.Add("stage name %q is used more than once", stage.Name)
		} else {
			index[stage.Name] = i
		}

		if !stage.Kind.Valid() {
			verr.Add("%s has unknown kind %q", label, stage.Kind)
		}
		if stage.Executor == "" {
			verr.Add("%s has no executor", label)
		}
		if stage.Timeout < 0 {
			verr.Add("%s has a negative timeout", label)
		}

		switch stage.Kind {
		case schema.KIND_SOURCE:
			sources++
			if i != 0 {
				verr.Add("%s: the source stage must be first", label)
			}
			if stage.Input != "" {
				verr.Add("%s: a source stage takes no input", label)
			}
			if len(stage.When) > 0 {
				verr.Add("%s: a source stage cannot be conditional", label)
			}
			if len(stage.Outputs) != 1 {
				verr.Add("%s: a source stage produces exactly one artifact", label)
			}

		case schema.KIND_BUILD:
			if stage.Input == "" {
				verr.Add("%s: a build stage requires an input artifact", label)
			}
			if len(stage.Outputs) != 1 {
				verr.Add("%s: a build stage produces exactly one artifact", label)
			}

		case schema.KIND_APPROVAL:
			if stage.Input != "" || len(stage.Outputs) > 0 {
				verr.Add("%s: an approval stage neither consumes nor produces artifacts", label)
			}

		case schema.KIND_DEPLOY:
			if stage.Input == "" {
				verr.Add("%s: a deploy stage requires an input artifact", label)
			}
			if len(stage.Outputs) > 1 {
				verr.Add("%s: a deploy stage produces at most one artifact", label)
			}
		}

		if stage.Input != "" {
			if _, ok := producers[stage.Input]; !ok {
				verr.Add("%s consumes %q which no earlier stage produces", label, stage.Input)
			}
		}

		for _, output := range stage.Outputs {
			if output == "" {
				verr.Add("%s declares an unnamed output", label)
				continue
			}
			if producer, exists := producers[output]; exists {
				verr.Add("%s produces %q which %q already produces", label, output, producer)
				continue
			}
			producers[output] = stage.Name
		}

		if stage.Profile != "" {
			if _, ok := spec.Profiles[stage.Profile]; !ok {
				verr.Add("%s references unknown profile %q", label, stage.Profile)
			}
		} else if len(stage.Requires) > 0 {
			verr.Add("%s requires grants but has no profile", label)
		}
		if stage.Profile != "" && !stage.Kind.Privileged() {
			verr.Add("%s: only build and deploy stages take a profile", label)
		}

		if err := conditions.Validate(stage.When); err != nil {
			verr.Add("%s: %s", label, err)
		}
	}

	if sources == 0 {
		verr.Add("a source stage is required")
	} else if sources > 1 {
		verr.Add("exactly one source stage is allowed but found %d", sources)
	}

	return index
}

func (d *Definition) Name() string {
	return d.spec.Name
}

// Spec returns a copy of the underlying declaration.
func (d *Definition) Spec() schema.PipelineDefinition {
	return clone(d.spec)
}

func (d *Definition) Stages() []schema.StageSpec {
	return clone(d.spec).Stages
}

func (d *Definition) Stage(name string) (schema.StageSpec, bool) {
	i, ok := d.index[name]
	if !ok {
		return schema.StageSpec{}, false
	}
	return cloneStage(d.spec.Stages[i]), true
}

func (d *Definition) Profile(name string) (permissions.Profile, bool) {
	profile, ok := d.profiles[name]
	return profile, ok
}

func (d *Definition) Env() map[string]schema.Env {
	return copyMap(d.spec.Env)
}

func (d *Definition) Secrets() map[string]schema.SecretRef {
	return copyMap(d.spec.Secrets)
}

// Plan evaluates the stage conditions once against rc and returns the stages
// the run executes, in definition order. The same run context always yields
// the same plan.
func (d *Definition) Plan(rc schema.RunContext) ([]schema.StageSpec, error) {
	plan := make([]schema.StageSpec, 0, len(d.spec.Stages))
	available := make(map[string]bool)

	for _, stage := range d.spec.Stages {
		include, err := conditions.Include(stage, rc, d.spec.Env)
		if err != nil {
			return nil, &schema.ValidationError{Pipeline: d.spec.Name, Problems: []string{fmt.Sprintf("stage %q - %s", stage.Name, err)}}
		}
		if !include {
			continue
		}

		if stage.Input != "" && !available[stage.Input] {
			return nil, &schema.ValidationError{Pipeline: d.spec.Name, Problems: []string{
				fmt.Sprintf("stage %q consumes %q but its producer is excluded from this run", stage.Name, stage.Input),
			}}
		}
		for _, output := range stage.Outputs {
			available[output] = true
		}

		plan = append(plan, cloneStage(stage))
	}

	return plan, nil
}

// Lint reports definition choices that are valid but discouraged.
func (d *Definition) Lint() []string {
	var warnings []string

	for _, name := range sortedKeys(d.spec.Profiles) {
		if profile, ok := d.profiles[name]; ok {
			warnings = append(warnings, permissions.Lint(profile)...)
		}
	}

	for _, stage := range d.spec.Stages {
		if stage.Kind == schema.KIND_APPROVAL && stage.Message == "" {
			warnings = append(warnings, fmt.Sprintf("approval stage %q has no message for reviewers", stage.Name))
		}
		if stage.Kind.Privileged() && stage.Profile == "" {
			warnings = append(warnings, fmt.Sprintf("stage %q has no permission profile and may only run executors that need no grants", stage.Name))
		}
	}

	for _, key := range sortedKeys(d.spec.Secrets) {
		if _, ok := d.spec.Env[key]; ok {
			warnings = append(warnings, fmt.Sprintf("secret %q shadows the env value of the same name", key))
		}
	}

	return warnings
}

func clone(spec schema.PipelineDefinition) schema.PipelineDefinition {
	result := spec
	result.Env = copyMap(spec.Env)
	result.Secrets = copyMap(spec.Secrets)
	if spec.Profiles != nil {
		result.Profiles = make(map[string]schema.Profile, len(spec.Profiles))
		for name, profile := range spec.Profiles {
			result.Profiles[name] = schema.Profile{Grants: cloneGrants(profile.Grants), AllowAllResources: profile.AllowAllResources}
		}
	}
	if spec.Stages != nil {
		result.Stages = make([]schema.StageSpec, len(spec.Stages))
		for i, stage := range spec.Stages {
			result.Stages[i] = cloneStage(stage)
		}
	}
	return result
}

func cloneStage(stage schema.StageSpec) schema.StageSpec {
	result := stage
	result.Outputs = append([]string(nil), stage.Outputs...)
	result.Requires = cloneGrants(stage.Requires)
	result.When = copyMap(stage.When)
	result.Params = copyMap(stage.Params)
	return result
}

func cloneGrants(grants []schema.Grant) []schema.Grant {
	if grants == nil {
		return nil
	}
	result := make([]schema.Grant, len(grants))
	for i, grant := range grants {
		result[i] = schema.Grant{Resource: grant.Resource, Actions: append([]string(nil), grant.Actions...)}
	}
	return result
}

func copyMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return nil
	}
	result := make(map[string]V, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
