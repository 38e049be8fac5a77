// Package permissions holds the environment scoped capability grants bound to
// build and deploy stages and the pre-check the runner performs at dispatch.
package permissions

import (
	"fmt"
	"sort"
	"strings"

	"github.com/reeveci/reeve-pipeline/schema"
)

const ALL_RESOURCES = "*"

// Profile is an immutable set of grants.
type Profile struct {
	name   string
	grants []schema.Grant
	all    bool
}

// New builds a profile from its declaration. A grant on every resource is
// refused unless the declaration opts in with AllowAllResources.
func New(name string, spec schema.Profile) (Profile, error) {
	grants := make([]schema.Grant, 0, len(spec.Grants))
	for i, grant := range spec.Grants {
		resource := strings.TrimSpace(grant.Resource)
		if resource == "" {
			return Profile{}, fmt.Errorf("profile %q grant %d has no resource", name, i)
		}
		if len(grant.Actions) == 0 {
			return Profile{}, fmt.Errorf("profile %q grant %d on %q has no actions", name, i, resource)
		}
		if MatchesAll(resource) && !spec.AllowAllResources {
			return Profile{}, fmt.Errorf("profile %q grants every resource without allowAllResources", name)
		}

		actions := make([]string, 0, len(grant.Actions))
		for _, action := range grant.Actions {
			action = strings.TrimSpace(action)
			if action == "" {
				return Profile{}, fmt.Errorf("profile %q grant %d on %q has an empty action", name, i, resource)
			}
			actions = append(actions, action)
		}

		grants = append(grants, schema.Grant{Resource: resource, Actions: actions})
	}

	return Profile{name: name, grants: grants, all: spec.AllowAllResources}, nil
}

// Must is New for statically known profiles.
func Must(name string, spec schema.Profile) Profile {
	profile, err := New(name, spec)
	if err != nil {
		panic(err)
	}
	return profile
}

func (p Profile) Name() string {
	return p.name
}

func (p Profile) Grants() []schema.Grant {
	result := make([]schema.Grant, len(p.grants))
	for i, grant := range p.grants {
		result[i] = schema.Grant{Resource: grant.Resource, Actions: append([]string(nil), grant.Actions...)}
	}
	return result
}

// Allows reports whether some grant covers action on resource. Actions compare
// case-insensitively, resources exactly.
func (p Profile) Allows(action, resource string) bool {
	for _, grant := range p.grants {
		if !Match(grant.Resource, resource) {
			continue
		}
		for _, pattern := range grant.Actions {
			if Match(strings.ToLower(pattern), strings.ToLower(action)) {
				return true
			}
		}
	}
	return false
}

// Missing lists every required action the profile does not grant, formatted
// as "action on resource".
func (p Profile) Missing(required []schema.Grant) []string {
	var missing []string
	for _, requirement := range required {
		for _, action := range requirement.Actions {
			if !p.Allows(action, requirement.Resource) {
				missing = append(missing, action+" on "+requirement.Resource)
			}
		}
	}
	sort.Strings(missing)
	return missing
}

// Check fails with ERROR_PERMISSION_DENIED unless every requirement is granted.
func Check(p Profile, required []schema.Grant) error {
	missing := p.Missing(required)
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("profile %q lacks %s - %w", p.name, strings.Join(missing, ", "), schema.ERROR_PERMISSION_DENIED)
}

// Lint returns warnings for grants that are broader than least privilege.
func Lint(p Profile) []string {
	var warnings []string
	for _, grant := range p.grants {
		if MatchesAll(grant.Resource) {
			warnings = append(warnings, fmt.Sprintf("profile %q grants %s on every resource", p.name, strings.Join(grant.Actions, ", ")))
		}
		for _, action := range grant.Actions {
			if MatchesAll(action) || strings.HasSuffix(action, ":*") {
				warnings = append(warnings, fmt.Sprintf("profile %q grants wildcard action %q on %q", p.name, action, grant.Resource))
			}
		}
	}
	return warnings
}

// MatchesAll reports whether pattern matches every non-empty value, like
// ALL_RESOURCES does. That is the case for any mix of '*' and '?' containing a
// '*'.
func MatchesAll(pattern string) bool {
	star := false
	for _, r := range pattern {
		switch r {
		case '*':
			star = true
		case '?':
		default:
			return false
		}
	}
	return star
}

// Match reports whether value matches pattern, where '*' matches any run of
// characters and '?' exactly one.
func Match(pattern, value string) bool {
	p := []rune(pattern)
	v := []rune(value)

	pi, vi := 0, 0
	star, mark := -1, 0
	for vi < len(v) {
		switch {
		case pi < len(p) && (p[pi] == '?' || p[pi] == v[vi]):
			pi++
			vi++
		case pi < len(p) && p[pi] == '*':
			star = pi
			mark = vi
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			vi = mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}
