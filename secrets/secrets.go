// Package secrets resolves the secrets a stage needs at dispatch time. Values
// are handed to the backend only and never stored with the run.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/reeveci/reeve-pipeline/schema"
)

type Provider interface {
	Name() string
	// GetSecret fails with schema.ERROR_NOT_FOUND for unknown names.
	GetSecret(ctx context.Context, name string) (string, error)
}

// Resolve reads one secret. With a Field the secret must be a JSON object
// holding that field as a string.
func Resolve(ctx context.Context, provider Provider, ref schema.SecretRef) (string, error) {
	value, err := provider.GetSecret(ctx, ref.Name)
	if err != nil {
		return "", err
	}
	if ref.Field == "" {
		return value, nil
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(value), &fields); err != nil {
		return "", fmt.Errorf("secret %q is not a JSON object - %w", ref.Name, err)
	}
	raw, ok := fields[ref.Field]
	if !ok {
		return "", fmt.Errorf("secret %q has no field %q - %w", ref.Name, ref.Field, schema.ERROR_NOT_FOUND)
	}
	field, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("field %q of secret %q is %T, not a string", ref.Field, ref.Name, raw)
	}
	return field, nil
}

// ResolveEnv resolves every binding into secret env values.
func ResolveEnv(ctx context.Context, provider Provider, refs map[string]schema.SecretRef) (map[string]schema.Env, error) {
	result := make(map[string]schema.Env, len(refs))
	if len(refs) == 0 {
		return result, nil
	}
	if provider == nil {
		return nil, fmt.Errorf("no secret provider configured - %w", schema.ERROR_UNAVAILABLE)
	}

	keys := make([]string, 0, len(refs))
	for key := range refs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value, err := Resolve(ctx, provider, refs[key])
		if err != nil {
			return nil, fmt.Errorf("error resolving secret for %s - %w", key, err)
		}
		result[key] = schema.Env{Value: value, Secret: true}
	}
	return result, nil
}

func notFound(provider, name string) error {
	return fmt.Errorf("secret %q not found in %s - %w", name, provider, schema.ERROR_NOT_FOUND)
}
