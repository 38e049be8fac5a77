// Package artifacts hands stage outputs from one stage to the next. Every
// artifact is write-once: a reference never changes after it was created.
package artifacts

import (
	"context"
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/reeveci/reeve-pipeline/schema"
)

type Store interface {
	// Put stores content under namespace/name. Putting identical content again
	// returns the existing reference; different content fails with
	// schema.ERROR_IMMUTABLE.
	Put(ctx context.Context, namespace, name string, content []byte) (schema.ArtifactRef, error)
	// Get fails with schema.ERROR_NOT_FOUND unless ref exists with the same digest.
	Get(ctx context.Context, ref schema.ArtifactRef) ([]byte, error)
	Exists(ctx context.Context, ref schema.ArtifactRef) (bool, error)
	// Discard removes every artifact of a namespace once its run has retired.
	Discard(ctx context.Context, namespace string) error
}

func Ref(namespace, name string, content []byte) schema.ArtifactRef {
	return schema.ArtifactRef{
		Namespace: namespace,
		Name:      name,
		Digest:    digest.FromBytes(content),
		Size:      int64(len(content)),
	}
}

func validate(namespace, name string) error {
	if namespace == "" {
		return fmt.Errorf("artifact namespace is required")
	}
	if name == "" {
		return fmt.Errorf("artifact name is required")
	}
	return nil
}

func notFound(ref schema.ArtifactRef) error {
	return fmt.Errorf("artifact %s - %w", ref, schema.ERROR_NOT_FOUND)
}

func immutable(existing schema.ArtifactRef) error {
	return fmt.Errorf("artifact %s - %w", existing, schema.ERROR_IMMUTABLE)
}
