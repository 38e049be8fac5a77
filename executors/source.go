package executors

import (
	"context"
	"errors"
	"fmt"

	"github.com/reeveci/reeve-pipeline/schema"
	"github.com/reeveci/reeve-pipeline/source"
)

const DEFAULT_TOKEN_ENV = "GIT_TOKEN"

// SourceFetch snapshots the run's ref, or the head of its branch if no ref was
// given, into its output artifact.
type SourceFetch struct {
	Resolver source.Resolver
	// Name of the env value holding the repository token, usually a secret.
	TokenEnv string
}

func (s *SourceFetch) Run(ctx context.Context, input Input) schema.StageOutcome {
	if len(input.Stage.Outputs) != 1 {
		return schema.Failure(fmt.Errorf("source stage %s must declare exactly one output - %w", input.Stage.Name, schema.ERROR_SOURCE_UNAVAILABLE))
	}

	tokenEnv := s.TokenEnv
	if tokenEnv == "" {
		tokenEnv = DEFAULT_TOKEN_ENV
	}

	ref := source.Ref{
		Owner:  input.Run.Owner,
		Repo:   input.Run.Repo,
		Branch: input.Run.Branch,
		Commit: input.Run.Ref,
		Token:  input.Env[tokenEnv].Value,
	}

	snapshot, err := s.Resolver.ResolveRef(ctx, ref)
	if err != nil {
		if !errors.Is(err, schema.ERROR_SOURCE_UNAVAILABLE) {
			err = fmt.Errorf("%s - %w", err, schema.ERROR_SOURCE_UNAVAILABLE)
		}
		return schema.Failure(err)
	}

	if input.Logs != nil {
		input.Logs.Printf("fetched %s at %s (%d bytes)\n", ref, snapshot.Commit, len(snapshot.Archive))
	}

	return schema.Success(map[string][]byte{input.Stage.Outputs[0]: snapshot.Archive})
}
