package executors

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reeveci/reeve-pipeline/schema"
	"github.com/reeveci/reeve-pipeline/source"
)

type resolverFunc func(ctx context.Context, ref source.Ref) (source.Snapshot, error)

func (f resolverFunc) ResolveRef(ctx context.Context, ref source.Ref) (source.Snapshot, error) {
	return f(ctx, ref)
}

func sourceInput() Input {
	return Input{
		Run:   schema.RunContext{RunID: "run-1", Owner: "acme", Repo: "api", Branch: "main"},
		Stage: schema.StageSpec{Name: "Source", Kind: schema.KIND_SOURCE, Outputs: []string{"SourceArtifact"}},
		Env:   map[string]schema.Env{"GITHUB_TOKEN": {Value: "t0k3n", Secret: true}},
	}
}

func TestSourceFetch(t *testing.T) {
	var requested source.Ref
	fetch := &SourceFetch{
		TokenEnv: "GITHUB_TOKEN",
		Resolver: resolverFunc(func(ctx context.Context, ref source.Ref) (source.Snapshot, error) {
			requested = ref
			return source.Snapshot{Ref: ref, Commit: "abc123", Archive: []byte("tar")}, nil
		}),
	}

	outcome := fetch.Run(context.Background(), sourceInput())
	require.True(t, outcome.Succeeded(), outcome.Error())
	assert.Equal(t, map[string][]byte{"SourceArtifact": []byte("tar")}, outcome.Outputs)
	assert.Equal(t, source.Ref{Owner: "acme", Repo: "api", Branch: "main", Token: "t0k3n"}, requested)

	input := sourceInput()
	input.Run.Ref = "9fceb02d0ae598e95dc970b74767f19372d61af8"
	outcome = fetch.Run(context.Background(), input)
	require.True(t, outcome.Succeeded(), outcome.Error())
	assert.Equal(t, input.Run.Ref, requested.Commit)
}

func TestSourceFetchUnavailable(t *testing.T) {
	fetch := &SourceFetch{
		Resolver: resolverFunc(func(ctx context.Context, ref source.Ref) (source.Snapshot, error) {
			assert.Empty(t, ref.Token)
			return source.Snapshot{}, errors.New("repository not found")
		}),
	}

	outcome := fetch.Run(context.Background(), sourceInput())
	assert.Equal(t, schema.OUTCOME_FAILED, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, schema.ERROR_SOURCE_UNAVAILABLE)
	assert.Contains(t, outcome.Error(), "repository not found")

	input := sourceInput()
	input.Stage.Outputs = nil
	outcome = fetch.Run(context.Background(), input)
	assert.ErrorIs(t, outcome.Err, schema.ERROR_SOURCE_UNAVAILABLE)
}
