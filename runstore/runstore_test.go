package runstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reeveci/reeve-pipeline/schema"
)

func stores(t *testing.T) map[string]Store {
	sqlite, err := NewSQLStore(context.Background(), DRIVER_SQLITE, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func runContext(id string) schema.RunContext {
	return schema.NewRunContext(id, "api", schema.Trigger{Environment: "prod", Branch: "main"}, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
}

func TestLifecycle(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rc := runContext("run-1")
			rc.Stages = []string{"Source", "Build"}
			require.NoError(t, store.Create(ctx, rc))
			assert.Error(t, store.Create(ctx, rc))

			record, err := store.Get(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, schema.STATUS_PENDING, record.Status)
			assert.Equal(t, "api", record.Pipeline)
			assert.Equal(t, []string{"Source", "Build"}, record.Context.Stages)
			assert.Nil(t, record.Result)

			rc.StageIndex = 1
			rc.Artifacts["SourceArtifact"] = schema.ArtifactRef{Namespace: "run-1", Name: "SourceArtifact", Digest: "sha256:abc", Size: 3}
			require.NoError(t, store.Update(ctx, "run-1", schema.STATUS_RUNNING, rc))

			record, err = store.Get(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, schema.STATUS_RUNNING, record.Status)
			assert.Equal(t, 1, record.Context.StageIndex)
			assert.Equal(t, rc.Artifacts, record.Context.Artifacts)

			result := schema.RunResult{RunID: "run-1", Pipeline: "api", Status: schema.STATUS_SUCCEEDED, Outcome: schema.OUTCOME_SUCCESS}
			require.NoError(t, store.Finish(ctx, "run-1", rc, result))

			err = store.Finish(ctx, "run-1", rc, schema.RunResult{Status: schema.STATUS_FAILED})
			assert.ErrorIs(t, err, schema.ERROR_ALREADY_FINISHED)
			err = store.Update(ctx, "run-1", schema.STATUS_RUNNING, rc)
			assert.ErrorIs(t, err, schema.ERROR_ALREADY_FINISHED)

			record, err = store.Get(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, schema.STATUS_SUCCEEDED, record.Status)
			require.NotNil(t, record.Result)
			assert.Equal(t, schema.OUTCOME_SUCCESS, record.Result.Outcome)
		})
	}
}

func TestNotFound(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.Get(ctx, "missing")
			assert.ErrorIs(t, err, schema.ERROR_NOT_FOUND)
			assert.ErrorIs(t, store.Update(ctx, "missing", schema.STATUS_RUNNING, runContext("missing")), schema.ERROR_NOT_FOUND)
			assert.ErrorIs(t, store.Finish(ctx, "missing", runContext("missing"), schema.RunResult{Status: schema.STATUS_FAILED}), schema.ERROR_NOT_FOUND)
		})
	}
}

func TestFinishRequiresTerminalStatus(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Create(ctx, runContext("run-1")))
			assert.Error(t, store.Finish(ctx, "run-1", runContext("run-1"), schema.RunResult{Status: schema.STATUS_WAITING}))
		})
	}
}

func TestFinishExactlyOnce(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Create(ctx, runContext("run-1")))

			var wg sync.WaitGroup
			errs := make(chan error, 8)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					errs <- store.Finish(ctx, "run-1", runContext("run-1"), schema.RunResult{RunID: "run-1", Status: schema.STATUS_CANCELLED})
				}()
			}
			wg.Wait()
			close(errs)

			succeeded := 0
			for err := range errs {
				if err == nil {
					succeeded++
				} else {
					assert.ErrorIs(t, err, schema.ERROR_ALREADY_FINISHED)
				}
			}
			assert.Equal(t, 1, succeeded)
		})
	}
}

func TestUnfinished(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, id := range []string{"run-a", "run-b", "run-c"} {
				require.NoError(t, store.Create(ctx, runContext(id)))
				time.Sleep(time.Millisecond)
			}
			require.NoError(t, store.Update(ctx, "run-c", schema.STATUS_WAITING, runContext("run-c")))
			require.NoError(t, store.Finish(ctx, "run-b", runContext("run-b"), schema.RunResult{Status: schema.STATUS_FAILED}))

			records, err := store.Unfinished(ctx)
			require.NoError(t, err)
			require.Len(t, records, 2)
			assert.Equal(t, "run-a", records[0].ID)
			assert.Equal(t, "run-c", records[1].ID)
			assert.Equal(t, schema.STATUS_WAITING, records[1].Status)
		})
	}
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := NewSQLStore(context.Background(), "mysql", "")
	assert.Error(t, err)
}
