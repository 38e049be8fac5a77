package runstore

import (
	"context"
	"fmt"
	"time"

	"github.com/reeveci/reeve-pipeline/schema"
)

// Record is the persisted state of a run. Result is set exactly once, when the
// run finishes.
type Record struct {
	ID        string            `json:"id"`
	Pipeline  string            `json:"pipeline"`
	Status    schema.Status     `json:"status"`
	Context   schema.RunContext `json:"context"`
	Result    *schema.RunResult `json:"result,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

type Store interface {
	Create(ctx context.Context, rc schema.RunContext) error
	// Update fails with ERROR_ALREADY_FINISHED once the run has a result.
	Update(ctx context.Context, id string, status schema.Status, rc schema.RunContext) error
	// Finish records the terminal result. Only the first call succeeds, later
	// calls fail with ERROR_ALREADY_FINISHED.
	Finish(ctx context.Context, id string, rc schema.RunContext, result schema.RunResult) error
	Get(ctx context.Context, id string) (Record, error)
	// Unfinished lists the runs without a result, oldest first.
	Unfinished(ctx context.Context) ([]Record, error)
	Close() error
}

func notFound(id string) error {
	return fmt.Errorf("run %s - %w", id, schema.ERROR_NOT_FOUND)
}

func alreadyFinished(id string) error {
	return fmt.Errorf("run %s - %w", id, schema.ERROR_ALREADY_FINISHED)
}

func checkResult(id string, result schema.RunResult) error {
	if !result.Status.Finished() {
		return fmt.Errorf("run %s cannot finish with status %s", id, result.Status)
	}
	return nil
}
