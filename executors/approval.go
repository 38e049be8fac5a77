package executors

import (
	"context"
	"fmt"
	"time"

	"github.com/reeveci/reeve-pipeline/approvals"
	"github.com/reeveci/reeve-pipeline/schema"
)

// ApprovalGate holds a run until a reviewer decides. A stage timeout overrides
// Timeout, zero waits indefinitely.
type ApprovalGate struct {
	Broker  *approvals.Broker
	Timeout time.Duration
}

func (g *ApprovalGate) Suspend(ctx context.Context, input Input, resume func(approvals.Decision)) error {
	timeout := g.Timeout
	if input.Stage.Timeout > 0 {
		timeout = input.Stage.Timeout
	}

	request := approvals.Request{
		RunID:       input.Run.RunID,
		Pipeline:    input.Run.Pipeline,
		Stage:       input.Stage.Name,
		Environment: input.Run.Environment,
		Message:     input.Stage.Message,
	}
	if err := g.Broker.Request(ctx, request, timeout, resume); err != nil {
		return err
	}

	if input.Logs != nil {
		input.Logs.Printf("waiting for approval: %s\n", input.Stage.Message)
	}
	return nil
}

func (g *ApprovalGate) Resume(input Input, decision approvals.Decision) schema.StageOutcome {
	switch {
	case decision.Approved:
		if input.Logs != nil {
			input.Logs.Printf("approved by %s\n", actor(decision))
		}
		return schema.Success(nil)

	case decision.TimedOut:
		return schema.Failure(fmt.Errorf("stage %s was not approved in time - %w - %w", input.Stage.Name, schema.ERROR_TIMEOUT, schema.ERROR_REJECTED))

	default:
		err := fmt.Errorf("stage %s was rejected by %s - %w", input.Stage.Name, actor(decision), schema.ERROR_REJECTED)
		if decision.Comment != "" {
			err = fmt.Errorf("stage %s was rejected by %s (%s) - %w", input.Stage.Name, actor(decision), decision.Comment, schema.ERROR_REJECTED)
		}
		return schema.Failure(err)
	}
}

// Run waits in place for the decision.
func (g *ApprovalGate) Run(ctx context.Context, input Input) schema.StageOutcome {
	decisions := make(chan approvals.Decision, 1)
	if err := g.Suspend(ctx, input, func(decision approvals.Decision) { decisions <- decision }); err != nil {
		return schema.Failure(err)
	}

	select {
	case decision := <-decisions:
		return g.Resume(input, decision)

	case <-ctx.Done():
		g.Broker.Withdraw(input.Run.RunID)
		return schema.Failure(fmt.Errorf("waiting for approval of stage %s - %s - %w", input.Stage.Name, ctx.Err(), schema.ERROR_CANCELLED))
	}
}

func actor(decision approvals.Decision) string {
	if decision.Actor == "" {
		return "unknown reviewer"
	}
	return decision.Actor
}
