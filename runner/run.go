package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/reeveci/reeve-pipeline/approvals"
	"github.com/reeveci/reeve-pipeline/definition"
	"github.com/reeveci/reeve-pipeline/logs"
	"github.com/reeveci/reeve-pipeline/schema"
)

// run is the in-memory state of an active run. Only the worker holding lock
// touches rc, status and stageStarted.
type run struct {
	definition *definition.Definition
	plan       []schema.StageSpec
	logs       logs.LogWriter
	traceCtx   context.Context
	span       trace.Span

	lock         sync.Mutex
	rc           schema.RunContext
	status       schema.Status
	stageStarted time.Time

	cancelled atomic.Bool

	signal   sync.Mutex
	decision *approvals.Decision

	done   chan struct{}
	result schema.RunResult
}

func newRun(def *definition.Definition, plan []schema.StageSpec, rc schema.RunContext, status schema.Status, writer logs.LogWriter) *run {
	return &run{
		definition: def,
		plan:       plan,
		logs:       writer,
		rc:         rc,
		status:     status,
		done:       make(chan struct{}),
	}
}

func (r *run) id() string {
	return r.rc.RunID
}

func (r *run) setDecision(decision approvals.Decision) {
	r.signal.Lock()
	defer r.signal.Unlock()

	r.decision = &decision
}

func (r *run) takeDecision() (decision approvals.Decision, ok bool) {
	r.signal.Lock()
	defer r.signal.Unlock()

	if r.decision == nil {
		return
	}
	decision, ok = *r.decision, true
	r.decision = nil
	return
}

func (r *run) currentStage() (schema.StageSpec, bool) {
	index := r.rc.StageIndex
	if index < 0 || index >= len(r.plan) {
		return schema.StageSpec{}, false
	}
	return r.plan[index], true
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func copyArtifacts(artifacts map[string]schema.ArtifactRef) map[string]schema.ArtifactRef {
	result := make(map[string]schema.ArtifactRef, len(artifacts))
	for key, value := range artifacts {
		result[key] = value
	}
	return result
}
