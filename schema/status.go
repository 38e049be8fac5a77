package schema

import (
	"errors"
	"io"
)

type Status string

const STATUS_PENDING Status = "pending"
const STATUS_RUNNING Status = "running"
const STATUS_WAITING Status = "waiting"
const STATUS_SUCCEEDED Status = "succeeded"
const STATUS_FAILED Status = "failed"
const STATUS_CANCELLED Status = "cancelled"

func (s Status) Running() bool {
	switch s {
	case STATUS_RUNNING, STATUS_WAITING:
		return true

	default:
		return false
	}
}

func (s Status) Finished() bool {
	switch s {
	case STATUS_SUCCEEDED, STATUS_FAILED, STATUS_CANCELLED:
		return true

	default:
		return false
	}
}

type OutcomeKind string

const OUTCOME_SUCCESS OutcomeKind = "success"
const OUTCOME_FAILED OutcomeKind = "failed"
const OUTCOME_REJECTED OutcomeKind = "rejected"
const OUTCOME_CANCELLED OutcomeKind = "cancelled"

// LogReader reads the captured output of a stage. Size reports whether the
// output is complete.
type LogReader interface {
	io.ReadSeekCloser

	ReadAt(p []byte, offset int64) (n int, err error)
	Size() (int64, bool)
}

// LogReaderProvider hands out independent readers of one stage output.
type LogReaderProvider interface {
	Available() bool
	Reader() (LogReader, error)
	io.Closer
}

// StageOutcome is the value every executor run returns. Outputs are only
// committed to the artifact store by the runner, and only for successful stages.
type StageOutcome struct {
	Kind     OutcomeKind
	Err      error
	ExitCode int
	Outputs  map[string][]byte
	Logs     LogReaderProvider
}

func Success(outputs map[string][]byte) StageOutcome {
	return StageOutcome{Kind: OUTCOME_SUCCESS, Outputs: outputs}
}

// Failure classifies err into an outcome. Rejections and cancellations keep
// their own kind so they can be reported distinctly.
func Failure(err error) StageOutcome {
	if err == nil {
		err = ERROR_UNAVAILABLE
	}

	switch {
	case errors.Is(err, ERROR_REJECTED):
		return StageOutcome{Kind: OUTCOME_REJECTED, Err: err}

	case errors.Is(err, ERROR_CANCELLED):
		return StageOutcome{Kind: OUTCOME_CANCELLED, Err: err}

	default:
		return StageOutcome{Kind: OUTCOME_FAILED, Err: err}
	}
}

func (o StageOutcome) Succeeded() bool {
	return o.Kind == OUTCOME_SUCCESS
}

func (o StageOutcome) Error() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
