package schema

import (
	"fmt"
	"strings"
)

type Error string

func (err Error) Error() string {
	return string(err)
}

const ERROR_UNAVAILABLE = Error("not available")

const ERROR_VALIDATION = Error("invalid pipeline definition")
const ERROR_SOURCE_UNAVAILABLE = Error("source unavailable")
const ERROR_PERMISSION_DENIED = Error("permission denied")
const ERROR_BUILD_FAILED = Error("build failed")
const ERROR_DEPLOY_FAILED = Error("deploy failed")
const ERROR_REJECTED = Error("rejected")
const ERROR_TIMEOUT = Error("timeout")
const ERROR_CANCELLED = Error("cancelled")

const ERROR_NOT_FOUND = Error("not found")
const ERROR_IMMUTABLE = Error("artifact already exists with different content")
const ERROR_ALREADY_FINISHED = Error("run already finished")

// ValidationError collects every problem found in a pipeline definition.
type ValidationError struct {
	Pipeline string
	Problems []string
}

func (err *ValidationError) Error() string {
	name := err.Pipeline
	if name == "" {
		name = "<unnamed>"
	}
	return fmt.Sprintf("invalid pipeline definition %q - %s", name, strings.Join(err.Problems, "; "))
}

func (err *ValidationError) Is(target error) bool {
	return target == ERROR_VALIDATION
}

func (err *ValidationError) Add(format string, a ...any) {
	err.Problems = append(err.Problems, fmt.Sprintf(format, a...))
}

// OrNil returns err if any problem was recorded.
func (err *ValidationError) OrNil() error {
	if len(err.Problems) == 0 {
		return nil
	}
	return err
}
