package executors

import (
	"context"
	"io"

	"github.com/reeveci/reeve-pipeline/schema"
)

// Request is a resolved command handed to a backend. Logs receives the
// command output, Input the content of the consumed artifact.
type Request struct {
	RunID     string
	Stage     string
	Kind      schema.StageKind
	Command   []string
	Directory string
	Env       map[string]string
	Grants    []schema.Grant
	Input     []byte
	Output    string
	Logs      io.Writer
}

// Result reports how the command ended. Artifact is nil if the command
// produced none.
type Result struct {
	ExitStatus int
	Artifact   []byte
}

// Backend runs build and deploy commands.
type Backend interface {
	Execute(ctx context.Context, request Request) (Result, error)
}

type BackendFunc func(ctx context.Context, request Request) (Result, error)

func (f BackendFunc) Execute(ctx context.Context, request Request) (Result, error) {
	return f(ctx, request)
}
