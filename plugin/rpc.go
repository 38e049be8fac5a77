package plugin

import (
	"context"
	"errors"
	"io"
	"net/rpc"
	"sync"
	"sync/atomic"

	goplugin "github.com/hashicorp/go-plugin"

	"github.com/reeveci/reeve-pipeline/executors"
	"github.com/reeveci/reeve-pipeline/schema"
)

// ExecuteArgs carries a request without its log writer. Logs are written back
// through the broker connection LogBroker.
type ExecuteArgs struct {
	ID        uint64
	RunID     string
	Stage     string
	Kind      schema.StageKind
	Command   []string
	Directory string
	Env       map[string]string
	Grants    []schema.Grant
	Input     []byte
	Output    string
	LogBroker uint32
}

type ExecuteReply struct {
	ExitStatus int
	Artifact   []byte
}

type BackendClient struct {
	client *rpc.Client
	broker *goplugin.MuxBroker
	nextID atomic.Uint64
}

func (b *BackendClient) Execute(ctx context.Context, request executors.Request) (executors.Result, error) {
	args := ExecuteArgs{
		ID:        b.nextID.Add(1),
		RunID:     request.RunID,
		Stage:     request.Stage,
		Kind:      request.Kind,
		Command:   request.Command,
		Directory: request.Directory,
		Env:       request.Env,
		Grants:    request.Grants,
		Input:     request.Input,
		Output:    request.Output,
	}

	if request.Logs != nil {
		args.LogBroker = b.broker.NextId()
		go b.broker.AcceptAndServe(args.LogBroker, &LogSinkServer{impl: request.Logs})
	}

	var reply ExecuteReply
	call := b.client.Go("Plugin.Execute", args, &reply, make(chan *rpc.Call, 1))

	select {
	case <-call.Done:
	case <-ctx.Done():
		b.client.Call("Plugin.Cancel", args.ID, new(interface{}))
		<-call.Done
	}

	if call.Error != nil {
		return executors.Result{}, translate(call.Error)
	}
	if err := ctx.Err(); err != nil {
		return executors.Result{}, err
	}
	return executors.Result{ExitStatus: reply.ExitStatus, Artifact: reply.Artifact}, nil
}

type BackendServer struct {
	impl   executors.Backend
	broker *goplugin.MuxBroker

	lock    sync.Mutex
	running map[uint64]context.CancelFunc
}

func (b *BackendServer) Execute(args ExecuteArgs, resp *ExecuteReply) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b.lock.Lock()
	b.running[args.ID] = cancel
	b.lock.Unlock()
	defer func() {
		b.lock.Lock()
		delete(b.running, args.ID)
		b.lock.Unlock()
	}()

	request := executors.Request{
		RunID:     args.RunID,
		Stage:     args.Stage,
		Kind:      args.Kind,
		Command:   args.Command,
		Directory: args.Directory,
		Env:       args.Env,
		Grants:    args.Grants,
		Input:     args.Input,
		Output:    args.Output,
		Logs:      io.Discard,
	}

	if args.LogBroker != 0 {
		conn, err := b.broker.Dial(args.LogBroker)
		if err != nil {
			return err
		}
		sink := &LogSinkClient{client: rpc.NewClient(conn)}
		defer sink.Close()
		request.Logs = sink
	}

	result, err := b.impl.Execute(ctx, request)
	if err != nil {
		return err
	}
	*resp = ExecuteReply{ExitStatus: result.ExitStatus, Artifact: result.Artifact}
	return nil
}

func (b *BackendServer) Cancel(args uint64, resp *interface{}) error {
	b.lock.Lock()
	cancel, ok := b.running[args]
	b.lock.Unlock()
	if ok {
		cancel()
	}
	return nil
}

type LogSinkClient struct {
	client *rpc.Client
}

func (l *LogSinkClient) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := l.client.Call("Plugin.Write", p, new(interface{})); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (l *LogSinkClient) Close() error {
	return l.client.Close()
}

type LogSinkServer struct {
	impl io.Writer
}

func (l *LogSinkServer) Write(args []byte, resp *interface{}) error {
	_, err := l.impl.Write(args)
	return err
}

// translate restores the errors the runner tells apart, net/rpc only
// transfers their text.
func translate(err error) error {
	var serverErr rpc.ServerError
	if !errors.As(err, &serverErr) {
		return err
	}

	switch string(serverErr) {
	case context.Canceled.Error():
		return context.Canceled
	case context.DeadlineExceeded.Error():
		return context.DeadlineExceeded
	case io.EOF.Error():
		return io.EOF
	default:
		return err
	}
}

type BackendPlugin struct {
	Impl executors.Backend
}

func (p *BackendPlugin) Server(b *goplugin.MuxBroker) (interface{}, error) {
	return &BackendServer{impl: p.Impl, broker: b, running: make(map[uint64]context.CancelFunc)}, nil
}

var _ executors.Backend = (*BackendClient)(nil)

func (BackendPlugin) Client(b *goplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &BackendClient{client: c, broker: b}, nil
}
