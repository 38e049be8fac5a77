package plugin

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"

	"github.com/reeveci/reeve-pipeline/executors"
	"github.com/reeveci/reeve-pipeline/schema"
)

type PluginConfig struct {
	Backend executors.Backend
	Logger  hclog.Logger
}

// Serve is called by the plugin binary and blocks until the host goes away.
func Serve(config *PluginConfig) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,

		Plugins: goplugin.PluginSet{
			PLUGIN_NAME: &BackendPlugin{Impl: config.Backend},
		},

		Logger: config.Logger,
	})
}

// Process is a backend running in a plugin process.
type Process struct {
	client  *goplugin.Client
	backend executors.Backend
}

// Launch starts the plugin binary at path and connects to its backend.
func Launch(path string, logger hclog.Logger) (*Process, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          PluginMap,
		Cmd:              exec.Command(path),
		Logger:           logger.Named("plugin"),
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("error starting backend plugin %s - %s - %w", path, err, schema.ERROR_UNAVAILABLE)
	}

	raw, err := rpcClient.Dispense(PLUGIN_NAME)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("error connecting to backend plugin %s - %s - %w", path, err, schema.ERROR_UNAVAILABLE)
	}

	backend, ok := raw.(executors.Backend)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("plugin %s does not serve a backend - %w", path, schema.ERROR_UNAVAILABLE)
	}

	return &Process{client: client, backend: backend}, nil
}

func (p *Process) Execute(ctx context.Context, request executors.Request) (executors.Result, error) {
	if p.client.Exited() {
		return executors.Result{}, fmt.Errorf("backend plugin exited - %w", schema.ERROR_UNAVAILABLE)
	}
	return p.backend.Execute(ctx, request)
}

func (p *Process) Close() error {
	p.client.Kill()
	return nil
}
