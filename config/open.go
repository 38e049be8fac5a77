package config

import (
	"context"
	"os"

	"github.com/hashicorp/go-hclog"

	"github.com/reeveci/reeve-pipeline/approvals"
	"github.com/reeveci/reeve-pipeline/artifacts"
	"github.com/reeveci/reeve-pipeline/executors"
	"github.com/reeveci/reeve-pipeline/plugin"
	"github.com/reeveci/reeve-pipeline/runstore"
	"github.com/reeveci/reeve-pipeline/secrets"
	"github.com/reeveci/reeve-pipeline/source"
)

func (c Config) OpenArtifacts(ctx context.Context) (artifacts.Store, error) {
	if c.Artifacts.Type == ARTIFACTS_MINIO {
		return artifacts.NewMinioStore(ctx, c.Artifacts.Minio)
	}
	return artifacts.NewMemoryStore(), nil
}

func (c Config) OpenRuns(ctx context.Context) (runstore.Store, error) {
	switch c.Runs.Type {
	case RUNS_SQLITE:
		return runstore.NewSQLStore(ctx, runstore.DRIVER_SQLITE, c.Runs.DSN)
	case RUNS_POSTGRES:
		return runstore.NewSQLStore(ctx, runstore.DRIVER_POSTGRES, c.Runs.DSN)
	default:
		return runstore.NewMemoryStore(), nil
	}
}

// OpenSecrets returns nil for SECRETS_NONE, pipelines binding secrets then
// fail at dispatch.
func (c Config) OpenSecrets(ctx context.Context) (secrets.Provider, error) {
	switch c.Secrets.Type {
	case SECRETS_AWS:
		return secrets.NewSecretsManagerProvider(ctx, c.Secrets.Region, c.Secrets.Prefix)
	case SECRETS_MEMORY:
		return secrets.NewMemoryProvider(c.Secrets.Values), nil
	case SECRETS_ENV:
		return secrets.NewEnvProvider(c.Secrets.Prefix), nil
	default:
		return nil, nil
	}
}

// OpenBackend starts the plugin backend or prepares the local one. The
// returned close function stops a plugin process.
func (c Config) OpenBackend(logger hclog.Logger) (backend executors.Backend, closeFn func() error, err error) {
	if c.Backend.Type == BACKEND_PLUGIN {
		var process *plugin.Process
		if process, err = plugin.Launch(c.Backend.Path, logger); err != nil {
			return
		}
		return process, process.Close, nil
	}

	local := &executors.LocalBackend{
		Root:    c.Backend.Root,
		BaseEnv: []string{"PATH=" + os.Getenv("PATH"), "HOME=" + os.Getenv("HOME")},
		Logger:  logger,
	}
	return local, func() error { return nil }, nil
}

// Notifier logs approval links and, if configured, posts them to a webhook.
func (c Config) Notifier(logger hclog.Logger) approvals.Notifier {
	notifiers := approvals.Notifiers{approvals.LogNotifier{Logger: logger, BaseURL: c.Approvals.BaseURL}}
	if c.Approvals.WebhookURL != "" {
		notifiers = append(notifiers, approvals.NewWebhookNotifier(c.Approvals.WebhookURL))
	}
	return notifiers
}

// Executors registers the stage executors under their kind names and the
// names commonly used in pipeline files.
func (c Config) Executors(backend executors.Backend, broker *approvals.Broker) executors.Registry {
	fetch := &executors.SourceFetch{Resolver: source.NewGitResolver(c.Source.URLTemplate), TokenEnv: c.Source.TokenEnv}
	build := &executors.Build{Backend: backend}
	gate := &executors.ApprovalGate{Broker: broker, Timeout: c.Approvals.Timeout}
	deploy := &executors.Deploy{Backend: backend}

	return executors.Registry{
		"source":     fetch,
		"github":     fetch,
		"build":      build,
		"codebuild":  build,
		"approval":   gate,
		"manual":     gate,
		"deploy":     deploy,
		"serverless": deploy,
	}
}
