// Package config loads the service configuration from an optional YAML file
// and REEVE_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/reeveci/reeve-pipeline/artifacts"
)

const ENV_PREFIX = "REEVE_"

const (
	ARTIFACTS_MEMORY = "memory"
	ARTIFACTS_MINIO  = "minio"

	RUNS_MEMORY   = "memory"
	RUNS_SQLITE   = "sqlite"
	RUNS_POSTGRES = "postgres"

	SECRETS_NONE   = "none"
	SECRETS_MEMORY = "memory"
	SECRETS_ENV    = "env"
	SECRETS_AWS    = "aws"

	BACKEND_LOCAL  = "local"
	BACKEND_PLUGIN = "plugin"
)

type Config struct {
	Workers     int             `koanf:"workers"`
	Listen      string          `koanf:"listen"`
	LogLevel    string          `koanf:"log_level"`
	Environment string          `koanf:"environment"`
	Pipelines   []string        `koanf:"pipelines"`
	Artifacts   ArtifactsConfig `koanf:"artifacts"`
	Runs        RunsConfig      `koanf:"runs"`
	Secrets     SecretsConfig   `koanf:"secrets"`
	Approvals   ApprovalsConfig `koanf:"approvals"`
	Webhook     WebhookConfig   `koanf:"webhook"`
	Backend     BackendConfig   `koanf:"backend"`
	Source      SourceConfig    `koanf:"source"`
}

type ArtifactsConfig struct {
	Type  string                `koanf:"type"`
	Minio artifacts.MinioConfig `koanf:"minio"`
}

type RunsConfig struct {
	Type string `koanf:"type"`
	DSN  string `koanf:"dsn"`
}

type SecretsConfig struct {
	Type   string `koanf:"type"`
	Prefix string `koanf:"prefix"`
	Region string `koanf:"region"`
	// Values of the memory provider, for local use only.
	Values map[string]string `koanf:"values"`
}

type ApprovalsConfig struct {
	Timeout    time.Duration `koanf:"timeout"`
	WebhookURL string        `koanf:"webhook_url"`
	// Public address of the http api, used in approval links.
	BaseURL string `koanf:"base_url"`
}

type WebhookConfig struct {
	Secret string `koanf:"secret"`
}

type BackendConfig struct {
	Type string `koanf:"type"`
	// Plugin binary of the plugin backend.
	Path string `koanf:"path"`
	// Working directory root of the local backend.
	Root string `koanf:"root"`
}

type SourceConfig struct {
	// Clone URL with owner and repo placeholders.
	URLTemplate string `koanf:"url_template"`
	TokenEnv    string `koanf:"token_env"`
}

var defaults = map[string]any{
	"workers":             4,
	"listen":              ":8080",
	"log_level":           "info",
	"artifacts.type":      ARTIFACTS_MEMORY,
	"runs.type":           RUNS_MEMORY,
	"secrets.type":        SECRETS_ENV,
	"secrets.prefix":      "REEVE_SECRET_",
	"backend.type":        BACKEND_LOCAL,
	"source.url_template": "https://github.com/%s/%s.git",
	"source.token_env":    "GITHUB_TOKEN",
}

// Load reads .env, then path if given, then the environment. Nested keys are
// separated by a double underscore, e.g. REEVE_RUNS__DSN.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env - %w", err)
	}

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config file %s - %w", path, err)
		}
	}

	if err := k.Load(env.Provider(ENV_PREFIX, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, ENV_PREFIX)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("error loading environment - %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error decoding config - %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c Config) Validate() error {
	var problems []string
	add := func(format string, a ...any) {
		problems = append(problems, fmt.Sprintf(format, a...))
	}

	if c.Workers < 1 {
		add("workers must be at least 1")
	}
	if hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		add("unknown log level %q", c.LogLevel)
	}

	switch c.Artifacts.Type {
	case ARTIFACTS_MEMORY:
	case ARTIFACTS_MINIO:
		if err := c.Artifacts.Minio.Validate(); err != nil {
			add("artifacts.minio: %s", err)
		}
	default:
		add("unknown artifact store %q", c.Artifacts.Type)
	}

	switch c.Runs.Type {
	case RUNS_MEMORY:
	case RUNS_SQLITE, RUNS_POSTGRES:
		if c.Runs.DSN == "" {
			add("runs.dsn is required for the %s run store", c.Runs.Type)
		}
	default:
		add("unknown run store %q", c.Runs.Type)
	}

	switch c.Secrets.Type {
	case SECRETS_NONE, SECRETS_MEMORY, SECRETS_ENV, SECRETS_AWS:
	default:
		add("unknown secrets provider %q", c.Secrets.Type)
	}

	switch c.Backend.Type {
	case BACKEND_LOCAL:
	case BACKEND_PLUGIN:
		if c.Backend.Path == "" {
			add("backend.path is required for the plugin backend")
		}
	default:
		add("unknown backend %q", c.Backend.Type)
	}

	if c.Approvals.Timeout < 0 {
		add("approvals.timeout must not be negative")
	}
	if strings.Count(c.Source.URLTemplate, "%s") != 2 {
		add("source.url_template must contain two %%s placeholders for owner and repo")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config - %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c Config) Logger(name string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:  name,
		Level: hclog.LevelFromString(c.LogLevel),
	})
}
