package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// SecretsManagerAPI is the part of the Secrets Manager client the provider uses.
type SecretsManagerAPI interface {
	GetSecretValue(
		ctx context.Context,
		params *secretsmanager.GetSecretValueInput,
		optFns ...func(*secretsmanager.Options),
	) (*secretsmanager.GetSecretValueOutput, error)
}

type SecretsManagerProvider struct {
	client SecretsManagerAPI
	prefix string
}

var _ Provider = (*SecretsManagerProvider)(nil)

// NewSecretsManagerProvider uses the default AWS credential chain.
func NewSecretsManagerProvider(ctx context.Context, region, prefix string) (*SecretsManagerProvider, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config - %w", err)
	}

	return NewSecretsManagerProviderWithClient(secretsmanager.NewFromConfig(cfg), prefix), nil
}

func NewSecretsManagerProviderWithClient(client SecretsManagerAPI, prefix string) *SecretsManagerProvider {
	return &SecretsManagerProvider{client: client, prefix: prefix}
}

func (p *SecretsManagerProvider) Name() string {
	return "aws-secretsmanager"
}

func (p *SecretsManagerProvider) GetSecret(ctx context.Context, name string) (string, error) {
	output, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(p.prefix + name),
	})
	if err != nil {
		var rnf *types.ResourceNotFoundException
		if errors.As(err, &rnf) {
			return "", notFound(p.Name(), name)
		}
		return "", fmt.Errorf("error reading secret %q - %w", name, err)
	}

	switch {
	case output.SecretString != nil:
		return *output.SecretString, nil
	case output.SecretBinary != nil:
		return string(output.SecretBinary), nil
	default:
		return "", fmt.Errorf("secret %q has no value", name)
	}
}
