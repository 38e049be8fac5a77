package secrets

import (
	"context"
	"os"
	"strings"
)

// EnvProvider reads secrets from the process environment. The name
// "github-token" with prefix "REEVE_SECRET_" is read from REEVE_SECRET_GITHUB_TOKEN.
type EnvProvider struct {
	Prefix string
	lookup func(string) (string, bool)
}

var _ Provider = (*EnvProvider)(nil)

func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{Prefix: prefix, lookup: os.LookupEnv}
}

func (p *EnvProvider) Name() string {
	return "env"
}

func (p *EnvProvider) Key(name string) string {
	return p.Prefix + strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}

func (p *EnvProvider) GetSecret(ctx context.Context, name string) (string, error) {
	value, ok := p.lookup(p.Key(name))
	if !ok {
		return "", notFound(p.Name(), name)
	}
	return value, nil
}
