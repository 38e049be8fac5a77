package secrets

import (
	"context"
	"sync"
)

type MemoryProvider struct {
	values map[string]string
	mu     sync.RWMutex
}

var _ Provider = (*MemoryProvider)(nil)

func NewMemoryProvider(values map[string]string) *MemoryProvider {
	p := &MemoryProvider{values: make(map[string]string, len(values))}
	for name, value := range values {
		p.values[name] = value
	}
	return p
}

func (p *MemoryProvider) Name() string {
	return "memory"
}

func (p *MemoryProvider) Set(name, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.values[name] = value
}

func (p *MemoryProvider) GetSecret(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	value, ok := p.values[name]
	if !ok {
		return "", notFound(p.Name(), name)
	}
	return value, nil
}
