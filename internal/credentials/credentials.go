// Package credentials supplies the provider's bearer token.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoToken means the provider is not logged in yet. Callers treat it as a skip, not a failure.
var ErrNoToken = errors.New("no token available")

// Provider returns the current bearer token
type Provider interface {
	Token(ctx context.Context) (string, error)
}

// ProviderFunc adapts a function to Provider
type ProviderFunc func(ctx context.Context) (string, error)

// Token implements Provider
func (f ProviderFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// Static returns a provider that always yields token. An empty token yields ErrNoToken.
func Static(token string) Provider {
	return ProviderFunc(func(context.Context) (string, error) {
		if token == "" {
			return "", ErrNoToken
		}
		return token, nil
	})
}

// FileProvider reads the token from a file on every call so a login that rewrites the file is picked up
type FileProvider struct {
	path string
}

// NewFileProvider creates a FileProvider for path
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

// Token implements Provider
func (p *FileProvider) Token(ctx context.Context) (string, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoToken
		}
		return "", fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// EnvProvider reads the token from an environment variable
type EnvProvider struct {
	name string
}

// NewEnvProvider creates an EnvProvider for the variable name
func NewEnvProvider(name string) *EnvProvider {
	return &EnvProvider{name: name}
}

// Token implements Provider
func (p *EnvProvider) Token(ctx context.Context) (string, error) {
	token := strings.TrimSpace(os.Getenv(p.name))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// Chain tries providers in order and returns the first token found
type Chain []Provider

// Token implements Provider
func (c Chain) Token(ctx context.Context) (string, error) {
	for _, p := range c {
		token, err := p.Token(ctx)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, ErrNoToken) {
			return "", err
		}
	}
	return "", ErrNoToken
}

// FromConfig builds the provider chain: token file first, then environment
func FromConfig(tokenFile, tokenEnv string) Provider {
	var chain Chain
	if tokenFile != "" {
		chain = append(chain, NewFileProvider(tokenFile))
	}
	if tokenEnv != "" {
		chain = append(chain, NewEnvProvider(tokenEnv))
	}
	return chain
}
