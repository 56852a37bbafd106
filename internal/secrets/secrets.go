// Package secrets resolves credential references into secret material.
//
// A reference names its backend by scheme: "env://OPENAI_API_KEY",
// "file:///run/secrets/openai", "vault://secret/data/hpc#api_key".
// The host resolves the reference and injects the value into the guest
// argument; the reference itself is all that appears in config files.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jkaninda/hpcbridge/internal/config"
)

// Secret holds resolved credential material.
// This type MUST NOT be logged or written to the audit trail.
type Secret struct {
	Value    string            // The raw secret value.
	Metadata map[string]string // Backend-specific metadata (source, path, field).
}

// Provider resolves references of the scheme it is named after.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Resolve returns ErrSecretNotFound if the reference cannot be resolved.
	Resolve(ctx context.Context, ref string) (*Secret, error)

	// Name returns the scheme the provider handles (never includes secrets).
	Name() string
}

// ErrSecretNotFound is returned when a credential reference cannot be resolved.
var ErrSecretNotFound = errors.New("secret not found")

// trimScheme strips "<scheme>://" from ref, or reports a not-found error.
func trimScheme(ref, scheme string) (string, error) {
	rest, ok := strings.CutPrefix(ref, scheme+"://")
	if !ok {
		return "", fmt.Errorf("%w: %s provider only handles %s:// references, got %q",
			ErrSecretNotFound, scheme, scheme, ref)
	}
	if rest == "" {
		return "", fmt.Errorf("%w: empty %s reference", ErrSecretNotFound, scheme)
	}
	return rest, nil
}

// New builds the provider set for cfg: env and file always, vault when
// configured.
func New(cfg *config.SecretsConfig) (*CompositeProvider, error) {
	providers := []Provider{NewEnvProvider(), NewFileProvider()}
	if cfg != nil && len(cfg.Vault) > 0 {
		vp, err := NewVaultProvider(cfg.Vault)
		if err != nil {
			return nil, fmt.Errorf("configuring vault: %w", err)
		}
		providers = append(providers, vp)
	}
	return NewCompositeProvider(providers...), nil
}

// CompositeProvider routes each reference to the provider named by its scheme.
type CompositeProvider struct {
	providers map[string]Provider
}

// NewCompositeProvider indexes providers by Name. Later providers replace
// earlier ones with the same name.
func NewCompositeProvider(providers ...Provider) *CompositeProvider {
	m := make(map[string]Provider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &CompositeProvider{providers: m}
}

func (p *CompositeProvider) Name() string { return "composite" }

func (p *CompositeProvider) Resolve(ctx context.Context, ref string) (*Secret, error) {
	scheme, _, ok := strings.Cut(ref, "://")
	if !ok {
		return nil, fmt.Errorf("%w: reference %q has no scheme", ErrSecretNotFound, ref)
	}
	provider, ok := p.providers[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: no provider for scheme %q", ErrSecretNotFound, scheme)
	}
	return provider.Resolve(ctx, ref)
}
