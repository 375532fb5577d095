package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvProvider resolves secrets from environment variables.
// With a selector, "<SELECTOR>_<NAME>" is tried before "<NAME>", so
// DEV_CLOUDFLARE_DEV_YML overrides CLOUDFLARE_DEV_YML when running with dev.
type EnvProvider struct {
	lookup func(string) (string, bool)
}

// NewEnvProvider creates an environment variable-based secret provider.
func NewEnvProvider() *EnvProvider { return &EnvProvider{lookup: os.LookupEnv} }

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Fetch(_ context.Context, sel Selector, name string) (*Secret, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty secret name", ErrSecretNotFound)
	}
	for _, key := range envKeys(sel, name) {
		value, ok := p.lookup(key)
		if !ok || value == "" {
			continue
		}
		return &Secret{
			Value:    []byte(value),
			Metadata: map[string]string{"source": "env", "variable": key},
		}, nil
	}
	return nil, fmt.Errorf("%w: environment variable %q is not set or empty", ErrSecretNotFound, name)
}

func envKeys(sel Selector, name string) []string {
	if sel.IsCurrent() {
		return []string{name}
	}
	prefix := strings.ToUpper(strings.ReplaceAll(string(sel), "-", "_"))
	return []string{prefix + "_" + name, name}
}
