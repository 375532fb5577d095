package secrets

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultVaultMount = "secret"
	defaultVaultPath  = "tunnelsecrets/{selector}"
)

// VaultProvider resolves secrets from HashiCorp Vault KV v2.
// Each selector maps to one KV entry; secret names are fields of that entry:
//
//	GET /v1/<mount>/data/<path with {selector} substituted>  ->  data.data[<name>]
//
// Uses token-based authentication (VAULT_TOKEN).
// Safe for concurrent use.
type VaultProvider struct {
	address         string
	token           string
	namespace       string
	mount           string
	pathTemplate    string
	currentSelector string
	client          *http.Client
}

// NewVaultProvider creates a Vault KV v2 secret provider from config.
//
// Supported config keys:
//   - address:          Vault server URL (overridden by VAULT_ADDR env var)
//   - token:            Vault token (overridden by VAULT_TOKEN env var)
//   - namespace:        Enterprise namespace (overridden by VAULT_NAMESPACE env var)
//   - mount:            KV v2 mount (default: "secret")
//   - path:             entry path, "{selector}" is substituted (default: "tunnelsecrets/{selector}")
//   - current_selector: value substituted for the "current" selector (default: "default")
//   - timeout:          HTTP timeout, e.g. "5s" (default: 5s)
//   - tls_skip_verify:  Skip TLS verification, "true"/"false" (default: false)
func NewVaultProvider(cfg map[string]string) (*VaultProvider, error) {
	address := cfg["address"]
	if env := os.Getenv("VAULT_ADDR"); env != "" {
		address = env
	}
	if address == "" {
		return nil, fmt.Errorf("vault address is required (set config key 'address' or VAULT_ADDR)")
	}
	address = strings.TrimRight(address, "/")

	token := cfg["token"]
	if env := os.Getenv("VAULT_TOKEN"); env != "" {
		token = env
	}
	if token == "" {
		return nil, fmt.Errorf("vault token is required (set config key 'token' or VAULT_TOKEN)")
	}

	namespace := cfg["namespace"]
	if env := os.Getenv("VAULT_NAMESPACE"); env != "" {
		namespace = env
	}

	mount := strings.Trim(cfg["mount"], "/")
	if mount == "" {
		mount = defaultVaultMount
	}
	pathTemplate := strings.Trim(cfg["path"], "/")
	if pathTemplate == "" {
		pathTemplate = defaultVaultPath
	}
	current := cfg["current_selector"]
	if current == "" {
		current = "default"
	}

	timeout := 5 * time.Second
	if t := cfg["timeout"]; t != "" {
		d, err := time.ParseDuration(t)
		if err != nil {
			return nil, fmt.Errorf("invalid vault timeout %q: %w", t, err)
		}
		timeout = d
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg["tls_skip_verify"] == "true" {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &VaultProvider{
		address:         address,
		token:           token,
		namespace:       namespace,
		mount:           mount,
		pathTemplate:    pathTemplate,
		currentSelector: current,
		client:          &http.Client{Timeout: timeout, Transport: transport},
	}, nil
}

func (p *VaultProvider) Name() string { return "vault" }

// entryPath returns the KV path for a selector.
func (p *VaultProvider) entryPath(sel Selector) string {
	s := string(sel)
	if sel.IsCurrent() {
		s = p.currentSelector
	}
	return strings.ReplaceAll(p.pathTemplate, "{selector}", s)
}

func (p *VaultProvider) Fetch(ctx context.Context, sel Selector, name string) (*Secret, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty secret name", ErrSecretNotFound)
	}

	path := p.entryPath(sel)
	url := fmt.Sprintf("%s/v1/%s/data/%s", p.address, p.mount, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", p.token)
	if p.namespace != "" {
		req.Header.Set("X-Vault-Namespace", p.namespace)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1 MB limit
	if err != nil {
		return nil, fmt.Errorf("reading vault response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: vault path %q not found", ErrSecretNotFound, path)
	case resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("vault access denied for path %q (check token permissions)", path)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("vault server error %d for path %q", resp.StatusCode, path)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("vault returned status %d for path %q", resp.StatusCode, path)
	}

	// KV v2 envelope: { "data": { "data": { ... }, "metadata": { ... } } }
	var envelope struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("parsing vault response: %w", err)
	}

	data := envelope.Data.Data
	if data == nil {
		return nil, fmt.Errorf("%w: vault path %q returned no data", ErrSecretNotFound, path)
	}
	val, ok := data[name]
	if !ok {
		return nil, fmt.Errorf("%w: field %q not found in vault path %q", ErrSecretNotFound, name, path)
	}
	str, ok := val.(string)
	if !ok {
		return nil, fmt.Errorf("vault field %q in path %q is not a string", name, path)
	}

	return &Secret{
		Value: []byte(str),
		Metadata: map[string]string{
			"source": "vault",
			"path":   p.mount + "/" + path,
			"field":  name,
		},
	}, nil
}
