package validator

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// tunnelConfig is the subset of a cloudflared config file that is checked.
type tunnelConfig struct {
	Tunnel          string        `yaml:"tunnel"`
	CredentialsFile string        `yaml:"credentials-file"`
	Ingress         []ingressRule `yaml:"ingress"`
}

type ingressRule struct {
	Hostname string `yaml:"hostname"`
	Path     string `yaml:"path"`
	Service  string `yaml:"service"`
}

// IngressValidator performs structural checks on a cloudflared config
// without needing the cloudflared binary.
type IngressValidator struct{}

// NewIngressValidator creates the built-in ingress validator.
func NewIngressValidator() *IngressValidator { return &IngressValidator{} }

func (v *IngressValidator) Name() string { return "ingress" }

func (v *IngressValidator) Validate(_ context.Context, req Request) (*Result, error) {
	data, err := os.ReadFile(req.Path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", req.Path, err)
	}

	result := &Result{Validator: v.Name()}
	result.Warnings = checkTunnelConfig(data, req.BackendPort)
	result.Valid = len(result.Warnings) == 0
	return result, nil
}

func checkTunnelConfig(data []byte, backendPort int) []string {
	var cfg tunnelConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return []string{fmt.Sprintf("invalid YAML: %v", err)}
	}

	var warnings []string
	if cfg.Tunnel == "" {
		warnings = append(warnings, "missing tunnel")
	}
	if cfg.CredentialsFile == "" {
		warnings = append(warnings, "missing credentials-file")
	} else if cfg.Tunnel != "" && filepath.Base(cfg.CredentialsFile) != cfg.Tunnel+".json" {
		warnings = append(warnings, fmt.Sprintf("credentials-file %s does not match tunnel %s", cfg.CredentialsFile, cfg.Tunnel))
	}

	if len(cfg.Ingress) == 0 {
		warnings = append(warnings, "no ingress rules")
		return warnings
	}
	for i, rule := range cfg.Ingress {
		if rule.Service == "" {
			warnings = append(warnings, fmt.Sprintf("ingress rule %d has no service", i))
		}
	}
	last := cfg.Ingress[len(cfg.Ingress)-1]
	if last.Hostname != "" || last.Path != "" {
		warnings = append(warnings, "last ingress rule must be a catch-all (no hostname or path)")
	}

	if backendPort > 0 && !routesToPort(cfg.Ingress, backendPort) {
		warnings = append(warnings, fmt.Sprintf("no ingress service targets backend port %d", backendPort))
	}
	return warnings
}

// routesToPort reports whether any rule's service points at port.
func routesToPort(rules []ingressRule, port int) bool {
	want := strconv.Itoa(port)
	for _, rule := range rules {
		if strings.HasPrefix(rule.Service, "http_status:") {
			continue
		}
		if u, err := url.Parse(rule.Service); err == nil && u.Host != "" && u.Port() == want {
			return true
		}
		// Bare host:port services.
		if strings.HasSuffix(strings.TrimRight(rule.Service, "/"), ":"+want) {
			return true
		}
	}
	return false
}
