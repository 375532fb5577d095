package secrets

import (
	"context"
	"errors"
	"testing"
)

type stubProvider struct {
	name     string
	values   map[string]string
	err      error
	selector Selector
	selErr   error
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Fetch(_ context.Context, _ Selector, name string) (*Secret, error) {
	if s.err != nil {
		return nil, s.err
	}
	v, ok := s.values[name]
	if !ok {
		return nil, ErrSecretNotFound
	}
	return &Secret{Value: []byte(v), Metadata: map[string]string{"source": s.name}}, nil
}

type stubSelectorProvider struct {
	stubProvider
}

func (s *stubSelectorProvider) DefaultSelector(context.Context) (Selector, error) {
	return s.selector, s.selErr
}

func TestSelector_String(t *testing.T) {
	if Current.String() != "current" {
		t.Errorf("Current.String() = %q", Current.String())
	}
	if Dev.String() != "dev" {
		t.Errorf("Dev.String() = %q", Dev.String())
	}
	if !Current.IsCurrent() || Prod.IsCurrent() {
		t.Error("IsCurrent mismatch")
	}
}

func TestEnvProvider(t *testing.T) {
	t.Setenv("CLOUDFLARE_DEV_YML", "base")
	t.Setenv("PROD_CLOUDFLARE_DEV_YML", "prod-override")
	t.Setenv("EMPTY_SECRET", "")

	p := NewEnvProvider()

	tests := []struct {
		name     string
		sel      Selector
		key      string
		want     string
		notFound bool
	}{
		{"current uses bare name", Current, "CLOUDFLARE_DEV_YML", "base", false},
		{"selector prefix wins", Prod, "CLOUDFLARE_DEV_YML", "prod-override", false},
		{"falls back to bare name", Dev, "CLOUDFLARE_DEV_YML", "base", false},
		{"empty is absent", Dev, "EMPTY_SECRET", "", true},
		{"unset is absent", Dev, "NOPE_NOT_SET", "", true},
		{"empty name", Dev, "", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			secret, err := p.Fetch(context.Background(), tc.sel, tc.key)
			if tc.notFound {
				if !errors.Is(err, ErrSecretNotFound) {
					t.Fatalf("expected ErrSecretNotFound, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			if string(secret.Value) != tc.want {
				t.Errorf("got %q, want %q", secret.Value, tc.want)
			}
		})
	}
}

func TestEnvKeys_HyphenatedSelector(t *testing.T) {
	keys := envKeys(Selector("dev-eu"), "X")
	if keys[0] != "DEV_EU_X" || keys[1] != "X" {
		t.Errorf("keys = %v", keys)
	}
}

func TestCompositeProvider_FirstHitWins(t *testing.T) {
	a := &stubProvider{name: "a", values: map[string]string{"X": "from-a"}}
	b := &stubProvider{name: "b", values: map[string]string{"X": "from-b", "Y": "y"}}
	p := NewCompositeProvider(a, b)

	s, err := p.Fetch(context.Background(), Dev, "X")
	if err != nil || string(s.Value) != "from-a" {
		t.Fatalf("X = %v, %v", s, err)
	}
	s, err = p.Fetch(context.Background(), Dev, "Y")
	if err != nil || string(s.Value) != "y" {
		t.Fatalf("Y = %v, %v", s, err)
	}
}

func TestCompositeProvider_AllMiss(t *testing.T) {
	p := NewCompositeProvider(&stubProvider{name: "a"}, &stubProvider{name: "b"})
	_, err := p.Fetch(context.Background(), Dev, "X")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("expected ErrSecretNotFound, got %v", err)
	}
}

func TestCompositeProvider_OutageNotReportedAsMiss(t *testing.T) {
	outage := errors.New("connection refused")
	p := NewCompositeProvider(&stubProvider{name: "a", err: outage}, &stubProvider{name: "b"})
	_, err := p.Fetch(context.Background(), Dev, "X")
	if !errors.Is(err, outage) {
		t.Errorf("expected outage error, got %v", err)
	}
}

func TestCompositeProvider_Empty(t *testing.T) {
	_, err := NewCompositeProvider().Fetch(context.Background(), Dev, "X")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("expected ErrSecretNotFound, got %v", err)
	}
}

func TestCompositeProvider_DefaultSelector(t *testing.T) {
	failing := &stubSelectorProvider{stubProvider{name: "a", selErr: errors.New("no login")}}
	working := &stubSelectorProvider{stubProvider{name: "b", selector: Prod}}
	p := NewCompositeProvider(&stubProvider{name: "plain"}, failing, working)

	sel, err := p.DefaultSelector(context.Background())
	if err != nil {
		t.Fatalf("DefaultSelector: %v", err)
	}
	if sel != Prod {
		t.Errorf("sel = %q, want prod", sel)
	}

	if _, err := NewCompositeProvider(&stubProvider{name: "plain"}).DefaultSelector(context.Background()); err == nil {
		t.Error("expected error when no provider is a SelectorSource")
	}
}
