package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

func TestBundle_NeverRendersValues(t *testing.T) {
	b := NewBundle("registry", map[string]string{"username": "bob", "password": "hunter2"})

	renderings := map[string]string{
		"String":   b.String(),
		"Sprintf":  fmt.Sprintf("%v %+v %#v %s", b, b, b, b),
		"GoString": b.GoString(),
	}

	data, err := json.Marshal(map[string]any{"cred": b})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	renderings["JSON"] = string(data)

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("using credential", "cred", b)
	renderings["slog"] = buf.String()

	for name, out := range renderings {
		if strings.Contains(out, "hunter2") || strings.Contains(out, "bob") {
			t.Errorf("%s leaked a secret: %s", name, out)
		}
	}

	if got := b.Field("password"); got != "hunter2" {
		t.Errorf("Field(password) = %q, want hunter2", got)
	}
}

func TestEnvProvider_Lookup(t *testing.T) {
	p := EnvProvider{
		Environ: func() []string {
			return []string{
				"STAGERUN_CRED_PROD_SSH_KEY=-----BEGIN KEY-----",
				"STAGERUN_CRED_PROD_SSH_PASSPHRASE=secret",
				"STAGERUN_CRED_OTHER_KEY=nope",
				"PATH=/usr/bin",
			}
		},
	}

	b, err := p.Lookup(context.Background(), "prod-ssh")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got := b.Field("key"); got != "-----BEGIN KEY-----" {
		t.Errorf("key = %q", got)
	}
	if got := b.Fields(); len(got) != 2 || got[0] != "key" || got[1] != "passphrase" {
		t.Errorf("fields = %v, want [key passphrase]", got)
	}

	_, err = p.Lookup(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestChain_FirstHitWins(t *testing.T) {
	chain := Chain{
		StaticProvider{"a": {"v": "first"}},
		StaticProvider{"a": {"v": "second"}, "b": {"v": "only"}},
	}

	a, err := chain.Lookup(context.Background(), "a")
	if err != nil || a.Field("v") != "first" {
		t.Errorf("a = %q, %v; want first", a.Field("v"), err)
	}
	b, err := chain.Lookup(context.Background(), "b")
	if err != nil || b.Field("v") != "only" {
		t.Errorf("b = %q, %v; want only", b.Field("v"), err)
	}
	if _, err := chain.Lookup(context.Background(), "c"); !errors.Is(err, ErrNotFound) {
		t.Errorf("c: expected ErrNotFound, got %v", err)
	}
}
