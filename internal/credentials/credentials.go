// Package credentials supplies named credential bundles to tasks.
// Values are never stored by stagerun and never rendered: every textual
// form of a Bundle (String, GoString, JSON, slog) is redacted.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
)

// ErrNotFound is returned when no provider knows the requested credential.
var ErrNotFound = errors.New("credential not found")

const redacted = "[redacted]"

// Bundle is a named set of secret fields, e.g. {"username", "password"}.
type Bundle struct {
	name   string
	fields map[string]string
}

// NewBundle copies fields into a Bundle.
func NewBundle(name string, fields map[string]string) Bundle {
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return Bundle{name: name, fields: cp}
}

// Name returns the bundle name.
func (b Bundle) Name() string { return b.name }

// Get returns a field value.
func (b Bundle) Get(field string) (string, bool) {
	v, ok := b.fields[field]
	return v, ok
}

// Field returns a field value or the empty string.
func (b Bundle) Field(field string) string {
	return b.fields[field]
}

// Fields returns the sorted field names (never the values).
func (b Bundle) Fields() []string {
	names := make([]string, 0, len(b.fields))
	for k := range b.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (b Bundle) String() string   { return redacted }
func (b Bundle) GoString() string { return redacted }

// LogValue keeps secrets out of structured logs.
func (b Bundle) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", b.name),
		slog.String("value", redacted),
	)
}

func (b Bundle) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// Provider resolves credential bundles by name.
type Provider interface {
	Lookup(ctx context.Context, name string) (Bundle, error)
}

// StaticProvider serves bundles from memory.
type StaticProvider map[string]map[string]string

// Lookup implements Provider.
func (p StaticProvider) Lookup(ctx context.Context, name string) (Bundle, error) {
	fields, ok := p[name]
	if !ok {
		return Bundle{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return NewBundle(name, fields), nil
}

// EnvProvider reads bundles from environment variables named
// <Prefix><NAME>_<FIELD>, e.g. STAGERUN_CRED_REGISTRY_PASSWORD for
// field "password" of bundle "registry". Dashes in names map to underscores.
type EnvProvider struct {
	Prefix  string          // Defaults to "STAGERUN_CRED_"
	Environ func() []string // Defaults to os.Environ
}

// Lookup implements Provider.
func (p EnvProvider) Lookup(ctx context.Context, name string) (Bundle, error) {
	prefix := p.Prefix
	if prefix == "" {
		prefix = "STAGERUN_CRED_"
	}
	environ := p.Environ
	if environ == nil {
		environ = os.Environ
	}

	keyPrefix := prefix + envName(name) + "_"
	fields := make(map[string]string)
	for _, kv := range environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, keyPrefix) {
			continue
		}
		field := strings.ToLower(strings.TrimPrefix(key, keyPrefix))
		if field == "" {
			continue
		}
		fields[field] = value
	}

	if len(fields) == 0 {
		return Bundle{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return NewBundle(name, fields), nil
}

func envName(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}

// Chain tries each provider in order and returns the first hit.
type Chain []Provider

// Lookup implements Provider.
func (c Chain) Lookup(ctx context.Context, name string) (Bundle, error) {
	for _, p := range c {
		b, err := p.Lookup(ctx, name)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Bundle{}, err
		}
	}
	return Bundle{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}
