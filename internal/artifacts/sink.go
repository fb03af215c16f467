// Package artifacts hands named task outputs (logs, reports) to an external
// publisher. stagerun only names and collects artifacts; where they end up
// is the sink's business.
package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Sink accepts a named artifact and returns where it was stored.
type Sink interface {
	Put(ctx context.Context, name string, r io.Reader) (location string, err error)
}

// DirSink writes artifacts as files under BaseDir. Names may contain '/'
// to form subdirectories; every segment is sanitized.
type DirSink struct {
	BaseDir string
}

// NewDirSink creates a DirSink rooted at baseDir.
func NewDirSink(baseDir string) *DirSink {
	return &DirSink{BaseDir: baseDir}
}

// Put implements Sink.
func (s *DirSink) Put(ctx context.Context, name string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	path := filepath.Join(s.BaseDir, SafePath(name))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating artifact directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating artifact %s: %w", name, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return "", fmt.Errorf("writing artifact %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing artifact %s: %w", name, err)
	}

	return path, nil
}

// SafePath turns an artifact name into a relative path that cannot escape
// the sink's base directory.
func SafePath(name string) string {
	var parts []string
	for _, seg := range strings.Split(name, "/") {
		if clean := sanitize(seg); clean != "" {
			parts = append(parts, clean)
		}
	}
	if len(parts) == 0 {
		return "artifact"
	}
	return filepath.Join(parts...)
}

// sanitize keeps letters, digits, '-', '_' and '.', and drops dot-only segments.
func sanitize(seg string) string {
	var b strings.Builder
	for _, r := range seg {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
		}
	}
	clean := b.String()
	if strings.Trim(clean, ".") == "" {
		return ""
	}
	return clean
}

// Discard is a sink that stores nothing.
type Discard struct{}

// Put implements Sink.
func (Discard) Put(ctx context.Context, name string, r io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err
	}
	return "discard://" + name, nil
}
