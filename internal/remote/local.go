package remote

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

// LocalTransport runs commands with the local shell, ignoring the target's
// address. Useful for dry runs against a local container engine.
type LocalTransport struct {
	Shell string // Defaults to "sh"
}

// Run implements Transport.
func (l LocalTransport) Run(ctx context.Context, target Target, cmd Command) (Output, error) {
	sh := l.Shell
	if sh == "" {
		sh = "sh"
	}
	host := "local"
	if target.Host != "" {
		host = target.Host
	}

	c := exec.CommandContext(ctx, sh, "-c", cmd.Line)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if len(cmd.Stdin) > 0 {
		c.Stdin = bytes.NewReader(cmd.Stdin)
	}

	err := c.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		out.ExitCode = -1
		return out, &Error{Kind: KindConnection, Host: host, Err: ctx.Err()}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		return out, &Error{Kind: KindExit, Host: host, ExitCode: out.ExitCode, Err: err}
	}
	out.ExitCode = -1
	return out, &Error{Kind: KindConnection, Host: host, Err: err}
}
