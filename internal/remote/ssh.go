package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/aristath/stagerun/internal/credentials"
)

// SSHConfig configures SSHTransport.
type SSHConfig struct {
	KnownHostsFile        string        // Defaults to ~/.ssh/known_hosts
	InsecureIgnoreHostKey bool          // Skip host key verification (test rigs only)
	DialTimeout           time.Duration // Defaults to 15s
}

// SSHTransport runs commands over SSH, one connection per command.
type SSHTransport struct {
	config SSHConfig
}

// NewSSHTransport creates an SSH transport.
func NewSSHTransport(cfg SSHConfig) *SSHTransport {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	return &SSHTransport{config: cfg}
}

// Run implements Transport.
func (t *SSHTransport) Run(ctx context.Context, target Target, cmd Command) (Output, error) {
	addr := target.Address()

	auth, err := authMethods(target.Credential)
	if err != nil {
		return Output{}, &Error{Kind: KindAuth, Host: addr, Err: err}
	}
	hostKey, err := t.hostKeyCallback()
	if err != nil {
		return Output{}, &Error{Kind: KindConnection, Host: addr, Err: err}
	}

	client, err := t.dial(ctx, addr, &ssh.ClientConfig{
		User:            target.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         t.config.DialTimeout,
	})
	if err != nil {
		return Output{}, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Output{}, &Error{Kind: KindConnection, Host: addr, Err: fmt.Errorf("opening session: %w", err)}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if len(cmd.Stdin) > 0 {
		session.Stdin = bytes.NewReader(cmd.Stdin)
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd.Line) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		client.Close()
		<-done
		return Output{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1},
			&Error{Kind: KindConnection, Host: addr, Err: ctx.Err()}
	}

	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if runErr == nil {
		return out, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		out.ExitCode = exitErr.ExitStatus()
		return out, &Error{Kind: KindExit, Host: addr, ExitCode: out.ExitCode, Err: runErr}
	}
	out.ExitCode = -1
	return out, &Error{Kind: KindConnection, Host: addr, Err: runErr}
}

func (t *SSHTransport) dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: t.config.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &Error{Kind: KindConnection, Host: addr, Err: err}
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		kind := KindConnection
		if strings.Contains(err.Error(), "unable to authenticate") {
			kind = KindAuth
		}
		return nil, &Error{Kind: kind, Host: addr, Err: err}
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func (t *SSHTransport) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if t.config.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path := t.config.KnownHostsFile
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating known_hosts: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts: %w", err)
	}
	return cb, nil
}

// authMethods builds SSH auth from a credential bundle.
func authMethods(b credentials.Bundle) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if key := b.Field("private_key"); key != "" {
		var (
			signer ssh.Signer
			err    error
		)
		if pass := b.Field("passphrase"); pass != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(key), []byte(pass))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(key))
		}
		if err != nil {
			return nil, fmt.Errorf("parsing private key from credential %q: %w", b.Name(), err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if pass := b.Field("password"); pass != "" {
		methods = append(methods, ssh.Password(pass))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("credential %q has no private_key or password", b.Name())
	}
	return methods, nil
}
