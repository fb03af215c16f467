// Package remote runs commands on deployment hosts.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/aristath/stagerun/internal/credentials"
)

// DefaultPort is used when Target.Port is zero.
const DefaultPort = 22

// Target identifies a remote host and how to log in to it.
type Target struct {
	Host string
	Port int
	User string

	// Credential carries "private_key" (PEM, optionally with "passphrase")
	// or "password". It redacts itself when logged.
	Credential credentials.Bundle
}

// Address returns host:port.
func (t Target) Address() string {
	port := t.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

func (t Target) String() string {
	if t.User == "" {
		return t.Address()
	}
	return t.User + "@" + t.Address()
}

// Command is a shell command line plus optional standard input. Stdin is
// how secrets reach the remote side; it is never logged.
type Command struct {
	Line  string
	Stdin []byte
}

func (c Command) String() string {
	return c.Line
}

// Output is what a command printed.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Transport runs a command on a target.
type Transport interface {
	Run(ctx context.Context, target Target, cmd Command) (Output, error)
}

// ErrorKind classifies transport errors.
type ErrorKind int

const (
	KindConnection ErrorKind = iota // Host unreachable, handshake failed, session lost
	KindAuth                        // Login rejected
	KindExit                        // Command ran and exited non-zero
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindAuth:
		return "auth"
	case KindExit:
		return "exit"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is returned by every Transport.
type Error struct {
	Kind     ErrorKind
	Host     string
	ExitCode int // Valid when Kind == KindExit
	Err      error
}

func (e *Error) Error() string {
	if e.Kind == KindExit {
		return fmt.Sprintf("%s: exit status %d", e.Host, e.ExitCode)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Host, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func kindOf(err error) (ErrorKind, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return 0, false
}

// IsConnection reports whether err means the host could not be reached or
// the session was lost.
func IsConnection(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindConnection
}

// IsAuth reports whether the host rejected the login.
func IsAuth(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindAuth
}

// ExitCodeOf returns the exit status if err is a non-zero command exit.
func ExitCodeOf(err error) (int, bool) {
	var re *Error
	if errors.As(err, &re) && re.Kind == KindExit {
		return re.ExitCode, true
	}
	return 0, false
}
