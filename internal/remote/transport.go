// Package remote opens sessions on provisioned hosts and runs the scripted
// installation steps over them.
package remote

import (
	"context"
	"net"
)

// Target identifies a host and the credentials used to reach it.
type Target struct {
	Host       string
	Port       int
	User       string
	PrivateKey []byte
}

// CommandResult is the outcome of a command that ran to completion.
type CommandResult struct {
	Output     string
	ExitStatus int
}

// Session is an authenticated connection to one host.
type Session interface {
	// Host is the address the session is connected to.
	Host() string
	// Run executes cmd and returns its combined output and exit status. The
	// error is non-nil only when the command could not be run at all.
	Run(ctx context.Context, cmd string) (CommandResult, error)
	// Upload writes content to remotePath with the given file mode.
	Upload(ctx context.Context, content []byte, remotePath string, mode uint32) error
	// Dial opens a connection from the remote host, e.g. to its docker socket.
	Dial(network, addr string) (net.Conn, error)
	Close() error
}

// Transport opens sessions.
type Transport interface {
	Open(ctx context.Context, target Target) (Session, error)
}
