// Package vm defines the contract between the worker and its build VM
// backend, plus a local subprocess implementation. Real hypervisor backends
// live behind the same interfaces.
package vm

import (
	"context"
	"io"
)

// Provider provisions build sessions
type Provider interface {
	// Prepare provisions a session for this worker. Provisioning failures
	// surface as VM fatal errors.
	Prepare(ctx context.Context) (Session, error)
}

// Session is one provisioned build environment, owned by a single worker for
// its entire lifetime.
type Session interface {
	// Shell returns the session's command shell
	Shell() Shell

	// SignalStall notifies the backend that a job running in this session
	// has exceeded its hard limit and will be abandoned.
	SignalStall()

	// Close releases the session's resources. Idempotent.
	Close() error
}

// Shell runs build scripts inside a session
type Shell interface {
	// Run executes a script with the given environment, streaming combined
	// output to out. A non-zero exit is returned as the script's exit code,
	// not an error; errors mean the shell itself failed.
	Run(ctx context.Context, script string, env map[string]string, out io.Writer) (exitCode int, err error)

	// Terminate forcibly ends whatever the shell is running. Subsequent
	// Run calls fail.
	Terminate(reason string) error
}
