package vm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// LocalProvider runs build sessions as local subprocesses. It is the default
// backend; each session gets its own working directory under WorkDir.
type LocalProvider struct {
	// WorkDir is the parent directory for session working directories.
	// Defaults to the system temp directory.
	WorkDir string

	// ShellBin is the shell used to run scripts, e.g. /bin/bash.
	ShellBin string

	Logger *slog.Logger
}

// Prepare creates the session working directory and returns a local session
func (p *LocalProvider) Prepare(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	parent := p.WorkDir
	if parent == "" {
		parent = os.TempDir()
	}

	dir, err := os.MkdirTemp(parent, "build-session-")
	if err != nil {
		return nil, fmt.Errorf("failed to create session work dir: %w", err)
	}

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	shellBin := p.ShellBin
	if shellBin == "" {
		shellBin = "/bin/bash"
	}

	logger.Info("Local build session prepared",
		slog.String("work_dir", dir),
		slog.String("shell", shellBin),
	)

	s := &localSession{
		dir:    dir,
		logger: logger,
	}
	s.shell = &localShell{
		session:  s,
		shellBin: shellBin,
	}

	return s, nil
}

type localSession struct {
	dir    string
	logger *slog.Logger
	shell  *localShell

	mu     sync.Mutex
	closed bool
}

func (s *localSession) Shell() Shell {
	return s.shell
}

func (s *localSession) SignalStall() {
	// The local backend has no hypervisor to flag; the stall is recorded so
	// operators can correlate abandoned jobs with runaway processes.
	s.logger.Warn("Build session stalled",
		slog.String("work_dir", s.dir),
	)
}

func (s *localSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.shell.Terminate("session closed")

	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("failed to remove session work dir: %w", err)
	}

	return nil
}

type localShell struct {
	session  *localSession
	shellBin string

	mu         sync.Mutex
	current    *exec.Cmd
	terminated bool
}

// ErrShellTerminated is returned by Run after Terminate has been called
var ErrShellTerminated = errors.New("shell terminated")

func (sh *localShell) Run(ctx context.Context, script string, env map[string]string, out io.Writer) (int, error) {
	sh.mu.Lock()
	if sh.terminated {
		sh.mu.Unlock()
		return 0, ErrShellTerminated
	}

	cmd := exec.CommandContext(ctx, sh.shellBin, "-c", script)
	cmd.Dir = sh.session.dir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if err := cmd.Start(); err != nil {
		sh.mu.Unlock()
		return 0, fmt.Errorf("failed to start build script: %w", err)
	}

	sh.current = cmd
	sh.mu.Unlock()

	err := cmd.Wait()

	sh.mu.Lock()
	sh.current = nil
	terminated := sh.terminated
	sh.mu.Unlock()

	if terminated {
		return 0, ErrShellTerminated
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 0, fmt.Errorf("build script failed: %w", err)
	}

	return 0, nil
}

func (sh *localShell) Terminate(reason string) error {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if sh.terminated {
		return nil
	}
	sh.terminated = true

	sh.session.logger.Info("Terminating build shell",
		slog.String("reason", reason),
	)

	if sh.current != nil && sh.current.Process != nil {
		if err := sh.current.Process.Kill(); err != nil {
			return fmt.Errorf("failed to kill build process: %w", err)
		}
	}

	return nil
}
