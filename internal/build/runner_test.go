package build

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/forgeci/build-worker/internal/vm"
	"github.com/forgeci/build-worker/internal/worker/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPayload(script string) *domain.Payload {
	return &domain.Payload{
		Repository: domain.Repository{Slug: "org/repo"},
		Job:        domain.JobInfo{ID: 42},
		Config:     domain.BuildConfig{Script: script},
	}
}

func testSession(t *testing.T) vm.Session {
	t.Helper()

	provider := &vm.LocalProvider{WorkDir: t.TempDir(), ShellBin: "/bin/sh"}
	sess, err := provider.Prepare(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })

	return sess
}

func TestRunner_Run(t *testing.T) {
	sess := testSession(t)

	var sink bytes.Buffer
	runner := NewRunner(sess, &sink, testPayload("echo compiling"), slog.Default())

	result, err := runner.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, sink.String(), "Building org/repo (job #42)")
	assert.Contains(t, sink.String(), "compiling")
	assert.Contains(t, sink.String(), "Build succeeded")
}

func TestRunner_RunFailingScript(t *testing.T) {
	sess := testSession(t)

	var sink bytes.Buffer
	runner := NewRunner(sess, &sink, testPayload("exit 2"), slog.Default())

	// A failing script is still a normal completion
	result, err := runner.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, result.ExitCode)
	assert.Contains(t, sink.String(), "exit code 2")
}

func TestRunner_RunEmptyScript(t *testing.T) {
	sess := testSession(t)

	var sink bytes.Buffer
	runner := NewRunner(sess, &sink, testPayload(""), slog.Default())

	_, err := runner.Run(context.Background())
	require.Error(t, err)
	assert.False(t, domain.IsVMFatal(err))
}

func TestRunner_TerminatedShellIsVMFatal(t *testing.T) {
	sess := testSession(t)
	require.NoError(t, sess.Shell().Terminate("test"))

	var sink bytes.Buffer
	runner := NewRunner(sess, &sink, testPayload("echo hello"), slog.Default())

	_, err := runner.Run(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsVMFatal(err))
}
