package vm

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func prepareLocal(t *testing.T) Session {
	t.Helper()

	provider := &LocalProvider{
		WorkDir:  t.TempDir(),
		ShellBin: "/bin/sh",
	}

	sess, err := provider.Prepare(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })

	return sess
}

func TestLocalShell_Run(t *testing.T) {
	sess := prepareLocal(t)

	var out bytes.Buffer
	code, err := sess.Shell().Run(context.Background(), "echo hello", nil, &out)

	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "hello")
}

func TestLocalShell_RunExitCode(t *testing.T) {
	sess := prepareLocal(t)

	var out bytes.Buffer
	code, err := sess.Shell().Run(context.Background(), "exit 3", nil, &out)

	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestLocalShell_RunEnv(t *testing.T) {
	sess := prepareLocal(t)

	var out bytes.Buffer
	_, err := sess.Shell().Run(context.Background(), "echo $GREETING", map[string]string{"GREETING": "bonjour"}, &out)

	require.NoError(t, err)
	assert.Contains(t, out.String(), "bonjour")
}

func TestLocalShell_TerminatedShellRefusesRuns(t *testing.T) {
	sess := prepareLocal(t)

	require.NoError(t, sess.Shell().Terminate("test"))

	var out bytes.Buffer
	_, err := sess.Shell().Run(context.Background(), "echo hello", nil, &out)
	assert.ErrorIs(t, err, ErrShellTerminated)
}

func TestLocalSession_CloseIdempotent(t *testing.T) {
	sess := prepareLocal(t)

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())
}
