package process

import (
	"io"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitExited(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for child to exit")
	}
}

func TestHandleExitCode(t *testing.T) {
	h, err := Spawn(exec.Command("sh", "-c", "echo out; echo err >&2; exit 3"))
	require.NoError(t, err)
	defer h.Close()

	assert.Greater(t, h.PID(), 0)

	stdout, err := io.ReadAll(h.Stdout)
	require.NoError(t, err)
	stderr, err := io.ReadAll(h.Stderr)
	require.NoError(t, err)
	assert.Equal(t, "out\n", string(stdout))
	assert.Equal(t, "err\n", string(stderr))

	waitExited(t, h)
	assert.True(t, h.Exited())
	assert.Equal(t, 3, h.ExitCode())
	assert.NoError(t, h.WaitErr())
}

func TestHandleKill(t *testing.T) {
	h, err := Spawn(exec.Command("sleep", "60"))
	require.NoError(t, err)
	defer h.Close()

	assert.False(t, h.Exited())
	assert.Equal(t, -1, h.ExitCode())

	require.NoError(t, h.Kill())
	waitExited(t, h)
	assert.Equal(t, -9, h.ExitCode())

	// killing again is a no-op
	assert.NoError(t, h.Kill())
}

func TestHandleStdin(t *testing.T) {
	h, err := Spawn(exec.Command("cat"))
	require.NoError(t, err)
	defer h.Close()

	_, err = io.WriteString(h.Stdin, "echo me\n")
	require.NoError(t, err)
	require.NoError(t, h.Stdin.Close())

	out, err := io.ReadAll(h.Stdout)
	require.NoError(t, err)
	assert.Equal(t, "echo me\n", string(out))

	waitExited(t, h)
	assert.Equal(t, 0, h.ExitCode())
}

func TestSpawnError(t *testing.T) {
	_, err := Spawn(exec.Command("/nonexistent/interpreter", "-m", "mod"))
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, []string{"/nonexistent/interpreter", "-m", "mod"}, spawnErr.Command)
}
