package main

import (
	"bytes"
	"testing"

	"github.com/guseggert/modrelay/agent/process"
	"github.com/guseggert/modrelay/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPrintEvent(t *testing.T) {
	var stdout, stderr bytes.Buffer
	handle := printEvent(&stdout, &stderr)

	for _, e := range []process.Event{
		process.StdoutEvent{PID: 1, Data: "out\n"},
		process.StderrEvent{PID: 1, Data: "err\n"},
		process.StdoutEvent{PID: 1, Data: "> ", IsInputPrompt: true},
		process.ExitEvent{PID: 1, ReturnCode: 0},
	} {
		require.NoError(t, handle(e))
	}
	assert.Equal(t, "out\n> ", stdout.String())
	assert.Equal(t, "err\n", stderr.String())
}

func TestBuildLauncherExplicitWorkDir(t *testing.T) {
	cfg := config.Default().Python
	cfg.WorkDir = t.TempDir()
	launcher, err := buildLauncher(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Equal(t, cfg.WorkDir, launcher.Dir)
	assert.Equal(t, "python3", launcher.Interpreter)
}
