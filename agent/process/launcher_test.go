package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateModule(t *testing.T) {
	for _, name := range []string{"main", "pkg.main", "_private.mod_2", "A.B.C"} {
		assert.NoError(t, ValidateModule(name), name)
	}
	for _, name := range []string{"", "pkg.", ".pkg", "pkg..main", "2fast", "a-b", "../etc", "pkg/main", "a b", "-c"} {
		assert.Error(t, ValidateModule(name), name)
	}
}

func TestPythonLauncherCommand(t *testing.T) {
	l := DefaultPythonLauncher()
	l.Dir = "/srv/app"
	l.Env = []string{"APP_MODE=test"}

	cmd, err := l.Command("pkg.main")
	require.NoError(t, err)
	assert.Equal(t, []string{"python3", "-Xfrozen_modules=off", "-u", "-m", "server.wrappers.module", "pkg.main"}, cmd.Args)
	assert.Equal(t, "/srv/app", cmd.Dir)
	assert.Contains(t, cmd.Env, "PYTHONUNBUFFERED=1")
	assert.Equal(t, "APP_MODE=test", cmd.Env[len(cmd.Env)-1])
}

func TestPythonLauncherRejectsBadModule(t *testing.T) {
	_, err := DefaultPythonLauncher().Command("os; rm -rf /")
	assert.ErrorContains(t, err, "invalid module name")
}
