package process

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
)

// Launcher builds the command line for a module. The returned command must not be started.
type Launcher interface {
	Command(module string) (*exec.Cmd, error)
}

// LauncherFunc adapts a function to a Launcher.
type LauncherFunc func(module string) (*exec.Cmd, error)

func (f LauncherFunc) Command(module string) (*exec.Cmd, error) { return f(module) }

var moduleNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// ValidateModule checks that name is a dotted Python module path.
func ValidateModule(name string) error {
	if !moduleNameRE.MatchString(name) {
		return fmt.Errorf("invalid module name %q", name)
	}
	return nil
}

// PythonLauncher runs a module under a wrapper module, e.g.
//
//	python3 -Xfrozen_modules=off -u -m server.wrappers.module mypkg.main
//
// Frozen modules are disabled so the target can be reloaded, and all three
// standard streams are unbuffered.
type PythonLauncher struct {
	Interpreter   string
	WrapperModule string
	// Dir is the child's working directory; the wrapper module must be importable from it.
	Dir string
	// Env is added to the agent's own environment.
	Env []string
}

func DefaultPythonLauncher() *PythonLauncher {
	return &PythonLauncher{
		Interpreter:   "python3",
		WrapperModule: "server.wrappers.module",
	}
}

func (l *PythonLauncher) Args(module string) []string {
	return []string{"-Xfrozen_modules=off", "-u", "-m", l.WrapperModule, module}
}

func (l *PythonLauncher) Command(module string) (*exec.Cmd, error) {
	if err := ValidateModule(module); err != nil {
		return nil, err
	}
	cmd := exec.Command(l.Interpreter, l.Args(module)...)
	cmd.Dir = l.Dir
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
	cmd.Env = append(cmd.Env, l.Env...)
	return cmd, nil
}
