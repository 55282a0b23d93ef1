package files

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FindUp looks for an entry called name in dir and each of its parents, returning
// the first match's path, or "" if the filesystem root is reached without one.
func FindUp(name, dir string) (string, error) {
	curDir := dir
	for {
		p := filepath.Join(curDir, name)
		_, err := os.Stat(p)
		if err == nil {
			return p, nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("checking %s: %w", p, err)
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return "", nil
		}
		curDir = newDir
	}
}

// ModuleRoot finds the directory a dotted Python module can be imported from, by looking
// upward from dir for its top-level package. It returns "" if there is none.
func ModuleRoot(module, dir string) (string, error) {
	top, _, _ := strings.Cut(module, ".")
	pkg, err := FindUp(top, dir)
	if err != nil || pkg == "" {
		return "", err
	}
	return filepath.Dir(pkg), nil
}
