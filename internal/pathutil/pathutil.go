package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

const defaultStateDirName = ".morphlink"

func ExpandHomePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// ResolveStateDir maps the configured file_state_dir to an absolute path,
// defaulting to ~/.morphlink when unset.
func ResolveStateDir(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "~/" + defaultStateDirName
	}
	return filepath.Clean(ExpandHomePath(raw))
}

func ResolveStateChildDir(stateDir, childName, defaultName string) string {
	childName = strings.TrimSpace(childName)
	if childName == "" {
		childName = defaultName
	}
	if filepath.IsAbs(childName) {
		return filepath.Clean(childName)
	}
	return filepath.Join(ResolveStateDir(stateDir), childName)
}
