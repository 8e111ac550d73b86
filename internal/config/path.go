package config

import (
	"os"
	"path/filepath"
)

const appDir = "redq"

// DefaultDataDir returns the per-user data directory: $XDG_DATA_HOME/redq
// when set, otherwise the platform's application data folder under the
// home directory, falling back to ~/.redq and finally ./data.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appDir)
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./data"
	}
	candidates := []struct{ parent, name string }{
		{filepath.Join(home, "Library", "Application Support"), "Redq"}, // macOS
		{filepath.Join(home, "AppData", "Local"), "Redq"},               // Windows
		{filepath.Join(home, ".local", "share"), appDir},
	}
	for _, c := range candidates {
		if isDir(c.parent) {
			return filepath.Join(c.parent, c.name)
		}
	}
	return filepath.Join(home, "."+appDir)
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
