package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths stores resolved runtime file locations for config, database and logs.
type Paths struct {
	RootDir    string
	ConfigFile string
	DBFile     string
	LogFile    string
}

// ResolvePaths places runtime files under the user config dir unless
// overrideDir is set, which lets daemons run from a fixed state directory.
func ResolvePaths(overrideDir string) (Paths, error) {
	root := overrideDir
	if root == "" {
		cfgRoot, err := os.UserConfigDir()
		if err != nil {
			return Paths{}, fmt.Errorf("resolve config dir: %w", err)
		}
		root = filepath.Join(cfgRoot, Name)
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return Paths{}, fmt.Errorf("create app state dir: %w", err)
	}

	return Paths{
		RootDir:    root,
		ConfigFile: filepath.Join(root, ConfigFilename),
		DBFile:     filepath.Join(root, DBFilename),
		LogFile:    filepath.Join(root, LogFilename),
	}, nil
}
