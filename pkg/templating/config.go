package templating

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/CTAG07/stencil/pkg/sandbox"
)

// EnvLibraryPath names the environment variable consulted for the template
// directory when no path is configured.
const EnvLibraryPath = "TEMPLATE_LIBRARY_PATH"

// Config holds the options for a Store.
type Config struct {
	// Path is the template directory. When empty it is taken from
	// TEMPLATE_LIBRARY_PATH, then from ".templates" in the user's home directory.
	Path string `json:"path"`

	// Limits bound compilation and evaluation of every template in the store.
	Limits sandbox.Limits `json:"limits"`

	// DirMode is the permission used when the template directory is created.
	DirMode os.FileMode `json:"-"`
}

// DefaultConfig returns a Config with the default sandbox limits and an
// unresolved path.
func DefaultConfig() Config {
	return Config{
		Limits:  sandbox.DefaultLimits(),
		DirMode: 0o755,
	}
}

// ResolvePath returns the directory a store with this config is bound to,
// without creating it.
func (c Config) ResolvePath() (string, error) {
	if c.Path != "" {
		return filepath.Abs(c.Path)
	}
	if p := os.Getenv(EnvLibraryPath); p != "" {
		return filepath.Abs(p)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".templates"), nil
}
