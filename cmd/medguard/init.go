package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/NotHydra/smart-med-guard/internal/defaults"
)

// runInit initializes a medguard working directory: the data directory
// and a config.yaml copied from the bundled example. Existing files are
// never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing SmartMedGuard workspace in %s\n", dir)

	dbPath := filepath.Join(dir, "db")
	if err := os.MkdirAll(dbPath, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dbPath, err)
	}

	// The config carries WiFi and broker credentials.
	configPath := filepath.Join(dir, "config.yaml")
	created, err := writeIfMissing(configPath, defaults.ConfigYAML, 0o600)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(w, "  ✓ %s\n", configPath)
	} else {
		fmt.Fprintf(w, "  - %s (exists, skipped)\n", configPath)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to set the device identity, WiFi and broker.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist. It reports whether the file was created.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
