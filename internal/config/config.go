// Package config resolves the on-disk paths this module needs: the
// simple-MBR boot blob, the per-disk backup directory, and scratch space
// for temporary backups and converted images.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Settings is the YAML-backed configuration for a diskpart run.
type Settings struct {
	// WorkDirPath overrides the default work directory (defaults to
	// $HOME/.diskpart).
	WorkDirPath string `yaml:"workDir,omitempty"`

	// SimpleMBRBlob is the path to the 446-byte boot-loader blob written by
	// writeSimpleMBR. Defaults to "<workDir>/boot/mbr.simple".
	SimpleMBRBlob string `yaml:"simpleMbrBlob,omitempty"`

	// BackupDirPath overrides the directory that holds one permanent backup
	// file per disk. Defaults to "<workDir>/backups".
	BackupDirPath string `yaml:"backupDir,omitempty"`
}

var current = Settings{}

// Load reads settings from path, merging over defaults. A missing file is
// not an error; callers get the defaults.
func Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := ValidateSettingsYAML(data); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	current = s
	return nil
}

// WorkDir returns the module's base work directory, creating it if absent.
func WorkDir() (string, error) {
	dir := current.WorkDirPath
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".diskpart")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create work directory %s: %w", dir, err)
	}
	return dir, nil
}

// EnsureTempDir returns (creating if needed) a named scratch directory
// under the work directory's "tmp" subtree, used for pre-write backups
// and format-conversion scratch space.
func EnsureTempDir(name string) (string, error) {
	base, err := WorkDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(base, "tmp", name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create temp directory %s: %w", dir, err)
	}
	return dir, nil
}

// BackupDir returns the directory holding permanent per-disk backup files.
func BackupDir() (string, error) {
	if current.BackupDirPath != "" {
		if err := os.MkdirAll(current.BackupDirPath, 0o755); err != nil {
			return "", fmt.Errorf("create backup directory %s: %w", current.BackupDirPath, err)
		}
		return current.BackupDirPath, nil
	}
	base, err := WorkDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(base, "backups")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup directory %s: %w", dir, err)
	}
	return dir, nil
}

// SimpleMBRPath returns the path to the canned boot-loader blob used by
// writeSimpleMBR.
func SimpleMBRPath() (string, error) {
	if current.SimpleMBRBlob != "" {
		return current.SimpleMBRBlob, nil
	}
	base, err := WorkDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "boot", "mbr.simple"), nil
}
