package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "fpgaoffload"
	// DataDirEnv overrides the resolved per-user data directory.
	DataDirEnv = "FPGAOFFLOAD_DATA_DIR"
	// hostFileName is the persisted host settings file.
	hostFileName = "host.json"
)

// HostSettings contains persistent host-side settings.
type HostSettings struct {
	HostID       string `json:"host_id"`
	DatabasePath string `json:"database_path"`
	KeysDir      string `json:"keys_dir"`
	ArchiveDir   string `json:"archive_dir"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If FPGAOFFLOAD_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// HostSettingsPath returns the full path to host.json for a data directory.
func HostSettingsPath(dataDir string) string {
	return filepath.Join(dataDir, hostFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "archives"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// LoadHostSettings reads and unmarshals host.json from disk.
func LoadHostSettings(path string) (*HostSettings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read host settings: %w", err)
	}

	var settings HostSettings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, fmt.Errorf("parse host settings: %w", err)
	}

	return &settings, nil
}

// SaveHostSettings marshals and writes host.json to disk.
func SaveHostSettings(path string, settings *HostSettings) error {
	raw, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal host settings: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write host settings: %w", err)
	}

	return nil
}

// LoadOrCreateHostSettings ensures directories and host.json exist, then returns
// the settings together with the data directory they live in.
func LoadOrCreateHostSettings() (*HostSettings, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	path := HostSettingsPath(dataDir)
	settings, err := LoadHostSettings(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		settings = defaultHostSettings(dataDir)
		if err := SaveHostSettings(path, settings); err != nil {
			return nil, "", err
		}
		return settings, dataDir, nil
	}

	if normalizeHostSettings(settings, dataDir) {
		if err := SaveHostSettings(path, settings); err != nil {
			return nil, "", err
		}
	}

	return settings, dataDir, nil
}

func defaultHostSettings(dataDir string) *HostSettings {
	return &HostSettings{
		HostID:       uuid.NewString(),
		DatabasePath: filepath.Join(dataDir, "history.db"),
		KeysDir:      filepath.Join(dataDir, "keys"),
		ArchiveDir:   filepath.Join(dataDir, "archives"),
	}
}

func normalizeHostSettings(settings *HostSettings, dataDir string) bool {
	defaults := defaultHostSettings(dataDir)
	updated := false

	if settings.HostID == "" {
		settings.HostID = defaults.HostID
		updated = true
	}
	if settings.DatabasePath == "" {
		settings.DatabasePath = defaults.DatabasePath
		updated = true
	}
	if settings.KeysDir == "" {
		settings.KeysDir = defaults.KeysDir
		updated = true
	}
	if settings.ArchiveDir == "" {
		settings.ArchiveDir = defaults.ArchiveDir
		updated = true
	}

	return updated
}
