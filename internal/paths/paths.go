package paths

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.telemirror.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".telemirror")
}

// SocketPath returns the admin API unix socket path.
func SocketPath() string {
	return filepath.Join(BaseDir(), "admin.sock")
}

// LockPath returns the writer lock file path.
func LockPath() string {
	return filepath.Join(BaseDir(), "LOCK")
}

// DBPath returns the archive database path.
func DBPath() string {
	return filepath.Join(BaseDir(), "archive.db")
}

// MediaDir returns the directory holding deduplicated media files.
func MediaDir() string {
	return filepath.Join(BaseDir(), "media")
}

// LogDir returns the log directory.
func LogDir() string {
	return filepath.Join(BaseDir(), "logs")
}

// LogPath returns the daemon log file path.
func LogPath() string {
	return filepath.Join(LogDir(), "telemirrord.log")
}

// ConfigPath returns the config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDirs creates the base directory tree with owner-only permissions.
func EnsureDirs() error {
	dirs := []string{
		BaseDir(),
		MediaDir(),
		LogDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
