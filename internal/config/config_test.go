package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DBPath = "/tmp/archive.db"
	cfg.Crawl.BatchSize = 200
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DBPath != "/tmp/archive.db" {
		t.Errorf("DBPath = %q, want /tmp/archive.db", loaded.DBPath)
	}
	if loaded.Crawl.BatchSize != 200 {
		t.Errorf("BatchSize = %d, want 200", loaded.Crawl.BatchSize)
	}
}

func TestLoadMissingUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawl.BatchSize != 100 {
		t.Errorf("default BatchSize = %d, want 100", cfg.Crawl.BatchSize)
	}
	if !cfg.Listener.Edits {
		t.Error("default Listener.Edits = false, want true")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TELEMIRROR_DB_PATH", "/env/archive.db")
	t.Setenv("TELEMIRROR_LISTEN_DELETIONS", "false")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DBPath != "/env/archive.db" {
		t.Errorf("DBPath = %q, want env override", cfg.DBPath)
	}
	if cfg.Listener.Deletions {
		t.Error("Listener.Deletions = true, want env override false")
	}
}

func TestValidateRejectsZeroBatch(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	if err := os.WriteFile(path, []byte("[crawl]\nbatch_size = 0\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() expected validation error for batch_size=0")
	}
}

func TestTracked(t *testing.T) {
	cfg := Default()
	cfg.Filters.ExcludeChats = []int64{5}
	if cfg.Tracked(5) {
		t.Error("excluded chat reported tracked")
	}
	if !cfg.Tracked(7) {
		t.Error("unfiltered chat reported untracked")
	}

	cfg.Filters.IncludeChats = []int64{7}
	if !cfg.Tracked(7) {
		t.Error("included chat reported untracked")
	}
	if cfg.Tracked(8) {
		t.Error("chat outside include list reported tracked")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
