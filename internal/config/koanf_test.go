// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithEnvOverridesAppliesTopLevelOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := `
loglevel: info
levels:
  "0":
    folder: media/0
inputs: []
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("VELA_LOGLEVEL", "debug")

	cfg, err := LoadWithEnvOverrides(path, "")
	if err != nil {
		t.Fatalf("LoadWithEnvOverrides: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug (env override)", cfg.LogLevel)
	}
}

func TestLoadWithEnvOverridesAppliesNestedLevelOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := `
loglevel: info
levels:
  "0":
    folder: media/0
  "1":
    folder: media/1
inputs: []
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("VELA_LEVELS_1_FOLDER", "/override/media1")
	t.Setenv("VELA_LEVELS_1_FADEIN", "250ms")

	cfg, err := LoadWithEnvOverrides(path, "")
	if err != nil {
		t.Fatalf("LoadWithEnvOverrides: %v", err)
	}
	if cfg.Levels["1"].Folder != "/override/media1" {
		t.Errorf("Levels[1].Folder = %q, want override", cfg.Levels["1"].Folder)
	}
	if cfg.Levels["1"].FadeIn != 250*time.Millisecond {
		t.Errorf("Levels[1].FadeIn = %v, want 250ms", cfg.Levels["1"].FadeIn)
	}
}

func TestLoadWithEnvOverridesWithoutFileUsesEnvOnly(t *testing.T) {
	t.Setenv("VELA_LOGLEVEL", "warn")
	t.Setenv("VELA_LEVELS_0_FOLDER", "media/only")

	cfg, err := LoadWithEnvOverrides("", "")
	if err != nil {
		t.Fatalf("LoadWithEnvOverrides: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
	if len(cfg.Levels) != 1 || cfg.Levels["0"].Folder != "media/only" {
		t.Errorf("Levels = %+v, want one level with folder media/only", cfg.Levels)
	}
}
