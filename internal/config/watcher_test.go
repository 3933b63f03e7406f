package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dialogengine/dialogengine/internal/config"
)

func TestWatcher_DetectsConfigFileChange(t *testing.T) {
	homeDir := t.TempDir()

	configPath := filepath.Join(homeDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(configPath, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("write updated config: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "config.yaml" {
				t.Fatalf("expected config.yaml event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(configPath, []byte("log_level: debug\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for config.yaml change event")
		}
	}
}

func TestWatcher_DetectsScenarioFileChange(t *testing.T) {
	homeDir := t.TempDir()
	botDir := filepath.Join(config.ScenarioDir(homeDir), "bot1")
	if err := os.MkdirAll(botDir, 0o755); err != nil {
		t.Fatalf("mkdir scenario dir: %v", err)
	}
	scenarioPath := filepath.Join(botDir, "main.json")
	if err := os.WriteFile(scenarioPath, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("write initial scenario: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "main.json" {
				t.Fatalf("expected main.json event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(scenarioPath, []byte(`{"start_step": "a"}`), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for scenario change event")
		}
	}
}
