package config

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestWatcher(t *testing.T, path string, cfg *Config, onReload func(*Config)) *Watcher {
	t.Helper()
	w, err := NewWatcher(path, cfg, onReload)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { w.watcher.Close() })
	return w
}

func TestWatcherReload_SwapsAndNotifies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	if err := os.WriteFile(path, []byte(`{bot: {max_reply_length: 100}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	var notified *Config
	w := newTestWatcher(t, path, cfg, func(c *Config) { notified = c })

	if err := os.WriteFile(path, []byte(`{bot: {max_reply_length: 25, require_mention: true}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	w.reload()

	snap := cfg.Snapshot()
	if snap.Bot.MaxReplyLength != 25 || !snap.Bot.RequireMention {
		t.Errorf("bot after reload = %+v, want the fresh file values", snap.Bot)
	}
	if notified != cfg {
		t.Error("onReload should receive the live config")
	}
}

func TestWatcherReload_BadFileKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	if err := os.WriteFile(path, []byte(`{bot: {max_reply_length: 100}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	reloads := 0
	w := newTestWatcher(t, path, cfg, func(*Config) { reloads++ })

	if err := os.WriteFile(path, []byte(`{bot: broken`), 0o600); err != nil {
		t.Fatal(err)
	}
	w.reload()

	if got := cfg.Snapshot().Bot.MaxReplyLength; got != 100 {
		t.Errorf("max_reply_length = %d, want the previous config kept", got)
	}
	if reloads != 0 {
		t.Error("onReload must not fire for a failed reload")
	}
}

func TestWatcherReload_RestoresEnvSecrets(t *testing.T) {
	t.Setenv("CHATBRIDGE_OPENAI_API_KEY", "sk-live")

	path := filepath.Join(t.TempDir(), "config.json5")
	if err := os.WriteFile(path, []byte(`{responder: {model: "gpt-4o"}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	w := newTestWatcher(t, path, cfg, nil)
	w.reload()

	snap := cfg.Snapshot()
	if snap.Responder.APIKey != "sk-live" {
		t.Errorf("APIKey = %q, env secrets must survive a reload", snap.Responder.APIKey)
	}
	if snap.Responder.Model != "gpt-4o" {
		t.Errorf("Model = %q", snap.Responder.Model)
	}
}
