package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return configPath
}

func TestNewManager_Defaults(t *testing.T) {
	configPath := writeConfig(t, `
api:
  server_url: https://feed.example.com
trading:
  buy_amount: 0.5
`)

	m, err := NewManager(configPath)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	cfg := m.Get()
	if cfg.Store.SQLitePath != "./data/positions.db" {
		t.Errorf("Store.SQLitePath = %q, want default", cfg.Store.SQLitePath)
	}
	if cfg.Monitoring.Mode != MonitoringSubscribed {
		t.Errorf("Monitoring.Mode = %q, want %q", cfg.Monitoring.Mode, MonitoringSubscribed)
	}
	if cfg.Filter.PredictionMinConf != 65.0 {
		t.Errorf("Filter.PredictionMinConf = %v, want 65", cfg.Filter.PredictionMinConf)
	}
	if cfg.Risk.TakeProfitPct != 50.0 {
		t.Errorf("Risk.TakeProfitPct = %v, want 50", cfg.Risk.TakeProfitPct)
	}
	if cfg.Trading.BuyAmount != 0.5 {
		t.Errorf("Trading.BuyAmount = %v, want 0.5 (explicit override)", cfg.Trading.BuyAmount)
	}
}

func TestManager_GetAPIKey(t *testing.T) {
	os.Setenv("TEST_ENGINE_API_KEY", "secret-123")
	defer os.Unsetenv("TEST_ENGINE_API_KEY")

	configPath := writeConfig(t, `
api:
  api_key_env: TEST_ENGINE_API_KEY
`)

	m, err := NewManager(configPath)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	if got := m.GetAPIKey(); got != "secret-123" {
		t.Errorf("GetAPIKey() = %q, want %q", got, "secret-123")
	}
}

func TestManager_Update_PersistsAndNotifies(t *testing.T) {
	configPath := writeConfig(t, `
trading:
  auto_trading_enabled: false
`)

	m, err := NewManager(configPath)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	var notified bool
	m.SetOnChange(func(c *Config) { notified = true })

	if err := m.Update(func(c *Config) {
		c.Trading.AutoTradingEnabled = true
		c.Risk.StopLossPct = 15
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if !notified {
		t.Error("Update did not invoke the onChange callback")
	}
	if !m.GetTrading().AutoTradingEnabled {
		t.Error("Update did not apply in-memory change")
	}

	raw, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.Contains(string(raw), "auto_trading_enabled: true") {
		t.Errorf("Update did not persist change to disk: %s", raw)
	}
}

func TestManager_GetWatcherInterval(t *testing.T) {
	configPath := writeConfig(t, `
monitoring:
  watcher_loop_ms: 250
`)

	m, err := NewManager(configPath)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	if got := m.GetWatcherInterval(); got != 250*time.Millisecond {
		t.Errorf("GetWatcherInterval() = %v, want 250ms", got)
	}
}
