package config

import (
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all engine configuration.
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Store      StoreConfig      `mapstructure:"store"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Filter     FilterConfig     `mapstructure:"filter"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	Dashboard  DashboardConfig  `mapstructure:"dashboard"`
}

type APIConfig struct {
	ServerURL string `mapstructure:"server_url"`
	APIKeyEnv string `mapstructure:"api_key_env"`
}

type StoreConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
}

// MonitoringMode selects which tokens PriceMonitor tracks: every token the
// mindmap has ever seen, or only tokens with an open position or an active
// interest registration.
type MonitoringMode string

const (
	MonitoringAll        MonitoringMode = "all"
	MonitoringSubscribed MonitoringMode = "subscribed"
)

type MonitoringConfig struct {
	Mode          MonitoringMode `mapstructure:"mode"`
	RedisURL      string         `mapstructure:"redis_url"` // empty = in-process PriceCache fallback
	DiscoveryRps  float64        `mapstructure:"discovery_rps"`
	FastLoopMs    int            `mapstructure:"fast_loop_ms"`
	SlowLoopMs    int            `mapstructure:"slow_loop_ms"`
	WatcherLoopMs int            `mapstructure:"watcher_loop_ms"`
}

type FilterConfig struct {
	MinTradeVolume     float64 `mapstructure:"min_trade_volume"`
	MinConnectedActors int     `mapstructure:"min_connected_actors"`
	MinInfluenceScore  float64 `mapstructure:"min_influence_score"`
	MinTotalTrades     int     `mapstructure:"min_total_trades"`
	MinViralVelocity   int     `mapstructure:"min_viral_velocity"`
	RequireSmartMoney  bool    `mapstructure:"require_smart_money"`
	MinConsensusScore  float64 `mapstructure:"min_consensus_score"`
	MinMarketCapQuote  float64 `mapstructure:"min_market_cap_quote"`
	MinLiquidityQuote  float64 `mapstructure:"min_liquidity_quote"`
	PredictionMinConf  float64 `mapstructure:"prediction_min_confidence"`
	PredictionMaxRetry int     `mapstructure:"prediction_max_retries"`
}

type RiskConfig struct {
	TakeProfitPct       float64 `mapstructure:"take_profit_pct"`
	StopLossPct         float64 `mapstructure:"stop_loss_pct"`
	TrailingStopPct     float64 `mapstructure:"trailing_stop_pct"`
	TrailingStopEnabled bool    `mapstructure:"trailing_stop_enabled"`
	MaxHoldMinutes      int     `mapstructure:"max_hold_minutes"` // 0 = disabled

	// Partial profit-taking (sell X% at Y multiple of entry).
	PartialProfitPct      float64 `mapstructure:"partial_profit_pct"`
	PartialProfitMultiple float64 `mapstructure:"partial_profit_multiple"`
}

type TradingConfig struct {
	BuyAmount              float64 `mapstructure:"buy_amount"`
	AllowAdditionalEntries bool    `mapstructure:"allow_additional_entries"`
	MaxEntriesPerToken     int     `mapstructure:"max_entries_per_token"`
	AutoTradingEnabled     bool    `mapstructure:"auto_trading_enabled"`
	PriorityFeeSamples     int     `mapstructure:"priority_fee_samples"`
	PriorityFeeCacheMs     int     `mapstructure:"priority_fee_cache_ms"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type SimulationConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	InitialBalance float64 `mapstructure:"initial_balance"`
}

type DashboardConfig struct {
	ListenHost string `mapstructure:"listen_host"`
	ListenPort int    `mapstructure:"listen_port"`
	WSPort     int    `mapstructure:"ws_port"`
}

// Manager handles config loading and hot-reload.
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	viper    *viper.Viper
	onChange func(*Config)
}

// NewManager creates a new config manager.
func NewManager(configPath string) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// Set defaults (hardening)
	v.SetDefault("api.api_key_env", "ENGINE_API_KEY")
	v.SetDefault("store.sqlite_path", "./data/positions.db")
	v.SetDefault("monitoring.mode", string(MonitoringSubscribed))
	v.SetDefault("monitoring.discovery_rps", 5.0)
	v.SetDefault("monitoring.fast_loop_ms", 100)
	v.SetDefault("monitoring.slow_loop_ms", 1000)
	v.SetDefault("monitoring.watcher_loop_ms", 100)
	v.SetDefault("filter.min_influence_score", 50.0)
	v.SetDefault("filter.prediction_min_confidence", 65.0)
	v.SetDefault("filter.prediction_max_retries", 3)
	v.SetDefault("risk.take_profit_pct", 50.0)
	v.SetDefault("risk.stop_loss_pct", 20.0)
	v.SetDefault("trading.max_entries_per_token", 1)
	v.SetDefault("trading.priority_fee_samples", 20)
	v.SetDefault("trading.priority_fee_cache_ms", 5000)
	v.SetDefault("logging.level", "info")
	v.SetDefault("dashboard.listen_host", "0.0.0.0")
	v.SetDefault("dashboard.listen_port", 8088)
	v.SetDefault("dashboard.ws_port", 8089)
	v.SetDefault("simulation.enabled", true)
	v.SetDefault("simulation.initial_balance", 10.0)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Manual fallback if unmarshal leaves zero values (double check)
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = "./data/positions.db"
	}
	if cfg.API.APIKeyEnv == "" {
		cfg.API.APIKeyEnv = "ENGINE_API_KEY"
	}

	m := &Manager{
		config: &cfg,
		viper:  v,
	}

	// Watch for config changes
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Msg("config file changed, reloading")
		m.reload()
	})

	return m, nil
}

// Get returns the current config (thread-safe).
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetTrading returns trading config (most frequently accessed).
func (m *Manager) GetTrading() TradingConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Trading
}

// GetRisk returns risk config.
func (m *Manager) GetRisk() RiskConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Risk
}

// GetFilter returns filter config.
func (m *Manager) GetFilter() FilterConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Filter
}

// GetMonitoring returns monitoring config.
func (m *Manager) GetMonitoring() MonitoringConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Monitoring
}

// SetOnChange registers a callback for config changes.
func (m *Manager) SetOnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Update modifies config values and saves to file.
func (m *Manager) Update(fn func(*Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Apply changes
	fn(m.config)

	// Update viper values
	m.viper.Set("trading.auto_trading_enabled", m.config.Trading.AutoTradingEnabled)
	m.viper.Set("trading.buy_amount", m.config.Trading.BuyAmount)
	m.viper.Set("risk.take_profit_pct", m.config.Risk.TakeProfitPct)
	m.viper.Set("risk.stop_loss_pct", m.config.Risk.StopLossPct)
	m.viper.Set("risk.trailing_stop_pct", m.config.Risk.TrailingStopPct)
	m.viper.Set("risk.trailing_stop_enabled", m.config.Risk.TrailingStopEnabled)
	m.viper.Set("risk.max_hold_minutes", m.config.Risk.MaxHoldMinutes)

	// Write to file
	if err := m.viper.WriteConfig(); err != nil {
		return err
	}

	if m.onChange != nil {
		m.onChange(m.config)
	}

	return nil
}

func (m *Manager) reload() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		log.Error().Err(err).Msg("failed to unmarshal config on reload")
		return
	}

	m.config = &cfg
	if m.onChange != nil {
		m.onChange(&cfg)
	}
}

// GetAPIKey loads the upstream event-feed API key from its configured
// environment variable.
func (m *Manager) GetAPIKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.API.APIKeyEnv)
}

// GetPriorityFeeCacheTTL returns the priority-fee cache lifetime as a
// duration.
func (m *Manager) GetPriorityFeeCacheTTL() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Trading.PriorityFeeCacheMs) * time.Millisecond
}

// GetWatcherInterval returns the PositionWatcher poll interval.
func (m *Manager) GetWatcherInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Monitoring.WatcherLoopMs) * time.Millisecond
}
