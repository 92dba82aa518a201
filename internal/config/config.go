package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the immutable-once-loaded configuration value passed to every
// component at startup. Mutable operational state lives outside this
// value: the kill switch on risk.Engine and the pause flag on
// selector.Selector.
type Config struct {
	RunMode       string `yaml:"run_mode"`      // scanner | paper | backtest
	TradeMode     string `yaml:"trade_mode"`     // paper | live (live is rejected)
	ExecutionMode string `yaml:"execution_mode"` // paper | shadow
	LogLevel      string `yaml:"log_level"`
	SQLitePath    string `yaml:"sqlite_path"`

	Selector SelectorConfig `yaml:"selector"`
	Feed     FeedConfig     `yaml:"feed"`
	Risk     RiskConfig     `yaml:"risk"`
	MM       MMConfig       `yaml:"mm"`
	FV       FVConfig       `yaml:"fv"`
	Paper    PaperConfig    `yaml:"paper"`
	Backtest BacktestConfig `yaml:"backtest"`

	StrategyMinInterval time.Duration `yaml:"strategy_min_interval"`
	IdleTickMs          time.Duration `yaml:"idle_tick_ms"`
	SnapshotInterval    time.Duration `yaml:"snapshot_interval_secs"`
	FeedQueueSize       int           `yaml:"feed_queue"`
}

// SelectorConfig controls the Market Selector.
type SelectorConfig struct {
	Interval        time.Duration `yaml:"interval"`
	TopNMarkets     int           `yaml:"top_n_markets"`
	MinVolume24h    float64       `yaml:"min_24h_volume_usd"`
	MinLiquidity    float64       `yaml:"min_liquidity_usd"`
	MinSpreadBps    float64       `yaml:"min_spread_bps"`
	MinUpdatesMin   float64       `yaml:"min_updates_min"`
	WeightVolume    float64       `yaml:"weight_volume"`
	WeightLiquidity float64       `yaml:"weight_liquidity"`
	WeightSpread    float64       `yaml:"weight_spread"`
	WeightUpdates   float64       `yaml:"weight_updates"`
}

// FeedConfig controls freshness / book-maintenance thresholds.
type FeedConfig struct {
	LagWindow int `yaml:"lag_window"` // rolling window size for feed_lag_ms_p99
}

// RiskConfig controls the Risk Engine's ordered rules.
type RiskConfig struct {
	MaxPositionPerMarket float64       `yaml:"max_position_per_market"`
	MaxEventExposureUSD  float64       `yaml:"max_event_exposure_usd"`
	DailyLossLimit       float64       `yaml:"daily_loss_limit"`
	RejectFeedLagMs      float64       `yaml:"reject_feed_lag_ms"`
	MaxSpreadBps         float64       `yaml:"max_spread_bps"`
	MaxOpenPositions     int           `yaml:"max_open_positions"`
	MaxPosAgeSecs        time.Duration `yaml:"max_pos_age_secs"`
	UnwindIntervalSecs   time.Duration `yaml:"unwind_interval_secs"`
}

// MMConfig controls the inventory-aware market-making strategy.
type MMConfig struct {
	Enabled           bool          `yaml:"enabled"`
	MinHalfSpread     float64       `yaml:"min_half_spread"`
	EdgeTicks         float64       `yaml:"edge_ticks"`
	SkewK             float64       `yaml:"skew_k"`
	MinQuoteLifeSecs  time.Duration `yaml:"min_quote_life_secs"`
	RepriceThreshold  float64       `yaml:"reprice_threshold_ticks"`
	MaxSpread         float64       `yaml:"max_spread"`
	TargetSize        float64       `yaml:"target_size"`
	MaxPositionPerMkt float64       `yaml:"max_position_per_market"`
}

// FVConfig controls the cross-venue fair-value strategy.
type FVConfig struct {
	Enabled      bool          `yaml:"enabled"`
	EntryEdge    float64       `yaml:"entry_edge"`
	ExitEdge     float64       `yaml:"exit_edge"`
	MaxStaleness time.Duration `yaml:"max_staleness"`
	TargetSize   float64       `yaml:"target_size"`
	DepthMult    float64       `yaml:"depth_mult"`
	TimeStopSecs time.Duration `yaml:"time_stop_secs"`
}

// PaperConfig controls the Paper Broker's fill model and frictions.
type PaperConfig struct {
	FillModel     string        `yaml:"fill_model"` // maker_touch | trade_through
	Participation float64       `yaml:"participation"`
	MinRestSecs   time.Duration `yaml:"min_rest_secs"`
	SlippageBps   float64       `yaml:"slippage_bps"`
	LatencyBps    float64       `yaml:"latency_bps"`
	FeesBps       float64       `yaml:"fees_bps"`
	ResetOnStart  bool          `yaml:"reset_on_start"`
}

// BacktestConfig controls tape replay in backtest run mode.
type BacktestConfig struct {
	TapePath string    `yaml:"tape_path"`
	Speed    float64   `yaml:"speed"`
	StartTs  time.Time `yaml:"start_ts"`
	EndTs    time.Time `yaml:"end_ts"`
}

// Default returns the engine-wide configuration defaults.
func Default() Config {
	return Config{
		RunMode:       "paper",
		TradeMode:     "paper",
		ExecutionMode: "paper",
		LogLevel:      "info",
		SQLitePath:    "trader.db",

		Selector: SelectorConfig{
			Interval:        60 * time.Second,
			TopNMarkets:     20,
			MinVolume24h:    0,
			MinLiquidity:    0,
			MinSpreadBps:    0,
			MinUpdatesMin:   0,
			WeightVolume:    1,
			WeightLiquidity: 1,
			WeightSpread:    0.5,
			WeightUpdates:   0.2,
		},
		Feed: FeedConfig{
			LagWindow: 100,
		},
		Risk: RiskConfig{
			MaxPositionPerMarket: 10,
			MaxEventExposureUSD:  1000,
			DailyLossLimit:       100,
			RejectFeedLagMs:      100,
			MaxSpreadBps:         500,
			MaxOpenPositions:     20,
			MaxPosAgeSecs:        24 * time.Hour,
			UnwindIntervalSecs:   30 * time.Second,
		},
		MM: MMConfig{
			Enabled:           true,
			MinHalfSpread:     0.01,
			EdgeTicks:         1,
			SkewK:             0.25,
			MinQuoteLifeSecs:  time.Second,
			RepriceThreshold:  2,
			MaxSpread:         0.10,
			TargetSize:        10,
			MaxPositionPerMkt: 10,
		},
		FV: FVConfig{
			Enabled:      true,
			EntryEdge:    0.02,
			ExitEdge:     0.005,
			MaxStaleness: 2 * time.Second,
			TargetSize:   10,
			DepthMult:    2,
			TimeStopSecs: 5 * time.Minute,
		},
		Paper: PaperConfig{
			FillModel:     "maker_touch",
			Participation: 0.5,
			MinRestSecs:   time.Second,
			SlippageBps:   10,
			LatencyBps:    0,
			FeesBps:       0,
			ResetOnStart:  false,
		},
		Backtest: BacktestConfig{
			Speed: 1,
		},
		StrategyMinInterval: 50 * time.Millisecond,
		IdleTickMs:          20 * time.Millisecond,
		SnapshotInterval:    5 * time.Second,
		FeedQueueSize:       10000,
	}
}

// LoadFile loads YAML config from path, layered over Default().
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overlays recognized environment variables onto the config.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv("RUN_MODE")); v != "" {
		c.RunMode = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("TRADE_MODE")); v != "" {
		c.TradeMode = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("EXECUTION_MODE")); v != "" {
		c.ExecutionMode = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("PAPER_FILL_MODEL")); v != "" {
		c.Paper.FillModel = strings.ToLower(v)
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.SQLitePath = v
	}
	if v := strings.TrimSpace(os.Getenv("PAPER_RESET_ON_START")); v != "" {
		c.Paper.ResetOnStart = strings.EqualFold(v, "true") || v == "1"
	}
}
