package config

import (
	"fmt"
	"strings"
)

// Validate checks high-impact runtime configuration constraints. A
// Validate error is fatal at startup: the engine refuses to run on a
// bad config rather than limping along with it.
func (c Config) Validate() error {
	mode := strings.ToLower(strings.TrimSpace(c.RunMode))
	if mode != "scanner" && mode != "paper" && mode != "backtest" {
		return fmt.Errorf("run_mode must be one of scanner|paper|backtest, got %q", c.RunMode)
	}
	if strings.ToLower(strings.TrimSpace(c.TradeMode)) == "live" {
		return fmt.Errorf("trade_mode=live is rejected by this build: real-money trading is out of scope")
	}
	execMode := strings.ToLower(strings.TrimSpace(c.ExecutionMode))
	if execMode != "" && execMode != "paper" && execMode != "shadow" {
		return fmt.Errorf("execution_mode must be paper|shadow, got %q", c.ExecutionMode)
	}
	fillModel := strings.ToLower(strings.TrimSpace(c.Paper.FillModel))
	if fillModel != "maker_touch" && fillModel != "trade_through" {
		return fmt.Errorf("paper.fill_model must be maker_touch|trade_through, got %q", c.Paper.FillModel)
	}

	if c.Selector.TopNMarkets <= 0 {
		return fmt.Errorf("selector.top_n_markets must be > 0, got %d", c.Selector.TopNMarkets)
	}
	if c.Selector.Interval <= 0 {
		return fmt.Errorf("selector.interval must be > 0, got %s", c.Selector.Interval)
	}

	if c.Risk.MaxPositionPerMarket <= 0 {
		return fmt.Errorf("risk.max_position_per_market must be > 0, got %f", c.Risk.MaxPositionPerMarket)
	}
	if c.Risk.MaxEventExposureUSD <= 0 {
		return fmt.Errorf("risk.max_event_exposure_usd must be > 0, got %f", c.Risk.MaxEventExposureUSD)
	}
	if c.Risk.DailyLossLimit < 0 {
		return fmt.Errorf("risk.daily_loss_limit must be >= 0, got %f", c.Risk.DailyLossLimit)
	}
	if c.Risk.MaxOpenPositions <= 0 {
		return fmt.Errorf("risk.max_open_positions must be > 0, got %d", c.Risk.MaxOpenPositions)
	}

	if c.Paper.Participation <= 0 || c.Paper.Participation > 1 {
		return fmt.Errorf("paper.participation must be within (0,1], got %f", c.Paper.Participation)
	}
	if c.Paper.FeesBps < 0 {
		return fmt.Errorf("paper.fees_bps must be >= 0, got %f", c.Paper.FeesBps)
	}
	if c.Paper.SlippageBps < 0 {
		return fmt.Errorf("paper.slippage_bps must be >= 0, got %f", c.Paper.SlippageBps)
	}

	if mode == "backtest" && strings.TrimSpace(c.Backtest.TapePath) == "" && c.SQLitePath == "" {
		return fmt.Errorf("backtest mode requires backtest.tape_path or sqlite_path to replay from")
	}
	if c.Backtest.Speed < 0 {
		return fmt.Errorf("backtest.speed must be >= 0, got %f", c.Backtest.Speed)
	}

	return nil
}
