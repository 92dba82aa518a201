package config

import (
	"fmt"
	"strings"
)

// ApplyRolloutPhase applies a staged rollout preset to the config, the same
// "pick a phase name, clamp the dangerous knobs" idiom used for graduating
// a live trading bot, reinterpreted for this engine's run modes. Since
// trade_mode=live is rejected by Validate, phases graduate how much of the
// core runs and how cautious the paper fills are rather than real capital
// exposure. Supported phases:
//   - scanner:  selector + feed + storage only, no strategies or fills
//   - shadow:   full core runs, execution_mode=shadow (strategies and risk
//     evaluate every tick but intents are logged, never sent to the broker)
//   - paper:    full core, real simulated fills against paper.fill_model
//   - paper-tight: paper mode with conservative size/exposure caps, for a
//     new strategy's first session against a live tape
func ApplyRolloutPhase(cfg *Config, phase string) error {
	p := strings.ToLower(strings.TrimSpace(phase))
	if p == "" {
		return nil
	}

	switch p {
	case "scanner":
		cfg.RunMode = "scanner"
		cfg.ExecutionMode = "paper"
	case "shadow":
		cfg.RunMode = "paper"
		cfg.ExecutionMode = "shadow"
	case "paper":
		cfg.RunMode = "paper"
		cfg.ExecutionMode = "paper"
	case "paper-tight":
		cfg.RunMode = "paper"
		cfg.ExecutionMode = "paper"

		clampMaxFloat(&cfg.Risk.MaxPositionPerMarket, 3)
		clampMaxFloat(&cfg.Risk.MaxEventExposureUSD, 100)
		clampMaxFloat(&cfg.Risk.DailyLossLimit, 10)
		clampMaxInt(&cfg.Risk.MaxOpenPositions, 5)
		clampMaxFloat(&cfg.MM.TargetSize, 2)
		clampMaxFloat(&cfg.FV.TargetSize, 2)
	default:
		return fmt.Errorf("unknown rollout phase %q (supported: scanner|shadow|paper|paper-tight)", phase)
	}

	cfg.TradeMode = "paper"
	return nil
}

func clampMaxFloat(v *float64, max float64) {
	if max <= 0 {
		return
	}
	if *v <= 0 || *v > max {
		*v = max
	}
}

func clampMaxInt(v *int, max int) {
	if max <= 0 {
		return
	}
	if *v <= 0 || *v > max {
		*v = max
	}
}
