// Package scheduler runs the three background strategy loops: DCA
// accumulation, trailing stop management and copy trading. Each loop ticks
// on its own interval and drives work through the order repository and the
// execution coordinator.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"trigger-core/pkg/db"
)

// DCAConfig is one DCA plan entry in YAML.
type DCAConfig struct {
	ID            string  `yaml:"id"`
	Owner         string  `yaml:"owner"`
	Instrument    string  `yaml:"instrument"`
	Side          string  `yaml:"side"`
	Amount        float64 `yaml:"amount"`
	RiskAdjusted  bool    `yaml:"risk_adjusted"`
	Interval      string  `yaml:"interval"`
	MaxExecutions int     `yaml:"max_executions"`
	MaxDeployed   float64 `yaml:"max_deployed"`
	EndAt         string  `yaml:"end_at"` // RFC3339, optional
}

// TrailingConfig is one trailing stop entry in YAML.
type TrailingConfig struct {
	ID              string  `yaml:"id"`
	Owner           string  `yaml:"owner"`
	Instrument      string  `yaml:"instrument"`
	Side            string  `yaml:"side"` // exit order side: SELL guards a long
	Qty             float64 `yaml:"qty"`
	TrailPct        float64 `yaml:"trail_pct"`
	ActivationPrice float64 `yaml:"activation_price"`
}

// FollowerConfig is one copy-trading follower entry in YAML.
type FollowerConfig struct {
	Follower      string  `yaml:"follower"`
	Leader        string  `yaml:"leader"`
	Ratio         float64 `yaml:"ratio"`
	MaxAllocation float64 `yaml:"max_allocation"` // quote currency, 0 = unlimited
}

// StrategyFile is the top-level YAML structure.
type StrategyFile struct {
	DCA           []DCAConfig      `yaml:"dca"`
	TrailingStops []TrailingConfig `yaml:"trailing_stops"`
	Followers     []FollowerConfig `yaml:"copy_followers"`
}

// LoadStrategyFile reads strategy definitions from a YAML file.
func LoadStrategyFile(path string) (*StrategyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file StrategyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("scheduler: parse %s: %w", path, err)
	}
	return &file, nil
}

// SyncToStore upserts DCA plans and trailing stops from config into the
// database. Progress counters of existing rows are preserved.
func SyncToStore(ctx context.Context, store *db.Store, file *StrategyFile) error {
	existing := map[string]db.DCARow{}
	for _, status := range []string{StatusActive, StatusPaused} {
		rows, err := store.ListDCA(ctx, status)
		if err != nil {
			return err
		}
		for _, r := range rows {
			existing[r.ID] = r
		}
	}

	for _, cfg := range file.DCA {
		interval, err := time.ParseDuration(cfg.Interval)
		if err != nil {
			return fmt.Errorf("scheduler: dca %s interval: %w", cfg.ID, err)
		}
		row := db.DCARow{
			ID:            cfg.ID,
			Owner:         cfg.Owner,
			Instrument:    cfg.Instrument,
			Side:          cfg.Side,
			Amount:        cfg.Amount,
			RiskAdjusted:  cfg.RiskAdjusted,
			Interval:      interval,
			MaxExecutions: cfg.MaxExecutions,
			MaxDeployed:   cfg.MaxDeployed,
			Status:        StatusActive,
		}
		if cfg.EndAt != "" {
			end, err := time.Parse(time.RFC3339, cfg.EndAt)
			if err != nil {
				return fmt.Errorf("scheduler: dca %s end_at: %w", cfg.ID, err)
			}
			row.EndAt = end
		}
		if prev, ok := existing[cfg.ID]; ok {
			row.Executions = prev.Executions
			row.Deployed = prev.Deployed
			row.NextRunAt = prev.NextRunAt
			row.Status = prev.Status
		}
		if err := store.UpsertDCA(ctx, row); err != nil {
			return err
		}
	}

	armed, err := store.ListTrailingStops(ctx, StatusArmed)
	if err != nil {
		return err
	}
	known := map[string]db.TrailingStopRow{}
	for _, s := range armed {
		known[s.ID] = s
	}

	for _, cfg := range file.TrailingStops {
		row := db.TrailingStopRow{
			ID:              cfg.ID,
			Owner:           cfg.Owner,
			Instrument:      cfg.Instrument,
			Side:            cfg.Side,
			Qty:             cfg.Qty,
			TrailPct:        cfg.TrailPct,
			ActivationPrice: cfg.ActivationPrice,
			Status:          StatusArmed,
		}
		if prev, ok := known[cfg.ID]; ok {
			row.WaterMark = prev.WaterMark
		}
		if err := store.UpsertTrailingStop(ctx, row); err != nil {
			return err
		}
	}
	return nil
}
