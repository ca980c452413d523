package config

import (
	"fmt"
	"strings"

	"github.com/updown15m/engine/internal/domain"
)

// Validate checks high-impact runtime configuration constraints, fail-fast at
// construction time per 4.G.
func (c Config) Validate() error {
	mode := strings.ToLower(strings.TrimSpace(c.LogLevel))
	if mode != "" && mode != "debug" && mode != "info" && mode != "warn" && mode != "error" {
		return fmt.Errorf("log_level must be one of debug/info/warn/error, got %q", c.LogLevel)
	}

	if err := c.Engine.Validate(); err != nil {
		return err
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Feed.Validate(); err != nil {
		return err
	}
	return nil
}

// Validate checks the engine gate configuration per 4.G.
func (c EngineConfig) Validate() error {
	if c.PositionSizeUSD <= 0 {
		return fmt.Errorf("engine.position_size_usd must be > 0, got %f", c.PositionSizeUSD)
	}
	if !(c.NoThreshold > 0 && c.NoThreshold < c.YesThreshold && c.YesThreshold < 1) {
		return fmt.Errorf("engine thresholds must satisfy 0 < no_threshold < yes_threshold < 1, got no=%f yes=%f", c.NoThreshold, c.YesThreshold)
	}
	if !(c.EntryPriceCap > 0 && c.EntryPriceCap <= 1) {
		return fmt.Errorf("engine.entry_price_cap must be within (0,1], got %f", c.EntryPriceCap)
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("engine.symbols must not be empty")
	}
	for _, sym := range c.Symbols {
		if !domain.KnownAsset(sym) {
			return fmt.Errorf("engine.symbols: unknown asset %q", sym)
		}
		if _, ok := c.ThresholdBps[sym]; !ok {
			return fmt.Errorf("engine.threshold_bps missing entry for symbol %q", sym)
		}
	}
	for _, m := range c.StateMinutes {
		if m < 0 || m > 14 {
			return fmt.Errorf("engine.state_minutes entries must be within [0,14], got %d", m)
		}
	}
	if c.HorizonMinutes != 15 {
		return fmt.Errorf("engine.horizon_minutes must be 15, got %d", c.HorizonMinutes)
	}
	return nil
}

// Validate checks the persistence store configuration per 4.E.
func (c StoreConfig) Validate() error {
	mode := strings.ToLower(strings.TrimSpace(c.SyncMode))
	if mode != "sync" && mode != "async" {
		return fmt.Errorf("store.sync_mode must be 'sync' or 'async', got %q", c.SyncMode)
	}
	if c.VacuumIntervalHours < 0 {
		return fmt.Errorf("store.vacuum_interval_hours must be >= 0, got %f", c.VacuumIntervalHours)
	}
	return nil
}

// Validate checks the price-feed client configuration per 4.D.
func (c FeedConfig) Validate() error {
	if c.MaxMessagesPerSecond < 0 {
		return fmt.Errorf("feed.max_messages_per_second must be >= 0, got %f", c.MaxMessagesPerSecond)
	}
	if c.MaxBurstMessages < 0 {
		return fmt.Errorf("feed.max_burst_messages must be >= 0, got %d", c.MaxBurstMessages)
	}
	if c.ReconnectDelay < 0 {
		return fmt.Errorf("feed.reconnect_delay must be >= 0, got %s", c.ReconnectDelay)
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("feed.ping_interval must be > 0, got %s", c.PingInterval)
	}
	return nil
}
