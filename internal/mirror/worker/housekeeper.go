package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/treesync/treesync/internal/mirror/db"
)

// HousekeeperConfig holds configuration for a Housekeeper.
type HousekeeperConfig struct {
	// Interval between passes. Default: 1 minute.
	Interval time.Duration

	// StaleAfter returns Processing entries claimed longer ago than this to
	// Pending. 0 disables the reset.
	StaleAfter time.Duration

	// MaxAttempts retries Failed entries that have been claimed fewer times
	// than this. 0 disables retries.
	MaxAttempts int

	// Retention purges Completed entries older than this. 0 disables purging.
	Retention time.Duration

	// Logger for housekeeping activity. Default: stderr with "[queue] " prefix.
	Logger *log.Logger
}

// DefaultHousekeeperConfig returns sensible defaults.
func DefaultHousekeeperConfig() HousekeeperConfig {
	return HousekeeperConfig{
		Interval:    time.Minute,
		StaleAfter:  10 * time.Minute,
		MaxAttempts: 3,
		Retention:   24 * time.Hour,
	}
}

// HousekeepingResult counts what one pass changed.
type HousekeepingResult struct {
	Reset   int `json:"reset"`
	Retried int `json:"retried"`
	Purged  int `json:"purged"`
}

// Housekeeper periodically maintains the index queue.
type Housekeeper struct {
	db     *db.DB
	config HousekeeperConfig
}

// NewHousekeeper creates a Housekeeper.
func NewHousekeeper(database *db.DB, cfg HousekeeperConfig) *Housekeeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Housekeeper{db: database, config: cfg}
}

// Run performs a pass immediately and then every Interval until ctx is
// cancelled. Errors are logged and do not stop the loop.
func (h *Housekeeper) Run(ctx context.Context) {
	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	for {
		res, err := h.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			h.config.Logger.Printf("Housekeeping failed: %v", err)
		} else if res.Reset+res.Retried+res.Purged > 0 {
			h.config.Logger.Printf("Housekeeping: reset %d stale, retried %d failed, purged %d completed",
				res.Reset, res.Retried, res.Purged)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one housekeeping pass.
func (h *Housekeeper) RunOnce(ctx context.Context) (HousekeepingResult, error) {
	var res HousekeepingResult
	var err error

	if h.config.StaleAfter > 0 {
		if res.Reset, err = h.db.ResetStale(ctx, h.config.StaleAfter); err != nil {
			return res, fmt.Errorf("reset stale: %w", err)
		}
	}
	if h.config.MaxAttempts > 0 {
		if res.Retried, err = h.db.RetryFailed(ctx, nil, h.config.MaxAttempts); err != nil {
			return res, fmt.Errorf("retry failed: %w", err)
		}
	}
	if h.config.Retention > 0 {
		if res.Purged, err = h.db.PurgeCompleted(ctx, h.config.Retention); err != nil {
			return res, fmt.Errorf("purge completed: %w", err)
		}
	}
	return res, nil
}
