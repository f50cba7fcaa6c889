package deploy

import (
	"context"
	"log/slog"
	"time"
)

const DefaultInterval = 1800 * time.Second

// Refresher runs a single refresh cycle. *Engine implements it.
type Refresher interface {
	RefreshIfNeeded(ctx context.Context, urlOverride string, force bool) (bool, error)
}

// Poller runs a Refresher immediately and then once per interval. The wait
// starts after a cycle finishes, so slow cycles push later ones back.
type Poller struct {
	refresher Refresher
	interval  time.Duration
	force     bool
}

func NewPoller(r Refresher, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{refresher: r, interval: interval}
}

// ForceNext makes the next cycle download regardless of the markers. The
// request stays in effect until a cycle succeeds.
func (p *Poller) ForceNext() {
	p.force = true
}

// Run polls until ctx is cancelled. A failed cycle is logged and the loop
// carries on with the next interval.
func (p *Poller) Run(ctx context.Context) {
	slog.Info("Starting poller", "interval", p.interval)

	for {
		if ctx.Err() != nil {
			return
		}
		p.RunOnce(ctx)

		select {
		case <-ctx.Done():
			slog.Info("Poller stopped")
			return
		case <-time.After(p.interval):
		}
	}
}

// RunOnce runs a single cycle and logs its outcome.
func (p *Poller) RunOnce(ctx context.Context) (bool, error) {
	updated, err := p.refresher.RefreshIfNeeded(ctx, "", p.force)
	if err != nil {
		if ctx.Err() != nil {
			slog.Info("Refresh interrupted", "error", err)
			return false, err
		}
		slog.Error("Refresh failed", "error", err)
		return false, err
	}
	p.force = false

	if updated {
		slog.Info("Content updated")
	} else {
		slog.Debug("Content up to date")
	}
	return updated, nil
}
