package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianhq/relay/internal/metrics"
	"github.com/meridianhq/relay/internal/pkg/logger"
	"github.com/meridianhq/relay/msg"
)

// Ticker is anything with a Tick method; the Coordinator is the usual
// implementation.
type Ticker interface {
	Tick(ctx context.Context) error
}

// PollerConfig tunes one polling loop.
type PollerConfig struct {
	// Name labels the loop in logs and metrics.
	Name string

	// Interval is the tick cadence, driven by the runtime's monotonic
	// clock so wall-clock jumps do not alter it. Default 250ms.
	Interval time.Duration

	// Gate, when set, blocks the first tick until it returns. Hosts use
	// it to hold dispatch until schema deployment has completed.
	Gate func(ctx context.Context) error

	// ErrorBackoff schedules extra delay after consecutive failing
	// ticks. Default msg.DefaultBackoff.
	ErrorBackoff msg.BackoffFunc
}

// Poller drives a Ticker on a fixed cadence. Tick errors are logged
// (deduplicated) and the loop continues with backoff; cancellation exits
// cleanly.
type Poller struct {
	ticker Ticker
	cfg    PollerConfig
	log    zerolog.Logger
}

func NewPoller(ticker Ticker, cfg PollerConfig) *Poller {
	if cfg.Name == "" {
		cfg.Name = "poller"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if cfg.ErrorBackoff == nil {
		cfg.ErrorBackoff = msg.DefaultBackoff
	}
	return &Poller{
		ticker: ticker,
		cfg:    cfg,
		log:    logger.Logger.With().Str("component", "poller").Str("loop", cfg.Name).Logger(),
	}
}

// Run blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	if p.cfg.Gate != nil {
		if err := p.cfg.Gate(ctx); err != nil {
			p.log.Error().Err(err).Msg("readiness gate failed; loop not started")
			return err
		}
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	var (
		failures    int
		nextAllowed time.Time
		lastErr     string
		lastErrAt   time.Time
	)

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("stopped")
			return nil
		case <-ticker.C:
			if failures > 0 && time.Now().Before(nextAllowed) {
				continue
			}

			if err := p.ticker.Tick(ctx); err != nil {
				if ctx.Err() != nil {
					p.log.Info().Msg("stopped")
					return nil
				}
				metrics.RecordPollTick(p.cfg.Name, "error")
				failures++
				nextAllowed = time.Now().Add(p.cfg.ErrorBackoff(failures))
				if err.Error() != lastErr || time.Since(lastErrAt) > 10*time.Second {
					p.log.Warn().Err(err).Int("consecutive", failures).Msg("tick failed")
					lastErr = err.Error()
					lastErrAt = time.Now()
				}
			} else {
				metrics.RecordPollTick(p.cfg.Name, "ok")
				failures = 0
				lastErr = ""
			}
		}
	}
}
