package connector

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultWatchdogInterval = 15 * time.Second
	// healthCheckEvery is the number of ticks between auth.test probes,
	// roughly every two minutes at the default interval.
	healthCheckEvery   = 8
	healthCheckTimeout = 10 * time.Second
)

// connection is the slice of Client the watchdog drives.
type connection interface {
	Ping(ctx context.Context) error
	Reconnect(ctx context.Context) error
}

// Watchdog recovers the Socket Mode connection after an OS suspend.
// Suspend stops the monotonic clock while the wall clock keeps going, so
// a gap between the two means the machine slept and the websocket is
// likely dead even though it still looks open.
type Watchdog struct {
	conn     connection
	interval time.Duration
	logger   *slog.Logger
}

// NewWatchdog creates a watchdog. A non-positive interval selects the
// default of 15 seconds.
func NewWatchdog(conn connection, interval time.Duration, logger *slog.Logger) *Watchdog {
	if interval <= 0 {
		interval = defaultWatchdogInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		conn:     conn,
		interval: interval,
		logger:   logger.With("component", "watchdog"),
	}
}

// Run blocks until the context is cancelled, reconnecting whenever a time
// jump or a failed health check is observed. Reconnect failures are logged
// and retried on the next trigger.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	lastMono := time.Now()
	lastWall := time.Now().Round(0)
	ticks := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		elapsedMono := time.Since(lastMono)
		elapsedWall := time.Now().Round(0).Sub(lastWall)

		if resumedFromSuspend(elapsedWall, elapsedMono, w.interval) {
			w.logger.Warn("Wall clock jumped past monotonic time, forcing reconnect",
				"jump", (elapsedWall - elapsedMono).Round(time.Second))
			if err := w.conn.Reconnect(ctx); err != nil {
				w.logger.Error("Reconnect failed after time jump", "error", err)
			}
		}

		ticks++
		if ticks >= healthCheckEvery {
			ticks = 0
			pingCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			err := w.conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				w.logger.Warn("Health check failed, forcing reconnect", "error", err)
				if err := w.conn.Reconnect(ctx); err != nil {
					w.logger.Error("Reconnect failed after health check", "error", err)
				}
			}
		}

		lastMono = time.Now()
		lastWall = time.Now().Round(0)
	}
}

// resumedFromSuspend reports whether the wall clock advanced more than one
// interval beyond what the monotonic clock saw since the last tick.
func resumedFromSuspend(elapsedWall, elapsedMono, interval time.Duration) bool {
	return elapsedWall > elapsedMono+interval
}
