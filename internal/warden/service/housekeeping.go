package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/openseats/warden/internal/warden/store"
)

// parseFailureRetention is how long unattributable failure payloads are
// kept before the janitor purges them.
const parseFailureRetention = 30 * 24 * time.Hour

// Housekeeping periodically reaps expired lock rows and stale parse-failure
// payloads. Correctness never depends on it: lock acquisition self-cleans
// and the parse-failure queue is append-only diagnostics. This only bounds
// table growth.
type Housekeeping struct {
	store    store.Store
	logger   *slog.Logger
	interval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHousekeeping builds the janitor. A non-positive interval defaults to
// hourly.
func NewHousekeeping(st store.Store, interval time.Duration, logger *slog.Logger) *Housekeeping {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Housekeeping{
		store:    st,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the background loop. Call Stop to halt it.
func (h *Housekeeping) Start() {
	go h.loop()
}

// Stop signals the loop to exit and waits for the current pass to finish.
func (h *Housekeeping) Stop() {
	close(h.stopCh)
	<-h.doneCh
}

func (h *Housekeeping) loop() {
	defer close(h.doneCh)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.sweep()
		case <-h.stopCh:
			return
		}
	}
}

func (h *Housekeeping) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := h.store.Locks().DeleteExpired(ctx); err != nil {
		h.logger.Error("expired lock reap failed", "error", err)
	}

	cutoff := time.Now().Add(-parseFailureRetention)
	if err := h.store.Exceptions().DeleteParseFailuresBefore(ctx, cutoff); err != nil {
		h.logger.Error("parse failure purge failed", "error", err)
	}
}
