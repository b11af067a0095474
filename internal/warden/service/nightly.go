package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openseats/warden/internal/warden/proxy"
	"github.com/openseats/warden/internal/warden/store"
	"github.com/openseats/warden/internal/warden/upstream"
	"github.com/openseats/warden/pkg/batch"
	"github.com/openseats/warden/pkg/idx"
	"github.com/openseats/warden/pkg/slogx"
)

// NightlyConfig tunes the daily reconciliation pass.
type NightlyConfig struct {
	// Hour and Minute set the daily wall-clock trigger.
	Hour   int
	Minute int
	// Concurrency bounds parallel account processing, clamped to [1,10].
	Concurrency int
	// LockTTL must comfortably exceed one account's worst-case sync.
	LockTTL time.Duration
	// RunOnStart fires one pass immediately when the scheduler starts.
	RunOnStart bool
}

func (c NightlyConfig) withDefaults() NightlyConfig {
	if c.Hour < 0 || c.Hour > 23 {
		c.Hour = 3
	}
	if c.Minute < 0 || c.Minute > 59 {
		c.Minute = 0
	}
	if c.Concurrency < 1 {
		c.Concurrency = 3
	}
	if c.Concurrency > 10 {
		c.Concurrency = 10
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Minute
	}
	return c
}

// SyncFailure identifies one account that could not be reconciled.
type SyncFailure struct {
	AccountID int64
	Stage     string
	Err       error
}

// Summary is the monitoring shape for one reconciliation run. LockSkipped
// accounts were held by another worker and are neither reconciled nor
// failed.
type Summary struct {
	Skipped bool

	StartedAt   time.Time
	FinishedAt  time.Time
	Total       int
	Success     int
	Failed      int
	LockSkipped int
	Failures    []SyncFailure
	ElapsedMs   int64
}

// syncResult carries one account's outcome through the batch runner.
type syncResult struct {
	lockSkipped bool
	failure     SyncFailure
}

// Nightly re-syncs membership and invite counts for every open account
// once a day and records each account's health verdict.
type Nightly struct {
	cfg      NightlyConfig
	store    store.Store
	sync     *SyncService
	recorder *Recorder
	logger   *slog.Logger

	cron     *cron.Cron
	inFlight atomic.Bool
}

// NewNightly wires the reconciliation scheduler.
func NewNightly(cfg NightlyConfig, st store.Store, sync *SyncService, recorder *Recorder, logger *slog.Logger) *Nightly {
	if logger == nil {
		logger = slog.Default()
	}
	return &Nightly{
		cfg:      cfg.withDefaults(),
		store:    st,
		sync:     sync,
		recorder: recorder,
		logger:   logger,
	}
}

// Start registers the daily trigger and begins firing.
func (n *Nightly) Start() error {
	n.cron = cron.New()
	spec := fmt.Sprintf("%d %d * * *", n.cfg.Minute, n.cfg.Hour)
	if _, err := n.cron.AddFunc(spec, func() {
		n.Run(context.Background())
	}); err != nil {
		return fmt.Errorf("register nightly schedule %q: %w", spec, err)
	}
	n.cron.Start()
	n.logger.Info("nightly scheduler started", "spec", spec)

	if n.cfg.RunOnStart {
		go n.Run(context.Background())
	}
	return nil
}

// Stop halts the trigger without cancelling an active run.
func (n *Nightly) Stop() {
	if n.cron != nil {
		<-n.cron.Stop().Done()
	}
}

// Run executes one reconciliation pass over every open, non-banned account.
// An overlapping trigger is skipped.
func (n *Nightly) Run(ctx context.Context) Summary {
	if !n.inFlight.CompareAndSwap(false, true) {
		n.logger.Warn("nightly trigger skipped, previous run still active")
		return Summary{Skipped: true}
	}
	defer n.inFlight.Store(false)

	ctx = slogx.WithRunID(slogx.WithContext(ctx, n.logger), idx.New().String())
	log := slogx.FromContext(ctx)

	summary := Summary{StartedAt: time.Now()}

	ids, err := n.store.Accounts().ListOpenAccountIDs(ctx)
	if err != nil {
		log.Error("nightly worklist enumeration failed", "error", err)
		summary.FinishedAt = time.Now()
		return summary
	}
	summary.Total = len(ids)
	log.Info("nightly reconciliation started", "accounts", len(ids), "concurrency", n.cfg.Concurrency)

	results := batch.Run(ctx, ids, n.cfg.Concurrency, func(ctx context.Context, id int64) (syncResult, error) {
		return n.syncOne(ctx, id)
	})

	for _, res := range results {
		if res.Err == nil {
			if res.Out.lockSkipped {
				summary.LockSkipped++
			} else {
				summary.Success++
			}
			continue
		}
		summary.Failed++
		failure := res.Out.failure
		if failure.AccountID == 0 {
			failure = SyncFailure{AccountID: res.Item, Err: res.Err}
		}
		summary.Failures = append(summary.Failures, failure)
	}

	summary.FinishedAt = time.Now()
	summary.ElapsedMs = summary.FinishedAt.Sub(summary.StartedAt).Milliseconds()

	log.Info("nightly reconciliation finished",
		"total", summary.Total,
		"success", summary.Success,
		"failed", summary.Failed,
		"lock_skipped", summary.LockSkipped,
		"elapsed_ms", summary.ElapsedMs,
	)
	return summary
}

// syncOne reconciles one account under its lock: user count first, then
// invite count, each retried on transient provider failures, then the
// health verdict.
func (n *Nightly) syncOne(ctx context.Context, accountID int64) (syncResult, error) {
	key := fmt.Sprintf("account:%d", accountID)
	holder := idx.New().String()

	acquired, err := n.store.Locks().Acquire(ctx, key, holder, n.cfg.LockTTL)
	if err != nil {
		return syncResult{failure: SyncFailure{AccountID: accountID, Stage: "lock", Err: err}}, err
	}
	if !acquired {
		n.logger.Info("account locked by another worker, skipping", "account_id", accountID)
		return syncResult{lockSkipped: true}, nil
	}
	defer func() {
		if err := n.store.Locks().Release(ctx, key, holder); err != nil {
			n.logger.Error("lock release failed", "key", key, "error", err)
		}
	}()

	policy := batch.Policy{Attempts: 3, BaseDelay: 400 * time.Millisecond}

	stage := "user_count"
	_, err = batch.Do(ctx, policy, upstream.IsRetriable, func(ctx context.Context) (int, error) {
		return n.sync.SyncUserCount(ctx, accountID, proxy.Auto)
	})
	if err == nil {
		stage = "invite_count"
		_, err = batch.Do(ctx, policy, upstream.IsRetriable, func(ctx context.Context) (int, error) {
			return n.sync.SyncInviteCount(ctx, accountID, proxy.Auto)
		})
	}

	if healthErr := n.sync.markHealth(ctx, accountID, err); healthErr != nil {
		n.logger.Error("health verdict write failed", "account_id", accountID, "error", healthErr)
	}

	if err != nil {
		n.recorder.Record(ctx, Failure{
			AccountID: accountID,
			Type:      "nightly_sync_failure",
			Source:    "nightly",
			Stage:     stage,
			Err:       err,
		})
		return syncResult{failure: SyncFailure{AccountID: accountID, Stage: stage, Err: err}}, err
	}
	return syncResult{}, nil
}
