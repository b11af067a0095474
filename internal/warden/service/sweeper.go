package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openseats/warden/internal/warden/domain"
	"github.com/openseats/warden/internal/warden/proxy"
	"github.com/openseats/warden/internal/warden/store"
	"github.com/openseats/warden/pkg/batch"
	"github.com/openseats/warden/pkg/idx"
	"github.com/openseats/warden/pkg/mailx"
	"github.com/openseats/warden/pkg/slogx"
)

// SweeperConfig tunes the periodic capacity sweep.
type SweeperConfig struct {
	// IntervalHours aligns runs to hour boundaries: 0 */N * * *.
	IntervalHours int
	// WindowDays restricts the worklist to accounts created within the
	// trailing window; 0 scans every open account.
	WindowDays int
	// Concurrency bounds parallel account processing.
	Concurrency int
	// LockTTL must comfortably exceed one account's worst-case sweep.
	LockTTL time.Duration
	// ReportTo receives the sweep report mail; empty disables reporting.
	ReportTo []string
	// RunOnStart fires one sweep immediately when the scheduler starts.
	RunOnStart bool
}

func (c SweeperConfig) withDefaults() SweeperConfig {
	if c.IntervalHours < 1 {
		c.IntervalHours = 6
	}
	if c.Concurrency < 1 {
		c.Concurrency = 3
	}
	if c.Concurrency > 10 {
		c.Concurrency = 10
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 10 * time.Minute
	}
	return c
}

// SweepResult is one account's slice of a sweep run.
type SweepResult struct {
	Account     domain.AccountRef
	Outcome     Outcome
	LockSkipped bool
	Err         error
}

// SweepSummary aggregates one sweep run.
type SweepSummary struct {
	Skipped bool

	StartedAt   time.Time
	FinishedAt  time.Time
	Scanned     int
	TotalKicked int
	Results     []SweepResult
}

// Sweeper periodically walks the open-account pool, enforcing the seat
// ceiling per account under a TTL lock, then mails the operator report.
type Sweeper struct {
	cfg      SweeperConfig
	store    store.Store
	capacity *CapacityService
	recorder *Recorder
	mailer   *mailx.Mailer
	logger   *slog.Logger

	cron     *cron.Cron
	inFlight atomic.Bool
}

// NewSweeper wires the sweep scheduler. mailer may be nil to disable the
// report mail.
func NewSweeper(cfg SweeperConfig, st store.Store, capacity *CapacityService, recorder *Recorder, mailer *mailx.Mailer, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		cfg:      cfg.withDefaults(),
		store:    st,
		capacity: capacity,
		recorder: recorder,
		mailer:   mailer,
		logger:   logger,
	}
}

// Start registers the cron trigger and begins firing. The returned error
// only reflects cron-spec registration.
func (s *Sweeper) Start() error {
	s.cron = cron.New()
	spec := fmt.Sprintf("0 */%d * * *", s.cfg.IntervalHours)
	if _, err := s.cron.AddFunc(spec, func() {
		s.Run(context.Background())
	}); err != nil {
		return fmt.Errorf("register sweep schedule %q: %w", spec, err)
	}
	s.cron.Start()
	s.logger.Info("sweep scheduler started", "spec", spec, "window_days", s.cfg.WindowDays)

	if s.cfg.RunOnStart {
		go s.Run(context.Background())
	}
	return nil
}

// Stop halts the trigger. An active run is never cancelled; the returned
// context from cron is awaited so in-cron work finishes.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Run executes one sweep. A trigger arriving while a run is active is
// skipped, never queued.
func (s *Sweeper) Run(ctx context.Context) SweepSummary {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.logger.Warn("sweep trigger skipped, previous run still active")
		return SweepSummary{Skipped: true}
	}
	defer s.inFlight.Store(false)

	// Tag every log line in this run, per-account work included, with one
	// run id so interleaved worker output stays attributable.
	ctx = slogx.WithRunID(slogx.WithContext(ctx, s.logger), idx.New().String())
	log := slogx.FromContext(ctx)

	summary := SweepSummary{StartedAt: time.Now()}

	refs, err := s.store.Accounts().ListOpenAccounts(ctx, s.cfg.WindowDays)
	if err != nil {
		log.Error("sweep worklist enumeration failed", "error", err)
		summary.FinishedAt = time.Now()
		return summary
	}
	summary.Scanned = len(refs)
	log.Info("sweep started", "accounts", len(refs), "concurrency", s.cfg.Concurrency)

	results := batch.Run(ctx, refs, s.cfg.Concurrency, func(ctx context.Context, ref domain.AccountRef) (SweepResult, error) {
		return s.sweepOne(ctx, ref), nil
	})

	for _, res := range results {
		sr := res.Out
		if res.Err != nil {
			// Runner-level failure (panic isolation); attribute it like any
			// other account failure.
			sr = SweepResult{Account: res.Item, Err: res.Err}
			s.recorder.Record(ctx, Failure{
				AccountID:   res.Item.ID,
				AccountName: res.Item.EmailPrefix(),
				Type:        "sweeper_failure",
				Source:      "sweeper",
				Err:         res.Err,
			})
		}
		summary.TotalKicked += sr.Outcome.Kicked
		summary.Results = append(summary.Results, sr)
	}
	summary.FinishedAt = time.Now()

	log.Info("sweep finished",
		"accounts", summary.Scanned,
		"kicked", summary.TotalKicked,
		"elapsed_ms", summary.FinishedAt.Sub(summary.StartedAt).Milliseconds(),
	)

	s.sendReport(ctx, summary)
	return summary
}

func (s *Sweeper) sweepOne(ctx context.Context, ref domain.AccountRef) SweepResult {
	log := slogx.FromContext(ctx)
	result := SweepResult{Account: ref}

	key := fmt.Sprintf("acct:%d", ref.ID)
	holder := idx.New().String()

	acquired, err := s.store.Locks().Acquire(ctx, key, holder, s.cfg.LockTTL)
	if err != nil {
		result.Err = fmt.Errorf("acquire lock: %w", err)
		s.record(ctx, ref, "lock", result.Err)
		return result
	}
	if !acquired {
		result.LockSkipped = true
		log.Info("account locked by another worker, skipping", "account_id", ref.ID)
		return result
	}
	defer func() {
		if err := s.store.Locks().Release(ctx, key, holder); err != nil {
			log.Error("lock release failed", "key", key, "error", err)
		}
	}()

	outcome, err := s.capacity.Enforce(ctx, ref.ID, proxy.Auto)
	result.Outcome = outcome
	switch {
	case err != nil:
		result.Err = err
		s.record(ctx, ref, "enforce", err)
	case outcome.Reason == ReasonPassLimit:
		// Not a run failure, but permanent overcapacity must not stay
		// silent: surface it through the exception history.
		s.record(ctx, ref, ReasonPassLimit,
			fmt.Errorf("still %d over the seat ceiling after %d eviction passes",
				outcome.Joined-domain.SeatLimit, maxEvictionPasses))
	}
	return result
}

func (s *Sweeper) record(ctx context.Context, ref domain.AccountRef, stage string, err error) {
	s.recorder.Record(ctx, Failure{
		AccountID:   ref.ID,
		AccountName: ref.EmailPrefix(),
		Type:        "sweeper_failure",
		Source:      "sweeper",
		Stage:       stage,
		Err:         err,
	})
}

// sendReport mails the run summary. Delivery failure is logged, never
// escalated: the sweep already happened.
func (s *Sweeper) sendReport(ctx context.Context, summary SweepSummary) {
	if s.mailer == nil || len(s.cfg.ReportTo) == 0 {
		return
	}

	report := mailx.SweepReport{
		StartedAt:   summary.StartedAt,
		FinishedAt:  summary.FinishedAt,
		WindowDays:  s.cfg.WindowDays,
		Scanned:     summary.Scanned,
		TotalKicked: summary.TotalKicked,
	}

	for _, res := range summary.Results {
		row := mailx.SweepRow{
			EmailPrefix: res.Account.EmailPrefix(),
			Before:      res.Outcome.BeforeJoined,
			After:       res.Outcome.Joined,
			Kicked:      res.Outcome.Kicked,
			Status:      "ok",
		}
		switch {
		case res.LockSkipped:
			row.Status = "locked"
		case res.Err != nil:
			row.Status = "failed"
			report.Failures = append(report.Failures,
				fmt.Sprintf("%s: %v", res.Account.EmailPrefix(), res.Err))
		case res.Outcome.Reason != "":
			row.Status = res.Outcome.Reason
		}
		for _, d := range res.Outcome.KickedUsers {
			row.Detail = append(row.Detail, "kicked "+d.Email)
		}
		for _, d := range res.Outcome.SkippedUsers {
			row.Detail = append(row.Detail, "skipped "+d.Email)
		}
		for _, d := range res.Outcome.FailedUsers {
			row.Detail = append(row.Detail, "failed "+d.Email)
		}
		report.Rows = append(report.Rows, row)
	}

	msg := mailx.Message{
		To:      s.cfg.ReportTo,
		Subject: report.Subject(),
		HTML:    report.HTML(),
	}
	if err := s.mailer.Send(ctx, msg); err != nil {
		s.logger.Error("sweep report delivery failed", "error", err)
	}
}
