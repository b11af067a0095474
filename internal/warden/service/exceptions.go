package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/openseats/warden/internal/warden/domain"
	"github.com/openseats/warden/internal/warden/store"
	"github.com/openseats/warden/internal/warden/upstream"
)

// Recorder routes run failures into the exception history: one live row per
// account, or the unstructured parse-failure queue when the failure cannot
// be attributed to an account.
type Recorder struct {
	store  store.Store
	logger *slog.Logger
}

// NewRecorder wires the exception recorder.
func NewRecorder(st store.Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: st, logger: logger}
}

// Failure is one attributable or unattributable run failure.
type Failure struct {
	AccountID   int64
	AccountName string

	// Type classifies the failing workflow (sweeper_failure,
	// nightly_sync_failure).
	Type string
	// Source names the component that observed the failure.
	Source string
	// Stage optionally names the step inside the workflow that failed,
	// used for the code when the error carries no HTTP status.
	Stage string

	Err error
}

// code derives the machine-readable exception code: the upstream HTTP
// status when one exists, else the failing stage, else unknown.
func (f Failure) code() string {
	if status := upstream.StatusOf(f.Err); status > 0 {
		return fmt.Sprintf("http_%d", status)
	}
	if f.Stage != "" {
		return "stage_" + f.Stage
	}
	return "unknown"
}

// Record persists one failure. Recording never returns an error to the
// caller's workflow; a recorder that cannot write logs and moves on.
func (r *Recorder) Record(ctx context.Context, f Failure) {
	message := ""
	if f.Err != nil {
		message = f.Err.Error()
	}

	if f.AccountID <= 0 {
		r.enqueueParseFailure(ctx, f, message)
		return
	}

	rec := domain.ExceptionRecord{
		AccountID:   f.AccountID,
		AccountName: f.AccountName,
		Type:        f.Type,
		Code:        f.code(),
		Message:     message,
		Source:      f.Source,
		Status:      domain.ExceptionActive,
	}
	if err := r.store.Exceptions().Upsert(ctx, rec); err != nil {
		r.logger.Error("failed to record exception",
			"account_id", f.AccountID, "code", rec.Code, "error", err)
	}
}

func (r *Recorder) enqueueParseFailure(ctx context.Context, f Failure, message string) {
	payload, err := json.Marshal(map[string]any{
		"account_id":   f.AccountID,
		"account_name": f.AccountName,
		"type":         f.Type,
		"stage":        f.Stage,
		"message":      message,
	})
	if err != nil {
		payload = []byte(message)
	}

	pf := domain.ParseFailure{
		Source:     f.Source,
		Reason:     "missing_account_id",
		RawPayload: string(payload),
	}
	if err := r.store.Exceptions().EnqueueParseFailure(ctx, pf); err != nil {
		r.logger.Error("failed to enqueue parse failure",
			"source", f.Source, "error", err)
	}
}
