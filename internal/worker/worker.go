// Package worker drives write-back: it drains committed modifications to
// the external system of record, applies confirmed deltas to the mirror,
// retries transient failures with exponential backoff and quarantines
// writes that exhaust their retry budget.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/coreplane/mirrorsync/internal/archive"
	"github.com/coreplane/mirrorsync/internal/conflict"
	"github.com/coreplane/mirrorsync/internal/external"
	"github.com/coreplane/mirrorsync/internal/store"
	"github.com/coreplane/mirrorsync/internal/types"
)

// Config tunes the sync loop.
type Config struct {
	// Interval between scheduled drain passes.
	Interval time.Duration
	// BatchSize caps how many modifications one pass picks up.
	BatchSize int
	// MaxRetries is the number of scheduled retries before a transient
	// failure is dead-lettered.
	MaxRetries int
	// BackoffBase is the delay after the first failure; each subsequent
	// failure doubles it up to BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// RequestsPerSecond throttles calls to the external system across
	// the whole batch. Zero means no throttle.
	RequestsPerSecond float64
	// KeepHistory bounds the baseline snapshots retained per record;
	// pruned after each applied write. Zero keeps everything.
	KeepHistory int
}

// DefaultConfig matches the external system's published rate limits.
func DefaultConfig() Config {
	return Config{
		Interval:          15 * time.Second,
		BatchSize:         100,
		MaxRetries:        3,
		BackoffBase:       5 * time.Second,
		BackoffCap:        5 * time.Minute,
		RequestsPerSecond: 10,
		KeepHistory:       50,
	}
}

// Store defines the persistence operations the worker needs.
type Store interface {
	DueForSync(ctx context.Context, limit int, now time.Time) ([]types.ModificationRecord, error)
	TransitionState(ctx context.Context, modID string, to types.SyncState) (*types.ModificationRecord, error)
	GetMirror(ctx context.Context, mirrorID string) (*types.MirrorRecord, error)
	ApplyDelta(ctx context.Context, mirrorID string, expectVersion int64, delta types.FieldMap) (*types.MirrorRecord, error)
	UpsertMirror(ctx context.Context, orgID, externalID string, data types.FieldMap) (*types.MirrorRecord, error)
	DeleteDraft(ctx context.Context, mirrorID, userID string) error
	RecordFailure(ctx context.Context, modID string, lastError string, retryCount int, nextAttempt time.Time) error
	DeadLetter(ctx context.Context, modID string, lastError string) error
	PruneHistory(ctx context.Context, mirrorID string, keep int) (int64, error)
}

// Client writes one record's changed fields to the external system.
type Client interface {
	UpdateRecord(ctx context.Context, req external.UpdateRequest) (*external.UpdateResult, error)
}

// Detector re-checks a modification against the live mirror just before
// the external write.
type Detector interface {
	Detect(ctx context.Context, mod *types.ModificationRecord) (*conflict.Detection, error)
}

// Publisher fans sync lifecycle events out to observers.
type Publisher interface {
	Publish(ev types.Event)
}

// Worker is the single background drain loop. One instance per process;
// all mirror writes triggered by sync flow through it.
type Worker struct {
	store    Store
	client   Client
	detector Detector
	events   Publisher
	archiver archive.Archiver
	limiter  *rate.Limiter
	cfg      Config
	trigger  chan struct{}
}

// New creates a Worker. events and archiver may be nil.
func New(s Store, c Client, d Detector, events Publisher, archiver archive.Archiver, cfg Config) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if archiver == nil {
		archiver = &archive.NoopArchiver{}
	}
	return &Worker{
		store:    s,
		client:   c,
		detector: d,
		events:   events,
		archiver: archiver,
		limiter:  rate.NewLimiter(limit, 1),
		cfg:      cfg,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests an immediate drain pass. Non-blocking; a pending
// trigger coalesces with later ones.
func (w *Worker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Run drains on every tick and on every trigger until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("sync worker started",
		"component", "worker",
		"interval", w.cfg.Interval.String(),
		"batch_size", w.cfg.BatchSize,
	)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("sync worker stopped", "component", "worker")
			return
		case <-ticker.C:
		case <-w.trigger:
		}
		w.processBatch(ctx, time.Now().UTC())
	}
}

// processBatch picks up every due modification and syncs them in order.
func (w *Worker) processBatch(ctx context.Context, now time.Time) {
	mods, err := w.store.DueForSync(ctx, w.cfg.BatchSize, now)
	if err != nil {
		slog.Error("batch selection failed", "component", "worker", "error", err)
		return
	}

	for i := range mods {
		if ctx.Err() != nil {
			return
		}
		if err := w.processOne(ctx, &mods[i]); err != nil {
			slog.Error("sync attempt failed",
				"component", "worker",
				"modification_id", mods[i].ID,
				"mirror_id", mods[i].MirrorID,
				"error", err,
			)
		}
	}
}

// processOne runs the full attempt for a single modification: claim,
// re-detect, external write, mirror apply.
func (w *Worker) processOne(ctx context.Context, mod *types.ModificationRecord) error {
	mirror, err := w.store.GetMirror(ctx, mod.MirrorID)
	if err != nil {
		return fmt.Errorf("load mirror: %w", err)
	}

	// Normalize committed and retrying rows into the queue, then claim.
	// A lost claim race means another pass owns the row; skip quietly.
	if mod.SyncState == types.StateCommitted || mod.SyncState == types.StateFailed {
		if _, err := w.store.TransitionState(ctx, mod.ID, types.StateQueued); err != nil {
			if errors.Is(err, store.ErrInvalidTransition) {
				return nil
			}
			return err
		}
	}
	if _, err := w.store.TransitionState(ctx, mod.ID, types.StateSyncing); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return nil
		}
		return err
	}

	if err := w.attempt(ctx, mod, mirror); err != nil {
		// Internal failure after the claim. Park the row as failed so the
		// next pass retries it instead of stranding it in syncing.
		next := time.Now().UTC().Add(w.backoff(mod.RetryCount))
		if rerr := w.store.RecordFailure(ctx, mod.ID, err.Error(), mod.RetryCount+1, next); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	return nil
}

// attempt runs the re-detection and external write for a claimed row.
func (w *Worker) attempt(ctx context.Context, mod *types.ModificationRecord, mirror *types.MirrorRecord) error {
	w.publish(types.EventProcessing, mirror, "")

	// The mirror may have moved since commit; never push a contested write.
	det, err := w.detector.Detect(ctx, mod)
	if err != nil {
		return fmt.Errorf("conflict detection: %w", err)
	}
	if det.Kind == conflict.Conflicting {
		if _, err := w.store.TransitionState(ctx, mod.ID, types.StateConflict); err != nil {
			return err
		}
		w.publish(types.EventConflict, mirror, fmt.Sprintf("%d field(s) contested", len(det.Overlapping)))
		slog.Warn("write-back blocked by conflict",
			"component", "worker",
			"modification_id", mod.ID,
			"mirror_id", mod.MirrorID,
			"base_version", det.BaseVersion,
			"current_version", det.CurrentVersion,
		)
		return nil
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}

	result, err := w.client.UpdateRecord(ctx, external.UpdateRequest{
		ExternalID: mirror.ExternalID,
		Fields:     mod.Delta,
		// Stable per attempt so the remote can deduplicate an ambiguous
		// timeout against our retry.
		IdempotencyKey: fmt.Sprintf("%s-%d", mod.ID, mod.RetryCount),
	})
	if err != nil {
		return w.handleFailure(ctx, mod, mirror, err)
	}

	return w.handleSuccess(ctx, mod, mirror, det, result)
}

// handleSuccess folds the confirmed write into the mirror and retires the
// modification.
func (w *Worker) handleSuccess(ctx context.Context, mod *types.ModificationRecord, mirror *types.MirrorRecord, det *conflict.Detection, result *external.UpdateResult) error {
	if len(result.Baseline) > 0 {
		// The remote returned its fresh post-write state; adopt it
		// wholesale rather than replaying our delta.
		if _, err := w.store.UpsertMirror(ctx, mirror.OrganizationID, mirror.ExternalID, result.Baseline); err != nil {
			return fmt.Errorf("adopt remote baseline: %w", err)
		}
	} else {
		_, err := w.store.ApplyDelta(ctx, mod.MirrorID, det.CurrentVersion, mod.Delta)
		if errors.Is(err, store.ErrVersionConflict) {
			// A re-sync slipped in between detection and apply. The
			// external write landed, so adopt the merged state instead.
			current, gerr := w.store.GetMirror(ctx, mod.MirrorID)
			if gerr != nil {
				return gerr
			}
			if _, err := w.store.ApplyDelta(ctx, mod.MirrorID, current.Version, mod.Delta); err != nil {
				return fmt.Errorf("apply delta after re-sync race: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("apply delta: %w", err)
		}
	}

	if w.cfg.KeepHistory > 0 {
		if _, err := w.store.PruneHistory(ctx, mod.MirrorID, w.cfg.KeepHistory); err != nil {
			slog.Warn("history prune failed",
				"component", "worker",
				"mirror_id", mod.MirrorID,
				"error", err,
			)
		}
	}

	if _, err := w.store.TransitionState(ctx, mod.ID, types.StateSynced); err != nil {
		return err
	}
	// Synced rows are retired; the merged view falls back to the baseline,
	// which now contains the write.
	if err := w.store.DeleteDraft(ctx, mod.MirrorID, mod.UserID); err != nil {
		return err
	}

	w.publish(types.EventSuccess, mirror, "")
	slog.Info("write-back synced",
		"component", "worker",
		"modification_id", mod.ID,
		"mirror_id", mod.MirrorID,
		"retry_count", mod.RetryCount,
	)
	return nil
}

// handleFailure schedules a retry for transient errors and dead-letters
// permanent rejections and exhausted retry budgets.
func (w *Worker) handleFailure(ctx context.Context, mod *types.ModificationRecord, mirror *types.MirrorRecord, callErr error) error {
	if !external.IsTransient(callErr) {
		slog.Error("write-back rejected, dead-lettered",
			"component", "worker",
			"modification_id", mod.ID,
			"mirror_id", mod.MirrorID,
			"error", callErr,
		)
		return w.deadLetter(ctx, mod, mirror, callErr)
	}

	next := mod.RetryCount + 1
	if next > w.cfg.MaxRetries {
		slog.Error("retry budget exhausted, dead-lettered",
			"component", "worker",
			"modification_id", mod.ID,
			"mirror_id", mod.MirrorID,
			"retry_count", mod.RetryCount,
			"error", callErr,
		)
		return w.deadLetter(ctx, mod, mirror, callErr)
	}

	delay := w.backoff(mod.RetryCount)
	if err := w.store.RecordFailure(ctx, mod.ID, callErr.Error(), next, time.Now().UTC().Add(delay)); err != nil {
		return err
	}
	w.publish(types.EventFailed, mirror, callErr.Error())
	slog.Warn("write-back failed, retry scheduled",
		"component", "worker",
		"modification_id", mod.ID,
		"mirror_id", mod.MirrorID,
		"retry_count", next,
		"retry_in", delay.String(),
		"error", callErr,
	)
	return nil
}

// deadLetter quarantines the modification, archives a copy out of band
// and announces the failure. An archive error is logged, not fatal; the
// database row remains the source of truth for operator requeue.
func (w *Worker) deadLetter(ctx context.Context, mod *types.ModificationRecord, mirror *types.MirrorRecord, callErr error) error {
	if err := w.store.DeadLetter(ctx, mod.ID, callErr.Error()); err != nil {
		return err
	}

	archived := *mod
	archived.SyncState = types.StateDeadLettered
	archived.LastError = callErr.Error()
	if err := w.archiver.Archive(ctx, archive.Record{
		Modification:   archived,
		OrganizationID: mirror.OrganizationID,
		ExternalID:     mirror.ExternalID,
		MirrorVersion:  mirror.Version,
	}); err != nil {
		slog.Error("dead-letter archive failed",
			"component", "worker",
			"modification_id", mod.ID,
			"error", err,
		)
	}

	w.publish(types.EventFailed, mirror, callErr.Error())
	return nil
}

// backoff returns BackoffBase doubled per prior failure, capped.
func (w *Worker) backoff(retryCount int) time.Duration {
	d := w.cfg.BackoffBase
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= w.cfg.BackoffCap {
			return w.cfg.BackoffCap
		}
	}
	return d
}

func (w *Worker) publish(typ types.EventType, mirror *types.MirrorRecord, detail string) {
	if w.events == nil {
		return
	}
	w.events.Publish(types.Event{
		Type:           typ,
		RecordID:       mirror.ID,
		OrganizationID: mirror.OrganizationID,
		Timestamp:      time.Now().UTC(),
		Detail:         detail,
	})
}
