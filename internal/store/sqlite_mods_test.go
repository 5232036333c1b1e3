package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coreplane/mirrorsync/internal/types"
)

func seedMirror(t *testing.T, s *SQLiteStore, data types.FieldMap) *types.MirrorRecord {
	t.Helper()
	rec, err := s.UpsertMirror(context.Background(), "org-1", "ext-100", data)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestUpsertDraft_CreatesWithCurrentBaseVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := seedMirror(t, s, types.FieldMap{"forecastStart": "2025-01-01"})

	mod, err := s.UpsertDraft(ctx, rec.ID, "user-a", "sess-1", types.FieldMap{"forecastStart": "2025-02-01"})
	if err != nil {
		t.Fatal(err)
	}

	if mod.BaseVersion != rec.Version {
		t.Errorf("expected base version %d, got %d", rec.Version, mod.BaseVersion)
	}
	if mod.SyncState != types.StateDraft {
		t.Errorf("expected draft state, got %s", mod.SyncState)
	}
}

func TestUpsertDraft_SecondSaveOverlaysWithoutRebase(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := seedMirror(t, s, types.FieldMap{"forecastStart": "2025-01-01", "monthlyRate": 5000.0})

	first, err := s.UpsertDraft(ctx, rec.ID, "user-a", "sess-1", types.FieldMap{"forecastStart": "2025-02-01"})
	if err != nil {
		t.Fatal(err)
	}

	// Mirror moves on before the second save.
	if _, err := s.ApplyDelta(ctx, rec.ID, rec.Version, types.FieldMap{"monthlyRate": 6000.0}); err != nil {
		t.Fatal(err)
	}

	second, err := s.UpsertDraft(ctx, rec.ID, "user-a", "sess-1", types.FieldMap{"monthlyRate": 9999.0})
	if err != nil {
		t.Fatal(err)
	}

	if second.ID != first.ID {
		t.Error("second save should upsert the same row")
	}
	if second.BaseVersion != first.BaseVersion {
		t.Errorf("re-save silently rebased: %d -> %d", first.BaseVersion, second.BaseVersion)
	}
	if second.Delta["forecastStart"] != "2025-02-01" {
		t.Errorf("earlier field lost: %v", second.Delta["forecastStart"])
	}
	if second.Delta["monthlyRate"] != 9999.0 {
		t.Errorf("new field not overlaid: %v", second.Delta["monthlyRate"])
	}
}

func TestUpsertDraft_TwoUsersIndependent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := seedMirror(t, s, types.FieldMap{"monthlyRate": 5000.0})

	a, err := s.UpsertDraft(ctx, rec.ID, "user-a", "sess-1", types.FieldMap{"monthlyRate": 100.0})
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.UpsertDraft(ctx, rec.ID, "user-b", "sess-2", types.FieldMap{"monthlyRate": 200.0})
	if err != nil {
		t.Fatal(err)
	}

	if a.ID == b.ID {
		t.Fatal("users should get independent modification rows")
	}

	gotA, _ := s.GetDraft(ctx, rec.ID, "user-a")
	gotB, _ := s.GetDraft(ctx, rec.ID, "user-b")
	if gotA.Delta["monthlyRate"] != 100.0 || gotB.Delta["monthlyRate"] != 200.0 {
		t.Errorf("drafts bled into each other: a=%v b=%v", gotA.Delta, gotB.Delta)
	}
}

func TestUpsertDraft_BusyWhileQueued(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := seedMirror(t, s, types.FieldMap{"a": 1.0})

	mod, err := s.UpsertDraft(ctx, rec.ID, "user-a", "sess-1", types.FieldMap{"a": 2.0})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionState(ctx, mod.ID, types.StateCommitted); err != nil {
		t.Fatal(err)
	}

	_, err = s.UpsertDraft(ctx, rec.ID, "user-a", "sess-1", types.FieldMap{"a": 3.0})
	if !errors.Is(err, ErrDraftBusy) {
		t.Errorf("expected ErrDraftBusy, got %v", err)
	}
}

func TestUpsertDraft_UnknownMirror(t *testing.T) {
	s := newTestStore(t)

	_, err := s.UpsertDraft(context.Background(), "missing", "user-a", "sess-1", types.FieldMap{"a": 1.0})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteDraft_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := seedMirror(t, s, types.FieldMap{"a": 1.0})

	if _, err := s.UpsertDraft(ctx, rec.ID, "user-a", "sess-1", types.FieldMap{"a": 2.0}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteDraft(ctx, rec.ID, "user-a"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetDraft(ctx, rec.ID, "user-a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("draft should be gone, got %v", err)
	}

	// Discarding again is a no-op, not an error.
	if err := s.DeleteDraft(ctx, rec.ID, "user-a"); err != nil {
		t.Errorf("second discard should be a no-op, got %v", err)
	}
}

func TestTransitionState_TableEnforced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := seedMirror(t, s, types.FieldMap{"a": 1.0})

	mod, err := s.UpsertDraft(ctx, rec.ID, "user-a", "sess-1", types.FieldMap{"a": 2.0})
	if err != nil {
		t.Fatal(err)
	}

	// draft -> syncing skips committed and queued.
	if _, err := s.TransitionState(ctx, mod.ID, types.StateSyncing); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}

	for _, to := range []types.SyncState{types.StateCommitted, types.StateQueued, types.StateSyncing, types.StateSynced} {
		if _, err := s.TransitionState(ctx, mod.ID, to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}

	got, err := s.GetModification(ctx, mod.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SyncState != types.StateSynced {
		t.Errorf("expected synced, got %s", got.SyncState)
	}
}

func TestTransitionState_UnknownState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := seedMirror(t, s, types.FieldMap{"a": 1.0})
	mod, _ := s.UpsertDraft(ctx, rec.ID, "user-a", "sess-1", types.FieldMap{"a": 2.0})

	if _, err := s.TransitionState(ctx, mod.ID, types.SyncState("bogus")); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestRecordFailure_And_DeadLetter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := seedMirror(t, s, types.FieldMap{"a": 1.0})

	mod, _ := s.UpsertDraft(ctx, rec.ID, "user-a", "sess-1", types.FieldMap{"a": 2.0})
	for _, to := range []types.SyncState{types.StateCommitted, types.StateQueued, types.StateSyncing} {
		if _, err := s.TransitionState(ctx, mod.ID, to); err != nil {
			t.Fatal(err)
		}
	}

	next := time.Now().UTC().Add(5 * time.Second)
	if err := s.RecordFailure(ctx, mod.ID, "connection refused", 1, next); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetModification(ctx, mod.ID)
	if got.SyncState != types.StateFailed {
		t.Errorf("expected failed, got %s", got.SyncState)
	}
	if got.RetryCount != 1 || got.LastError != "connection refused" {
		t.Errorf("retry bookkeeping wrong: count=%d err=%q", got.RetryCount, got.LastError)
	}
	if got.NextAttemptAt == nil {
		t.Fatal("next attempt time not recorded")
	}

	if err := s.DeadLetter(ctx, mod.ID, "max retries exceeded"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetModification(ctx, mod.ID)
	if got.SyncState != types.StateDeadLettered {
		t.Errorf("expected dead_lettered, got %s", got.SyncState)
	}
	if got.NextAttemptAt != nil {
		t.Error("dead-lettered items must not have a scheduled retry")
	}
}

func TestRecordFailure_RejectedFromDraft(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := seedMirror(t, s, types.FieldMap{"a": 1.0})
	mod, _ := s.UpsertDraft(ctx, rec.ID, "user-a", "sess-1", types.FieldMap{"a": 2.0})

	err := s.RecordFailure(ctx, mod.ID, "boom", 1, time.Now())
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestRequeueDeadLetter_ResetsRetryCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := seedMirror(t, s, types.FieldMap{"a": 1.0})

	mod, _ := s.UpsertDraft(ctx, rec.ID, "user-a", "sess-1", types.FieldMap{"a": 2.0})
	for _, to := range []types.SyncState{types.StateCommitted, types.StateQueued, types.StateSyncing} {
		if _, err := s.TransitionState(ctx, mod.ID, to); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.RecordFailure(ctx, mod.ID, "timeout", 3, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := s.DeadLetter(ctx, mod.ID, "max retries exceeded"); err != nil {
		t.Fatal(err)
	}

	requeued, err := s.RequeueDeadLetter(ctx, mod.ID)
	if err != nil {
		t.Fatal(err)
	}
	if requeued.SyncState != types.StateQueued {
		t.Errorf("expected queued, got %s", requeued.SyncState)
	}
	if requeued.RetryCount != 0 {
		t.Errorf("retry count should reset to 0, got %d", requeued.RetryCount)
	}
}

func TestRequeueDeadLetter_OnlyFromDeadLettered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := seedMirror(t, s, types.FieldMap{"a": 1.0})
	mod, _ := s.UpsertDraft(ctx, rec.ID, "user-a", "sess-1", types.FieldMap{"a": 2.0})

	if _, err := s.RequeueDeadLetter(ctx, mod.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestDueForSync_SelectsCommittedAndDueRetries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	recA, _ := s.UpsertMirror(ctx, "org-1", "ext-a", types.FieldMap{"a": 1.0})
	recB, _ := s.UpsertMirror(ctx, "org-1", "ext-b", types.FieldMap{"a": 1.0})
	recC, _ := s.UpsertMirror(ctx, "org-1", "ext-c", types.FieldMap{"a": 1.0})
	recD, _ := s.UpsertMirror(ctx, "org-1", "ext-d", types.FieldMap{"a": 1.0})

	// Committed: due.
	committed, _ := s.UpsertDraft(ctx, recA.ID, "user-a", "s", types.FieldMap{"a": 2.0})
	s.TransitionState(ctx, committed.ID, types.StateCommitted)

	// Still a draft: not due.
	if _, err := s.UpsertDraft(ctx, recB.ID, "user-a", "s", types.FieldMap{"a": 2.0}); err != nil {
		t.Fatal(err)
	}

	// Failed with a past retry time: due.
	duePast, _ := s.UpsertDraft(ctx, recC.ID, "user-a", "s", types.FieldMap{"a": 2.0})
	for _, to := range []types.SyncState{types.StateCommitted, types.StateQueued, types.StateSyncing} {
		s.TransitionState(ctx, duePast.ID, to)
	}
	s.RecordFailure(ctx, duePast.ID, "timeout", 1, time.Now().Add(-time.Minute))

	// Failed with a future retry time: not due.
	dueFuture, _ := s.UpsertDraft(ctx, recD.ID, "user-a", "s", types.FieldMap{"a": 2.0})
	for _, to := range []types.SyncState{types.StateCommitted, types.StateQueued, types.StateSyncing} {
		s.TransitionState(ctx, dueFuture.ID, to)
	}
	s.RecordFailure(ctx, dueFuture.ID, "timeout", 1, time.Now().Add(time.Hour))

	due, err := s.DueForSync(ctx, 100, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	ids := make(map[string]bool)
	for _, m := range due {
		ids[m.ID] = true
	}
	if !ids[committed.ID] {
		t.Error("committed modification should be due")
	}
	if !ids[duePast.ID] {
		t.Error("failed modification past its retry time should be due")
	}
	if ids[dueFuture.ID] {
		t.Error("failed modification before its retry time should not be due")
	}
	if len(due) != 2 {
		t.Errorf("expected 2 due items, got %d", len(due))
	}
}

func TestCountByState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	recA, _ := s.UpsertMirror(ctx, "org-1", "ext-a", types.FieldMap{"a": 1.0})
	recB, _ := s.UpsertMirror(ctx, "org-1", "ext-b", types.FieldMap{"a": 1.0})
	other, _ := s.UpsertMirror(ctx, "org-2", "ext-a", types.FieldMap{"a": 1.0})

	s.UpsertDraft(ctx, recA.ID, "user-a", "s", types.FieldMap{"a": 2.0})
	modB, _ := s.UpsertDraft(ctx, recB.ID, "user-a", "s", types.FieldMap{"a": 2.0})
	s.TransitionState(ctx, modB.ID, types.StateCommitted)
	s.UpsertDraft(ctx, other.ID, "user-a", "s", types.FieldMap{"a": 2.0})

	counts, err := s.CountByState(ctx, "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if counts[types.StateDraft] != 1 {
		t.Errorf("expected 1 draft, got %d", counts[types.StateDraft])
	}
	if counts[types.StateCommitted] != 1 {
		t.Errorf("expected 1 committed, got %d", counts[types.StateCommitted])
	}
}

func TestListByState_ScopedToOrganization(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, _ := s.UpsertMirror(ctx, "org-1", "ext-a", types.FieldMap{"a": 1.0})
	other, _ := s.UpsertMirror(ctx, "org-2", "ext-a", types.FieldMap{"a": 1.0})

	mod, _ := s.UpsertDraft(ctx, rec.ID, "user-a", "s", types.FieldMap{"a": 2.0})
	for _, to := range []types.SyncState{types.StateCommitted, types.StateQueued, types.StateSyncing} {
		s.TransitionState(ctx, mod.ID, to)
	}
	s.DeadLetter(ctx, mod.ID, "rejected")

	otherMod, _ := s.UpsertDraft(ctx, other.ID, "user-a", "s", types.FieldMap{"a": 2.0})
	for _, to := range []types.SyncState{types.StateCommitted, types.StateQueued, types.StateSyncing} {
		s.TransitionState(ctx, otherMod.ID, to)
	}
	s.DeadLetter(ctx, otherMod.ID, "rejected")

	items, err := s.ListByState(ctx, "org-1", types.StateDeadLettered)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != mod.ID {
		t.Errorf("expected only org-1's dead-lettered item, got %v", items)
	}
}
