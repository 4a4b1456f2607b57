package syncstate

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"mailsync/internal/events"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func progressEvent(t *testing.T, account, status string, progress *float64, message string) events.Event {
	t.Helper()
	evt, err := events.NewEvent(events.TypeSyncProgress, events.SyncProgressPayload{
		AccountID: account,
		Status:    status,
		Progress:  progress,
		Message:   message,
	})
	if err != nil {
		t.Fatal(err)
	}
	return evt
}

func handle(t *testing.T, tr *Tracker, evt events.Event) {
	t.Helper()
	if err := tr.HandleEvent(context.Background(), evt); err != nil {
		t.Fatalf("handle: %v", err)
	}
}

func TestUnknownAccountIsIdle(t *testing.T) {
	tr := NewTracker(zap.NewNop())
	defer tr.Close()

	if got := tr.Progress("acct-1").Phase; got != PhaseIdle {
		t.Errorf("expected idle, got %s", got)
	}
}

func TestSyncingRecordsProgress(t *testing.T) {
	tr := NewTracker(zap.NewNop())
	defer tr.Close()

	half := 0.5
	handle(t, tr, progressEvent(t, "acct-1", events.SyncStatusSyncing, &half, "fetching INBOX"))

	rec := tr.Progress("acct-1")
	if rec.Phase != PhaseSyncing {
		t.Errorf("phase = %s", rec.Phase)
	}
	if rec.Progress == nil || *rec.Progress != 0.5 {
		t.Errorf("progress = %v", rec.Progress)
	}
	if rec.Message != "fetching INBOX" {
		t.Errorf("message = %q", rec.Message)
	}
}

func TestCompletedClearsAfterDisplayWindow(t *testing.T) {
	tr := NewTracker(zap.NewNop(), WithDelays(30*time.Millisecond, 50*time.Millisecond))
	defer tr.Close()

	handle(t, tr, progressEvent(t, "acct-1", events.SyncStatusSyncing, nil, ""))
	handle(t, tr, progressEvent(t, "acct-1", events.SyncStatusCompleted, nil, "done"))

	if got := tr.Progress("acct-1").Phase; got != PhaseCompleted {
		t.Fatalf("phase = %s right after completion", got)
	}
	waitFor(t, "auto clear to idle", func() bool {
		return tr.Progress("acct-1").Phase == PhaseIdle
	})
}

func TestErrorClearsAfterDisplayWindow(t *testing.T) {
	tr := NewTracker(zap.NewNop(), WithDelays(20*time.Millisecond, 40*time.Millisecond))
	defer tr.Close()

	handle(t, tr, progressEvent(t, "acct-1", events.SyncStatusError, nil, "IMAP timeout"))

	rec := tr.Progress("acct-1")
	if rec.Phase != PhaseError || rec.Message != "IMAP timeout" {
		t.Fatalf("record = %+v", rec)
	}
	waitFor(t, "error auto clear", func() bool {
		return tr.Progress("acct-1").Phase == PhaseIdle
	})
}

func TestFreshSyncingCancelsPendingClear(t *testing.T) {
	tr := NewTracker(zap.NewNop(), WithDelays(30*time.Millisecond, 50*time.Millisecond))
	defer tr.Close()

	handle(t, tr, progressEvent(t, "acct-1", events.SyncStatusCompleted, nil, ""))
	handle(t, tr, progressEvent(t, "acct-1", events.SyncStatusSyncing, nil, ""))

	// 完成状态的清除定时器已被新一轮 syncing 作废
	time.Sleep(80 * time.Millisecond)
	if got := tr.Progress("acct-1").Phase; got != PhaseSyncing {
		t.Errorf("phase = %s, a new sync must survive the stale clear timer", got)
	}
}

func TestAccountsAreIndependent(t *testing.T) {
	tr := NewTracker(zap.NewNop(), WithDelays(20*time.Millisecond, 40*time.Millisecond))
	defer tr.Close()

	handle(t, tr, progressEvent(t, "acct-1", events.SyncStatusCompleted, nil, ""))
	handle(t, tr, progressEvent(t, "acct-2", events.SyncStatusSyncing, nil, ""))

	waitFor(t, "acct-1 clear", func() bool {
		return tr.Progress("acct-1").Phase == PhaseIdle
	})
	if got := tr.Progress("acct-2").Phase; got != PhaseSyncing {
		t.Errorf("acct-2 phase = %s, must be untouched by acct-1's clear", got)
	}
}

func TestRefreshHookFiresOnCompletion(t *testing.T) {
	var mu sync.Mutex
	var refreshed []string
	tr := NewTracker(zap.NewNop(),
		WithDelays(20*time.Millisecond, 40*time.Millisecond),
		WithRefresh(func(accountID string) {
			mu.Lock()
			refreshed = append(refreshed, accountID)
			mu.Unlock()
		}),
	)
	defer tr.Close()

	handle(t, tr, progressEvent(t, "acct-1", events.SyncStatusSyncing, nil, ""))
	handle(t, tr, progressEvent(t, "acct-1", events.SyncStatusError, nil, "boom"))
	handle(t, tr, progressEvent(t, "acct-1", events.SyncStatusCompleted, nil, ""))

	mu.Lock()
	defer mu.Unlock()
	if len(refreshed) != 1 || refreshed[0] != "acct-1" {
		t.Errorf("refresh hook fired for %v, want once on completion only", refreshed)
	}
}

func TestUnknownStatusIsIgnored(t *testing.T) {
	tr := NewTracker(zap.NewNop())
	defer tr.Close()

	handle(t, tr, progressEvent(t, "acct-1", "exploded", nil, ""))
	if got := tr.Progress("acct-1").Phase; got != PhaseIdle {
		t.Errorf("unknown status must not change state, got %s", got)
	}
}

func TestMalformedPayloadIsAnError(t *testing.T) {
	tr := NewTracker(zap.NewNop())
	defer tr.Close()

	evt := events.Event{ID: "e", Type: events.TypeSyncProgress, Data: []byte("nope")}
	if err := tr.HandleEvent(context.Background(), evt); err == nil {
		t.Error("expected unmarshal error")
	}
}
