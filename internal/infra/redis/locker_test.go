package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"nadfeud/internal/domain"
)

func TestLockerExcludesSecondHolder(t *testing.T) {
	mr, client := newMiniredis(t)
	locker := NewLocker(client, time.Minute)
	ctx := context.Background()

	unlock, err := locker.TryLock(ctx, "question:q1")
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if !mr.Exists("lock:question:q1") {
		t.Fatalf("expected lock key to be set")
	}
	if _, err := locker.TryLock(ctx, "question:q1"); !errors.Is(err, domain.ErrTransitionInProgress) {
		t.Fatalf("expected transition in progress, got %v", err)
	}
	if _, err := locker.TryLock(ctx, "question:q2"); err != nil {
		t.Fatalf("independent key should lock: %v", err)
	}

	unlock()
	if mr.Exists("lock:question:q1") {
		t.Fatalf("expected lock key to be removed")
	}
	if _, err := locker.TryLock(ctx, "question:q1"); err != nil {
		t.Fatalf("relock after unlock: %v", err)
	}
}

func TestLockerUnlockKeepsForeignLock(t *testing.T) {
	mr, client := newMiniredis(t)
	locker := NewLocker(client, time.Second)
	ctx := context.Background()

	unlock, err := locker.TryLock(ctx, "lifecycle:start")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	mr.FastForward(2 * time.Second)
	if _, err := locker.TryLock(ctx, "lifecycle:start"); err != nil {
		t.Fatalf("expected expired lock to be reacquired: %v", err)
	}

	unlock()
	if !mr.Exists("lock:lifecycle:start") {
		t.Fatalf("stale unlock must not release the new holder's lock")
	}
}
