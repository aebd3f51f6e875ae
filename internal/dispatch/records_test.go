package dispatch

import (
	"context"
	"testing"
	"time"
)

func newTestRecordStore(start time.Time) (*MemoryRecordStore, *time.Time) {
	now := start
	store := NewMemoryRecordStore()
	store.clock = func() time.Time { return now }
	return store, &now
}

func TestObserveWindow(t *testing.T) {
	store, now := newTestRecordStore(time.Unix(1000, 0))
	ctx := context.Background()

	won, err := store.Observe(ctx, "fp:a", 30*time.Second, 0)
	if err != nil || !won {
		t.Fatalf("first Observe = %v, %v", won, err)
	}
	*now = now.Add(5 * time.Second)
	won, _ = store.Observe(ctx, "fp:a", 30*time.Second, 0)
	if won {
		t.Fatal("duplicate within window passed")
	}
	*now = now.Add(31 * time.Second)
	won, _ = store.Observe(ctx, "fp:a", 30*time.Second, 0)
	if !won {
		t.Fatal("observation after window still suppressed")
	}
}

func TestObserveMinAgeGuard(t *testing.T) {
	store, now := newTestRecordStore(time.Unix(1000, 0))
	ctx := context.Background()

	if won, _ := store.Observe(ctx, "fp:b", 30*time.Second, 0); !won {
		t.Fatal("ingress observation lost")
	}
	// The worker re-check runs moments later; the record it sees is its own
	// ingress entry and must not suppress it.
	*now = now.Add(50 * time.Millisecond)
	if won, _ := store.Observe(ctx, "fp:b", 30*time.Second, time.Second); !won {
		t.Fatal("worker re-check suppressed by own ingress record")
	}
	// A second worker arriving past the guard sees a live claim.
	*now = now.Add(2 * time.Second)
	if won, _ := store.Observe(ctx, "fp:b", 30*time.Second, time.Second); won {
		t.Fatal("stale duplicate passed worker re-check")
	}
}

func TestObserveNoticeWindows(t *testing.T) {
	store, now := newTestRecordStore(time.Unix(2000, 0))
	ctx := context.Background()
	key := NoticeKey("u1", NoticeShipping)

	allowed, err := store.ObserveNotice(ctx, key, time.Minute, 2*time.Hour)
	if err != nil || !allowed {
		t.Fatalf("first notice = %v, %v", allowed, err)
	}
	*now = now.Add(30 * time.Second)
	if allowed, _ := store.ObserveNotice(ctx, key, time.Minute, 2*time.Hour); allowed {
		t.Fatal("notice within base window passed")
	}

	// Past the base window with no reply sent yet: allowed again.
	*now = now.Add(45 * time.Second)
	if allowed, _ := store.ObserveNotice(ctx, key, time.Minute, 2*time.Hour); !allowed {
		t.Fatal("notice past base window suppressed without a reply")
	}

	if err := store.MarkReplied(ctx, key); err != nil {
		t.Fatalf("MarkReplied: %v", err)
	}
	// Replied: the extended window applies even after the base window.
	*now = now.Add(90 * time.Minute)
	if allowed, _ := store.ObserveNotice(ctx, key, time.Minute, 2*time.Hour); allowed {
		t.Fatal("shipping notice within replied window passed")
	}
	*now = now.Add(31 * time.Minute)
	if allowed, _ := store.ObserveNotice(ctx, key, time.Minute, 2*time.Hour); !allowed {
		t.Fatal("shipping notice past replied window suppressed")
	}
}

func TestReleaseReadmitsNotice(t *testing.T) {
	store, now := newTestRecordStore(time.Unix(3000, 0))
	ctx := context.Background()
	key := NoticeKey("u2", NoticeShipping)

	if allowed, _ := store.ObserveNotice(ctx, key, time.Minute, 2*time.Hour); !allowed {
		t.Fatal("first notice lost")
	}
	if err := store.Release(ctx, key); err != nil {
		t.Fatalf("Release: %v", err)
	}
	// The admit stamp is gone, so the very next notice goes through.
	if allowed, _ := store.ObserveNotice(ctx, key, time.Minute, 2*time.Hour); !allowed {
		t.Fatal("notice after Release still suppressed")
	}

	// A replied flag set before Release keeps its extended window.
	if err := store.MarkReplied(ctx, key); err != nil {
		t.Fatalf("MarkReplied: %v", err)
	}
	if err := store.Release(ctx, key); err != nil {
		t.Fatalf("Release: %v", err)
	}
	*now = now.Add(90 * time.Minute)
	if allowed, _ := store.ObserveNotice(ctx, key, time.Minute, 2*time.Hour); allowed {
		t.Fatal("Release discarded the replied window")
	}

	// Releasing an absent key is a no-op.
	if err := store.Release(ctx, "notice:absent"); err != nil {
		t.Fatalf("Release absent key: %v", err)
	}
}

func TestFingerprintDistinguishesFields(t *testing.T) {
	base := Fingerprint("u1", "hello", "i1")
	if base != Fingerprint("u1", "hello", "i1") {
		t.Fatal("fingerprint not deterministic")
	}
	for _, other := range []string{
		Fingerprint("u2", "hello", "i1"),
		Fingerprint("u1", "hello!", "i1"),
		Fingerprint("u1", "hello", "i2"),
		Fingerprint("u1h", "ello", "i1"),
	} {
		if other == base {
			t.Fatalf("collision: %s", other)
		}
	}
}

func TestBuildRecordStoreFromDSN(t *testing.T) {
	store, err := BuildRecordStoreFromDSN("")
	if err != nil {
		t.Fatalf("empty dsn: %v", err)
	}
	if _, ok := store.(*MemoryRecordStore); !ok {
		t.Fatalf("empty dsn built %T", store)
	}

	store, err = BuildRecordStoreFromDSN("redis://localhost:6379/2")
	if err != nil {
		t.Fatalf("redis dsn: %v", err)
	}
	if _, ok := store.(*RedisRecordStore); !ok {
		t.Fatalf("redis dsn built %T", store)
	}

	if _, err := BuildRecordStoreFromDSN("etcd://host"); err == nil {
		t.Fatal("unknown scheme should fail")
	}
}
