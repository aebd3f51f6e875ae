package dispatch

import (
	"context"
	"fmt"
	"hash/fnv"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// RecordStore is the shared dedup state behind ingress dedup, worker-side
// re-checks, and system-notice suppression. Every method is an atomic
// check-and-set so two near-simultaneous duplicates cannot both pass.
type RecordStore interface {
	// Observe records key at the current time unless a prior observation
	// with age in [minAge, window) exists; reports whether the caller won.
	// The minAge guard keeps a just-recorded ingress entry from suppressing
	// its own worker-side re-check.
	Observe(ctx context.Context, key string, window, minAge time.Duration) (bool, error)

	// ObserveNotice gates a system notice: suppressed within window of the
	// last notice, or within repliedWindow of the last notice that was
	// actually replied to. When allowed, the notice is recorded.
	ObserveNotice(ctx context.Context, key string, window, repliedWindow time.Duration) (bool, error)

	// MarkReplied flags the notice record after a reply went out, arming
	// the extended repliedWindow for subsequent notices.
	MarkReplied(ctx context.Context, key string) error

	// Release clears the admit stamp recorded by ObserveNotice so the next
	// identical notice is admitted again. Called when no reply went out,
	// keeping the suppression window a last-reply window rather than a
	// last-attempt one. A prior replied flag survives.
	Release(ctx context.Context, key string) error

	Close() error
}

// Fingerprint derives the dedup key for a chat message.
func Fingerprint(senderID, text, itemID string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(senderID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(text))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(itemID))
	return "fp:" + strconv.FormatUint(h.Sum64(), 16)
}

// NoticeKey derives the per-(user, subtype) suppression key.
func NoticeKey(userID string, subtype NoticeSubtype) string {
	return "notice:" + userID + ":" + string(subtype)
}

type memoryRecord struct {
	at        time.Time
	repliedAt time.Time
}

// MemoryRecordStore keeps dedup records in an expirable LRU sized and aged
// generously past the longest suppression window, so eviction only ever
// removes records no window can still match.
type MemoryRecordStore struct {
	mu      sync.Mutex
	records *expirable.LRU[string, *memoryRecord]
	clock   func() time.Time
}

const (
	memoryRecordCapacity = 8192
	memoryRecordTTL      = 6 * time.Hour
)

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		records: expirable.NewLRU[string, *memoryRecord](memoryRecordCapacity, nil, memoryRecordTTL),
		clock:   time.Now,
	}
}

func (s *MemoryRecordStore) Observe(ctx context.Context, key string, window, minAge time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	if rec, ok := s.records.Get(key); ok {
		age := now.Sub(rec.at)
		if age >= minAge && age < window {
			return false, nil
		}
	}
	s.records.Add(key, &memoryRecord{at: now})
	return true, nil
}

func (s *MemoryRecordStore) ObserveNotice(ctx context.Context, key string, window, repliedWindow time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	if rec, ok := s.records.Get(key); ok {
		if now.Sub(rec.at) < window {
			return false, nil
		}
		if repliedWindow > 0 && !rec.repliedAt.IsZero() && now.Sub(rec.repliedAt) < repliedWindow {
			return false, nil
		}
		rec.at = now
		s.records.Add(key, rec)
		return true, nil
	}
	s.records.Add(key, &memoryRecord{at: now})
	return true, nil
}

func (s *MemoryRecordStore) MarkReplied(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	rec, ok := s.records.Get(key)
	if !ok {
		rec = &memoryRecord{at: now}
	}
	rec.repliedAt = now
	s.records.Add(key, rec)
	return nil
}

func (s *MemoryRecordStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records.Get(key)
	if !ok {
		return nil
	}
	if rec.repliedAt.IsZero() {
		s.records.Remove(key)
		return nil
	}
	rec.at = time.Time{}
	s.records.Add(key, rec)
	return nil
}

func (s *MemoryRecordStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records.Purge()
	return nil
}

// BuildRecordStoreFromDSN resolves a dedup store from a DSN. Empty or
// memory:// builds the in-process store; redis:// shares records across
// daemon instances.
func BuildRecordStoreFromDSN(dsn string) (RecordStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryRecordStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme)); scheme {
	case "memory", "mem", "inmem":
		return NewMemoryRecordStore(), nil
	case "redis", "rediss":
		return NewRedisRecordStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported record store scheme: %s", scheme)
	}
}
