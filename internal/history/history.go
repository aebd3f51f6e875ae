// Package history persists per-conversation chat turns and bargain counters.
// Conversations are keyed by (user id, item id); backends are selected by
// DSN scheme.
package history

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidKey = errors.New("history: user id and item id are required")
	ErrClosed     = errors.New("history: store closed")
)

// DefaultMaxTurns caps the turns retained per conversation.
const DefaultMaxTurns = 100

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Key identifies one conversation.
type Key struct {
	UserID string
	ItemID string
}

func (k Key) validate() error {
	if strings.TrimSpace(k.UserID) == "" || strings.TrimSpace(k.ItemID) == "" {
		return ErrInvalidKey
	}
	return nil
}

// Turn is one utterance in a conversation.
type Turn struct {
	Role string    `json:"role"`
	Text string    `json:"content"`
	At   time.Time `json:"at"`
}

// Store is the conversation log. Append trims beyond the per-conversation
// turn cap; Context returns the most recent turns in chronological order.
type Store interface {
	Append(ctx context.Context, key Key, turn Turn) error
	Context(ctx context.Context, key Key, limit int) ([]Turn, error)
	BargainCount(ctx context.Context, key Key) (int, error)
	IncrementBargain(ctx context.Context, key Key) error
	Close() error
}

type StoreFactory func(dsn string) (Store, error)

var storeRegistry = struct {
	mu        sync.RWMutex
	factories map[string]StoreFactory
}{factories: map[string]StoreFactory{}}

func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	storeRegistry.mu.Lock()
	defer storeRegistry.mu.Unlock()
	storeRegistry.factories[scheme] = factory
}

// BuildStoreFromDSN resolves a store backend from a DSN. An empty DSN means
// the in-memory store.
func BuildStoreFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(DefaultMaxTurns), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))

	storeRegistry.mu.RLock()
	factory, ok := storeRegistry.factories[scheme]
	storeRegistry.mu.RUnlock()
	if ok {
		return factory(dsn)
	}

	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(DefaultMaxTurns), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported history store scheme: %s", scheme)
	}
}
