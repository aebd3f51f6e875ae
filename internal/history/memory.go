package history

import (
	"context"
	"sync"
)

type conversation struct {
	turns   []Turn
	bargain int
}

// MemoryStore keeps conversations in process memory. Suitable for a single
// daemon instance; history is lost on restart.
type MemoryStore struct {
	mu       sync.Mutex
	closed   bool
	maxTurns int
	convs    map[Key]*conversation
}

func NewMemoryStore(maxTurns int) *MemoryStore {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &MemoryStore{
		maxTurns: maxTurns,
		convs:    map[Key]*conversation{},
	}
}

func (s *MemoryStore) Append(ctx context.Context, key Key, turn Turn) error {
	if err := key.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	conv := s.convs[key]
	if conv == nil {
		conv = &conversation{}
		s.convs[key] = conv
	}
	conv.turns = append(conv.turns, turn)
	if excess := len(conv.turns) - s.maxTurns; excess > 0 {
		conv.turns = append(conv.turns[:0:0], conv.turns[excess:]...)
	}
	return nil
}

func (s *MemoryStore) Context(ctx context.Context, key Key, limit int) ([]Turn, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	conv := s.convs[key]
	if conv == nil || len(conv.turns) == 0 {
		return nil, nil
	}
	turns := conv.turns
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (s *MemoryStore) BargainCount(ctx context.Context, key Key) (int, error) {
	if err := key.validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if conv := s.convs[key]; conv != nil {
		return conv.bargain, nil
	}
	return 0, nil
}

func (s *MemoryStore) IncrementBargain(ctx context.Context, key Key) error {
	if err := key.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	conv := s.convs[key]
	if conv == nil {
		conv = &conversation{}
		s.convs[key] = conv
	}
	conv.bargain++
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.convs = nil
	return nil
}
