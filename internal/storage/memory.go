package storage

import (
	"context"
	"sync"
)

// MemoryMessageStore is an in-process MessageStore used by tests and by
// deployments that do not need durability.
type MemoryMessageStore struct {
	mu      sync.Mutex
	history map[int64][]StoredMessage
	offline map[int64][]StoredMessage
}

func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{
		history: make(map[int64][]StoredMessage),
		offline: make(map[int64][]StoredMessage),
	}
}

func (s *MemoryMessageStore) Save(_ context.Context, msg StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[msg.Receiver] = append(s.history[msg.Receiver], msg)
	if !msg.Delivered {
		s.offline[msg.Receiver] = append(s.offline[msg.Receiver], msg)
	}
	return nil
}

func (s *MemoryMessageStore) FindOffline(_ context.Context, recipient int64) ([]StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.offline[recipient]
	delete(s.offline, recipient)
	return msgs, nil
}

func (s *MemoryMessageStore) FindHistory(_ context.Context, recipient int64, offset, count int) ([]StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.history[recipient]
	if offset >= len(all) || count <= 0 {
		return nil, nil
	}
	end := offset + count
	if end > len(all) {
		end = len(all)
	}
	page := make([]StoredMessage, end-offset)
	copy(page, all[offset:end])
	return page, nil
}

func (s *MemoryMessageStore) Close() error { return nil }

// MemoryPairStore is the in-process PairStore counterpart.
type MemoryPairStore struct {
	mu    sync.RWMutex
	pairs map[string]string
}

func NewMemoryPairStore() *MemoryPairStore {
	return &MemoryPairStore{pairs: make(map[string]string)}
}

func (s *MemoryPairStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.pairs[key]
	return val, ok, nil
}

func (s *MemoryPairStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs[key] = value
	return nil
}

func (s *MemoryPairStore) Close() error { return nil }
