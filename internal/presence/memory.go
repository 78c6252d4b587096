package presence

import (
	"context"
	"sync"

	"github.com/mossy-p/peerlink/internal/models"
)

// MemoryStore is a process-local Store for single-replica relays and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]models.OnlineUser
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]models.OnlineUser)}
}

func (s *MemoryStore) Add(_ context.Context, user models.OnlineUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.PeerID] = user
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, peerID)
	return nil
}

func (s *MemoryStore) Lookup(_ context.Context, peerID string) (models.OnlineUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[peerID]
	if !ok {
		return models.OnlineUser{}, ErrNotFound
	}
	return user, nil
}

func (s *MemoryStore) List(_ context.Context) ([]models.OnlineUser, error) {
	s.mu.RLock()
	users := make([]models.OnlineUser, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	s.mu.RUnlock()

	sortUsers(users)
	return users, nil
}
