package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryUserStore struct {
	mu   sync.RWMutex
	byID map[string]User
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{byID: make(map[string]User)}
}

func (s *MemoryUserStore) GetByEmail(_ context.Context, email string) (User, error) {
	email = normalizeEmail(email)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.byID {
		if user.Email == email {
			return user, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (s *MemoryUserStore) GetByID(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.byID[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (s *MemoryUserStore) Create(_ context.Context, now time.Time, in NewUser) (User, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return User{}, fmt.Errorf("generate uuid v7: %w", err)
	}

	now = now.UTC()
	user := User{
		ID:           id.String(),
		Username:     strings.TrimSpace(in.Username),
		Email:        normalizeEmail(in.Email),
		PasswordHash: in.PasswordHash,
		Role:         in.Role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.byID {
		if existing.Email == user.Email || existing.Username == user.Username {
			return User{}, ErrEmailTaken
		}
	}
	s.byID[user.ID] = user
	return user, nil
}

func (s *MemoryUserStore) UpdatePasswordHash(_ context.Context, now time.Time, id string, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.byID[id]
	if !ok {
		return ErrUserNotFound
	}
	user.PasswordHash = hash
	user.UpdatedAt = now.UTC()
	s.byID[id] = user
	return nil
}

func (s *MemoryUserStore) List(_ context.Context) ([]User, error) {
	s.mu.RLock()
	users := make([]User, 0, len(s.byID))
	for _, user := range s.byID {
		users = append(users, user)
	}
	s.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool {
		if users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].ID < users[j].ID
		}
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, nil
}

func (s *MemoryUserStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; !ok {
		return ErrUserNotFound
	}
	delete(s.byID, id)
	return nil
}
