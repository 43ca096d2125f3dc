// Package users is the demo service hosted by svcbusd: a user directory kept in memory.
package users

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"svcbus/failure"
)

// Address is the bus address of the service.
const Address = "users.Service"

// UserDTO is a user as carried on the wire.
type UserDTO struct {
	ID        uuid.UUID `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

func (UserDTO) RecordName() string { return "users.UserDTO" }

// Service stores users by id.
type Service struct {
	mu     sync.RWMutex
	users  map[uuid.UUID]UserDTO
	seed   []UserDTO
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates the service. seed users are loaded by Setup.
func NewService(logger *zap.Logger, seed ...UserDTO) *Service {
	return &Service{
		users:  make(map[uuid.UUID]UserDTO),
		seed:   seed,
		logger: logger.Named("users"),
		now:    time.Now,
	}
}

func (*Service) ServiceAddress() string { return Address }

// Setup loads the seed users before the service is subscribed.
func (s *Service) Setup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.seed {
		if err := validate(u); err != nil {
			return fmt.Errorf("seed user %q: %w", u.Username, err)
		}
		if u.ID == uuid.Nil {
			u.ID = uuid.New()
		}
		if u.CreatedAt.IsZero() {
			u.CreatedAt = s.now().UTC()
		}
		s.users[u.ID] = u
	}
	s.logger.Info("Users loaded", zap.Int("count", len(s.users)))
	return nil
}

// FindUser returns the user with id, or nil when there is none.
func (s *Service) FindUser(id uuid.UUID) (*UserDTO, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

// DeleteUser removes the user with id.
func (s *Service) DeleteUser(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return fmt.Errorf("user %s: %w", id, failure.ErrNotFound)
	}
	delete(s.users, id)
	return nil
}

// SaveUser inserts or replaces u and returns its id. A user without id gets a new one.
func (s *Service) SaveUser(u UserDTO) (uuid.UUID, error) {
	if err := validate(u); err != nil {
		return uuid.Nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if prev, ok := s.users[u.ID]; ok && u.CreatedAt.IsZero() {
		u.CreatedAt = prev.CreatedAt
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now().UTC()
	}
	s.users[u.ID] = u
	return u.ID, nil
}

// RenameUser changes the username of the user with id and returns the updated user.
func (s *Service) RenameUser(id uuid.UUID, username string) (*UserDTO, error) {
	if strings.TrimSpace(username) == "" {
		return nil, fmt.Errorf("empty username: %w", failure.ErrDispatch)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, failure.ErrNotFound)
	}
	u.Username = username
	s.users[id] = u
	return &u, nil
}

// ListUsers returns every user ordered by username.
func (s *Service) ListUsers() []UserDTO {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]UserDTO, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

func (s *Service) CountUsers() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.users))
}

func validate(u UserDTO) error {
	if strings.TrimSpace(u.Username) == "" {
		return fmt.Errorf("user without username: %w", failure.ErrDispatch)
	}
	if u.Email != "" && !strings.Contains(u.Email, "@") {
		return fmt.Errorf("invalid email %q: %w", u.Email, failure.ErrDispatch)
	}
	return nil
}
