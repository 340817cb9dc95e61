package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"huddle/internal/domain"
)

// presenceReader exposes the live presence kept by the registry.
type presenceReader interface {
	Status(userID string) domain.Presence
	Online() []string
}

// UserService provides user-related operations. Users are provisioned on
// first sight from the identity carried by a validated bearer token.
type UserService struct {
	users    domain.UserRepository
	presence presenceReader
}

func NewUserService(users domain.UserRepository, presence presenceReader) *UserService {
	return &UserService{users: users, presence: presence}
}

// Ensure returns the user with the given id, creating it when missing.
func (s *UserService) Ensure(ctx context.Context, id, displayName string) (*domain.User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("empty user id: %w", domain.ErrInvalidInput)
	}
	if displayName == "" {
		displayName = id
	}

	u, err := s.users.GetByID(ctx, id)
	if err == nil {
		return s.withPresence(u), nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	u = &domain.User{ID: id, DisplayName: displayName, Presence: domain.PresenceOffline}
	if err := s.users.Create(ctx, u); err != nil {
		// Lost a race with a concurrent first request for the same identity.
		if existing, getErr := s.users.GetByID(ctx, id); getErr == nil {
			return s.withPresence(existing), nil
		}
		return nil, fmt.Errorf("provision user: %w", err)
	}
	return s.withPresence(u), nil
}

func (s *UserService) GetByID(ctx context.Context, id string) (*domain.User, error) {
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.withPresence(u), nil
}

func (s *UserService) List(ctx context.Context, offset, limit int) ([]*domain.User, error) {
	users, err := s.users.List(ctx, offset, limit)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		s.withPresence(u)
	}
	return users, nil
}

// Search lists users whose id or display name contains query. A blank
// query lists everyone.
func (s *UserService) Search(ctx context.Context, query string, offset, limit int) ([]*domain.User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return s.List(ctx, offset, limit)
	}
	users, err := s.users.Search(ctx, query, offset, limit)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		s.withPresence(u)
	}
	return users, nil
}

// ListOnline returns every user that is currently online or away.
func (s *UserService) ListOnline(ctx context.Context) ([]*domain.User, error) {
	if s.presence == nil {
		return []*domain.User{}, nil
	}
	ids := s.presence.Online()
	sort.Strings(ids)
	out := make([]*domain.User, 0, len(ids))
	for _, id := range ids {
		u, err := s.users.GetByID(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s.withPresence(u))
	}
	return out, nil
}

// withPresence overlays the live presence, which is authoritative over the
// persisted column after an unclean shutdown.
func (s *UserService) withPresence(u *domain.User) *domain.User {
	if s.presence != nil {
		u.Presence = s.presence.Status(u.ID)
	}
	return u
}
