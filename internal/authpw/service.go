// Package authpw provides username/password registration and sign-in over the
// user list of the agenda store.
package authpw

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"agenda/api/internal/rbac"
	"agenda/api/internal/store"
)

var (
	ErrMissingCredentials = errors.New("username and password are required")
	ErrDuplicateUser      = errors.New("username already registered")
	ErrInvalidCredentials = errors.New("invalid username or password")
)

// Service provides username/password authentication
type Service struct {
	repo store.Repository
}

func NewService(repo store.Repository) *Service {
	return &Service{repo: repo}
}

// Register appends a new user with role user. Duplicate detection runs inside
// the store's single-writer update so two concurrent registrations of the
// same name cannot both succeed.
func (s *Service) Register(ctx context.Context, username, password string) (store.User, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return store.User{}, ErrMissingCredentials
	}

	user := store.User{
		Username: username,
		Password: password,
		Role:     string(rbac.RoleUser),
	}
	err := s.repo.Update(ctx, func(doc *store.Document) error {
		if _, exists := doc.FindUser(username); exists {
			return ErrDuplicateUser
		}
		doc.Users = append(doc.Users, user)
		return nil
	})
	if err != nil {
		return store.User{}, err
	}
	return user, nil
}

// SignIn matches username and password exactly. Usernames are case-sensitive.
func (s *Service) SignIn(ctx context.Context, username, password string) (store.User, error) {
	if username == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	doc, err := s.repo.Load(ctx)
	if err != nil {
		return store.User{}, err
	}

	var (
		matched store.User
		found   bool
	)
	for _, user := range doc.Users {
		if user.Username != username {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(user.Password), []byte(password)) == 1 && !found {
			matched = user
			found = true
		}
	}
	if !found {
		return store.User{}, ErrInvalidCredentials
	}
	matched.Role = string(rbac.Normalize(matched.Role))
	return matched, nil
}

// EnsureAdmin seeds an admin account when no user with that name exists.
// An existing user is left untouched.
func (s *Service) EnsureAdmin(ctx context.Context, username, password string) (bool, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return false, nil
	}

	created := false
	err := s.repo.Update(ctx, func(doc *store.Document) error {
		if _, exists := doc.FindUser(username); exists {
			return nil
		}
		doc.Users = append(doc.Users, store.User{
			Username: username,
			Password: password,
			Role:     string(rbac.RoleAdmin),
		})
		created = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return created, nil
}
