package repository

import (
	"context"
	"errors"

	"nicknamer/server/internal/user/domain"
)

// ErrDuplicateUsername is returned by Create when the username is already taken.
var ErrDuplicateUsername = errors.New("username already exists")

// Repository defines persistence for users and their roles.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	// Create inserts the user and its roles in one transaction.
	Create(ctx context.Context, u *domain.User) error
	// SetRoles replaces the user's roles.
	SetRoles(ctx context.Context, userID string, roles []domain.Role) error
	SetStatus(ctx context.Context, userID string, status domain.UserStatus) error
}
