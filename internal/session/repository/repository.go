package repository

import (
	"context"
	"time"

	"nicknamer/server/internal/session/domain"
)

// Repository defines persistence for sessions. Missing rows are reported as (nil, nil) or a
// zero count, never as an error; errors always mean the store itself failed.
type Repository interface {
	Create(ctx context.Context, s *domain.Session) error
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]*domain.Session, error)
	// Revoke sets revoked=true only if the session exists and is not yet revoked.
	// Returns whether this call changed the row.
	Revoke(ctx context.Context, id string, at time.Time) (bool, error)
	RevokeAllByUser(ctx context.Context, userID string, at time.Time) (int64, error)
	// DeleteExpired removes sessions whose expires_at is at or before now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
