package service

import (
	"context"

	"github.com/avvvet/ttt-services/internal/gamesvc/apperr"
	"github.com/avvvet/ttt-services/internal/gamesvc/models"
)

// UserService struct represents the user service layer
type UserService struct {
	userStore UserRepository
}

// NewUserService creates a new UserService instance
func NewUserService(userStore UserRepository) *UserService {
	return &UserService{
		userStore: userStore,
	}
}

// GetUser loads a user profile. Accounts are owned by the auth service, so a
// missing row means the token names a user this service never saw.
func (s *UserService) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	u, err := s.userStore.GetByID(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, err, "failed to load user")
	}
	if u == nil {
		return nil, apperr.New(apperr.NotFound, "user not found")
	}
	return u, nil
}
