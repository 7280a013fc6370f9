package login

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/guarzo/lineapi/common"
	"github.com/guarzo/lineapi/common/model"
	"github.com/guarzo/lineapi/common/tokenstore"
)

// LoginService is the high-level API. Operations that take a token use the
// store's current token when the argument is empty.
type LoginService interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (*model.AccessToken, error)
	RevokeAccessToken(ctx context.Context, accessToken string) error
	VerifyAccessToken(ctx context.Context, accessToken string) (*model.AccessTokenVerifyResult, error)
	GetProfile(ctx context.Context) (*model.UserProfile, error)
	GetBotFriendshipStatus(ctx context.Context) (*model.FriendshipStatus, error)
	GetStatus(ctx context.Context) (*model.Status, error)
}

type loginService struct {
	client    Sender
	store     tokenstore.Store
	channelID string
	now       func() time.Time
}

// NewLoginService constructs a LoginService on top of a Sender (usually a *Session
// sharing the same store).
func NewLoginService(client Sender, store tokenstore.Store, channelID string) LoginService {
	return &loginService{
		client:    client,
		store:     store,
		channelID: channelID,
		now:       time.Now,
	}
}

// RefreshAccessToken exchanges a refresh token for a new access token and makes
// it the current token.
func (s *loginService) RefreshAccessToken(ctx context.Context, refreshToken string) (*model.AccessToken, error) {
	current, err := s.store.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load current token: %w", err)
	}
	if refreshToken == "" && current != nil {
		refreshToken = current.RefreshToken
	}
	if refreshToken == "" {
		return nil, ErrLackOfRefreshToken
	}

	var token model.AccessToken
	if err := s.client.Send(ctx, newRefreshTokenRequest(s.channelID, refreshToken), &token); err != nil {
		return nil, err
	}
	token.CreatedAt = s.now()
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	if token.IDToken == "" && current != nil && current.RefreshToken == refreshToken {
		token.IDToken = current.IDToken
	}

	if err := s.store.SetCurrent(ctx, &token); err != nil {
		return nil, fmt.Errorf("failed to store refreshed token: %w", err)
	}
	return &token, nil
}

// RevokeAccessToken invalidates an access token. A 400 from the platform means
// the token is already invalid and counts as success. The current token is
// removed from the store when it is the one revoked.
func (s *loginService) RevokeAccessToken(ctx context.Context, accessToken string) error {
	if accessToken == "" {
		current, err := s.store.Current(ctx)
		if err != nil {
			return fmt.Errorf("failed to load current token: %w", err)
		}
		if current == nil || current.Value == "" {
			// nothing to revoke
			return nil
		}
		accessToken = current.Value
	}

	err := s.client.Send(ctx, newRevokeTokenRequest(s.channelID, accessToken), nil)
	if err != nil {
		if !common.IsStatus(err, http.StatusBadRequest) {
			return err
		}
		log.Debug().Err(err).Msg("token already invalid, treating revoke as success")
	}
	return s.removeIfCurrent(ctx, accessToken)
}

func (s *loginService) removeIfCurrent(ctx context.Context, accessToken string) error {
	current, err := s.store.Current(ctx)
	if err != nil {
		return fmt.Errorf("failed to load current token: %w", err)
	}
	if current == nil || current.Value != accessToken {
		return nil
	}
	if err := s.store.RemoveCurrent(ctx); err != nil {
		return fmt.Errorf("failed to remove revoked token: %w", err)
	}
	return nil
}

// VerifyAccessToken checks an access token and returns its channel, scope and remaining lifetime.
func (s *loginService) VerifyAccessToken(ctx context.Context, accessToken string) (*model.AccessTokenVerifyResult, error) {
	if accessToken == "" {
		current, err := s.store.Current(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load current token: %w", err)
		}
		if current == nil || current.Value == "" {
			return nil, ErrLackOfAccessToken
		}
		accessToken = current.Value
	}

	var result model.AccessTokenVerifyResult
	if err := s.client.Send(ctx, newVerifyTokenRequest(accessToken), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *loginService) GetProfile(ctx context.Context) (*model.UserProfile, error) {
	var profile model.UserProfile
	if err := s.client.Send(ctx, newGetProfileRequest(), &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func (s *loginService) GetBotFriendshipStatus(ctx context.Context) (*model.FriendshipStatus, error) {
	var status model.FriendshipStatus
	if err := s.client.Send(ctx, newGetBotFriendshipStatusRequest(), &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// GetStatus fetches profile and friendship status concurrently.
func (s *loginService) GetStatus(ctx context.Context) (*model.Status, error) {
	var status model.Status
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		profile, err := s.GetProfile(egCtx)
		if err != nil {
			return fmt.Errorf("failed to get profile: %w", err)
		}
		status.Profile = profile
		return nil
	})
	eg.Go(func() error {
		friendship, err := s.GetBotFriendshipStatus(egCtx)
		if err != nil {
			return fmt.Errorf("failed to get friendship status: %w", err)
		}
		status.Friendship = friendship
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return &status, nil
}
