package login_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/guarzo/lineapi/common"
	"github.com/guarzo/lineapi/common/model"
	"github.com/guarzo/lineapi/common/tokenstore"
	"github.com/guarzo/lineapi/modules/login"
)

var _ common.HttpClient = (*mockHttpClient)(nil)

type mockHttpClient struct {
	doFunc    func(req *http.Request) (*http.Response, error)
	retryFunc func(ctx context.Context, operation func() (interface{}, error)) (interface{}, error)
}

func (m *mockHttpClient) Do(req *http.Request) (*http.Response, error) {
	return m.doFunc(req)
}
func (m *mockHttpClient) CloseIdleConnections() {}
func (m *mockHttpClient) RetryWithExponentialBackoff(ctx context.Context, op func() (interface{}, error)) (interface{}, error) {
	if m.retryFunc != nil {
		return m.retryFunc(ctx, op)
	}
	// default: call op directly
	return op()
}
func (m *mockHttpClient) SetRandAndSleepForTest(sleep func(d time.Duration), seed int64) {}

type mockAuth struct {
	refreshFunc func(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

func (m *mockAuth) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if m.refreshFunc != nil {
		return m.refreshFunc(ctx, refreshToken)
	}
	return nil, errors.New("mockAuth called refresh, but no func set")
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}
}

func TestSession_Send_Success(t *testing.T) {
	var seen *http.Request
	mockHTTP := &mockHttpClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			seen = req
			return jsonResponse(http.StatusOK, `{"userId":"U1","displayName":"Brown"}`), nil
		},
	}
	store := tokenstore.NewMemoryStore()
	require.NoError(t, store.SetCurrent(context.Background(), storedToken("abc", "")))

	session := login.NewSession("https://api.line.me/", testChannelID, mockHTTP, store)

	var profile model.UserProfile
	err := session.Send(context.Background(), login.Request{
		Method: http.MethodGet,
		Path:   "v2/profile",
		Auth:   login.AuthBearer,
	}, &profile)
	require.NoError(t, err)
	assert.Equal(t, "U1", profile.UserID)
	assert.Equal(t, "https://api.line.me/v2/profile", seen.URL.String())
	assert.Equal(t, "Bearer abc", seen.Header.Get("Authorization"))
	assert.Equal(t, "application/json", seen.Header.Get("Accept"))
}

func TestSession_Send_FormBody(t *testing.T) {
	mockHTTP := &mockHttpClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			require.Equal(t, "application/x-www-form-urlencoded", req.Header.Get("Content-Type"))
			require.Empty(t, req.Header.Get("Authorization"))
			body, err := io.ReadAll(req.Body)
			require.NoError(t, err)
			require.Equal(t, "a=1&b=2", string(body))
			return jsonResponse(http.StatusOK, ""), nil
		},
	}
	session := login.NewSession("https://api.line.me/", testChannelID, mockHTTP, tokenstore.NewMemoryStore())

	err := session.Send(context.Background(), login.Request{
		Method: http.MethodPost,
		Path:   "oauth2/v2.1/revoke",
		Form:   url.Values{"a": {"1"}, "b": {"2"}},
	}, nil)
	require.NoError(t, err)
}

func TestSession_BearerWithoutToken(t *testing.T) {
	mockHTTP := &mockHttpClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			t.Fatal("no request expected without a token")
			return nil, nil
		},
	}
	session := login.NewSession("https://api.line.me/", testChannelID, mockHTTP, tokenstore.NewMemoryStore())

	err := session.Send(context.Background(), login.Request{Method: http.MethodGet, Path: "v2/profile", Auth: login.AuthBearer}, nil)
	require.ErrorIs(t, err, login.ErrLackOfAccessToken)
}

func TestSession_RefreshOn401(t *testing.T) {
	firstCall := true
	mockHTTP := &mockHttpClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			if firstCall {
				firstCall = false
				require.Equal(t, "Bearer oldAccessToken", req.Header.Get("Authorization"))
				return jsonResponse(http.StatusUnauthorized, `{"message":"expired"}`), nil
			}
			require.Equal(t, "Bearer newAccessToken", req.Header.Get("Authorization"))
			return jsonResponse(http.StatusOK, `{"friendFlag":true}`), nil
		},
	}
	store := tokenstore.NewMemoryStore()
	require.NoError(t, store.SetCurrent(context.Background(), storedToken("oldAccessToken", "oldRefreshToken")))

	auth := &mockAuth{
		refreshFunc: func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
			require.Equal(t, "oldRefreshToken", refreshToken)
			return &oauth2.Token{AccessToken: "newAccessToken", TokenType: "Bearer"}, nil
		},
	}
	session := login.NewSession("https://api.line.me/", testChannelID, mockHTTP, store, login.WithAuthClient(auth))

	var status model.FriendshipStatus
	err := session.Send(context.Background(), login.Request{Method: http.MethodGet, Path: "friendship/v1/status", Auth: login.AuthBearer}, &status)
	require.NoError(t, err)
	assert.True(t, status.FriendFlag)

	current, err := store.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "newAccessToken", current.Value)
	// refresh token is carried over when the response omits it
	assert.Equal(t, "oldRefreshToken", current.RefreshToken)
}

func TestSession_RefreshFailure(t *testing.T) {
	mockHTTP := &mockHttpClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusUnauthorized, `{"message":"expired"}`), nil
		},
	}
	store := tokenstore.NewMemoryStore()
	require.NoError(t, store.SetCurrent(context.Background(), storedToken("old", "refresh")))
	auth := &mockAuth{
		refreshFunc: func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
			return nil, errors.New("refresh rejected")
		},
	}
	session := login.NewSession("https://api.line.me/", testChannelID, mockHTTP, store, login.WithAuthClient(auth))

	err := session.Send(context.Background(), login.Request{Method: http.MethodGet, Path: "v2/profile", Auth: login.AuthBearer}, nil)
	require.ErrorContains(t, err, "token refresh failed: refresh rejected")

	current, err := store.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "old", current.Value)
}

func TestSession_NoRefreshWithoutRefreshToken(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.SetCurrent(context.Background(), storedToken("unknown", "")))

	_, err := h.service.GetProfile(context.Background())
	require.True(t, common.IsStatus(err, http.StatusUnauthorized), "got %v", err)
	assert.Equal(t, 0, h.fake.callCount("/oauth2/v2.1/token"))
}

func TestSession_RefreshThroughTokenEndpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.SetCurrent(ctx, storedToken("expired", "r1")))
	h.fake.issueOnRefresh("r1", model.AccessToken{Value: "fresh", TokenType: "Bearer", RefreshToken: "r2", ExpiresIn: 2592000, Scope: "profile"})

	profile, err := h.service.GetProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Brown", profile.DisplayName)

	current, err := h.store.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fresh", current.Value)
	assert.Equal(t, "r2", current.RefreshToken)
	assert.Equal(t, int64(2592000), current.ExpiresIn)
	assert.Equal(t, "profile", current.Scope)
	assert.Equal(t, 2, h.fake.callCount("/v2/profile"))
}

func TestSession_ConcurrentRefreshCollapses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.SetCurrent(ctx, storedToken("expired", "r1")))
	h.fake.issueOnRefresh("r1", model.AccessToken{Value: "fresh", TokenType: "Bearer", RefreshToken: "r2", ExpiresIn: 3600})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.service.GetBotFriendshipStatus(ctx)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, h.fake.callCount("/oauth2/v2.1/token"))
}

func TestSession_RetriesIdempotentRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.SetCurrent(ctx, storedToken("good", "")))
	h.fake.accept("good")
	h.fake.failNext("/v2/profile", http.StatusServiceUnavailable, http.StatusBadGateway)

	profile, err := h.service.GetProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "U4af4980629", profile.UserID)
	assert.Equal(t, 3, h.fake.callCount("/v2/profile"))

	stats := h.session.Stats()
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(1), stats.Success)
	assert.Equal(t, int64(2), stats.Failed)
}

func TestSession_RetryAfterRefreshUsesNewToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.SetCurrent(ctx, storedToken("stale", "r1")))
	h.fake.issueOnRefresh("r1", model.AccessToken{Value: "fresh", TokenType: "Bearer", RefreshToken: "r2", ExpiresIn: 3600})
	// first attempt: 401, refresh, then 503 with the fresh token
	h.fake.failNext("/v2/profile", http.StatusUnauthorized, http.StatusServiceUnavailable)

	profile, err := h.service.GetProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Brown", profile.DisplayName)
	assert.Equal(t, 3, h.fake.callCount("/v2/profile"))
	assert.Equal(t, 1, h.fake.callCount("/oauth2/v2.1/token"))
}

func TestSession_RefreshUsesClock(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, login.WithClock(func() time.Time { return fixed }))
	ctx := context.Background()
	require.NoError(t, h.store.SetCurrent(ctx, storedToken("expired", "r1")))
	h.fake.issueOnRefresh("r1", model.AccessToken{Value: "fresh", TokenType: "Bearer", ExpiresIn: 3600})

	_, err := h.service.GetProfile(ctx)
	require.NoError(t, err)

	current, err := h.store.Current(ctx)
	require.NoError(t, err)
	assert.True(t, fixed.Equal(current.CreatedAt), "created at %v", current.CreatedAt)
	assert.Equal(t, int64(3600), current.ExpiresIn)
	assert.Equal(t, fixed.Add(time.Hour), current.ExpiresAt())
	assert.False(t, current.IsExpired(fixed))
	assert.True(t, current.IsExpired(fixed.Add(time.Hour)))
}

func TestSession_DoesNotRetryPosts(t *testing.T) {
	h := newHarness(t)
	h.fake.failNext("/oauth2/v2.1/token", http.StatusServiceUnavailable)

	_, err := h.service.RefreshAccessToken(context.Background(), "r1")
	require.True(t, common.IsStatus(err, http.StatusServiceUnavailable), "got %v", err)
	assert.Equal(t, 1, h.fake.callCount("/oauth2/v2.1/token"))
}

func TestSession_CachesPerToken(t *testing.T) {
	cache, err := common.NewCacheStore(1 << 20)
	require.NoError(t, err)
	t.Cleanup(cache.Close)

	h := newHarness(t, login.WithCache(cache, time.Minute))
	ctx := context.Background()
	h.fake.accept("first")
	h.fake.accept("second")

	require.NoError(t, h.store.SetCurrent(ctx, storedToken("first", "")))
	_, err = h.service.GetProfile(ctx)
	require.NoError(t, err)
	_, err = h.service.GetProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.fake.callCount("/v2/profile"))

	// a different token never sees the first token's entry
	require.NoError(t, h.store.SetCurrent(ctx, storedToken("second", "")))
	_, err = h.service.GetProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, h.fake.callCount("/v2/profile"))
}

func TestSession_CacheDisabledByZeroTTL(t *testing.T) {
	cache, err := common.NewCacheStore(1 << 20)
	require.NoError(t, err)
	t.Cleanup(cache.Close)

	h := newHarness(t, login.WithCache(cache, 0))
	ctx := context.Background()
	h.fake.accept("tok")
	require.NoError(t, h.store.SetCurrent(ctx, storedToken("tok", "")))

	for i := 0; i < 2; i++ {
		_, err := h.service.GetBotFriendshipStatus(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, h.fake.callCount("/friendship/v1/status"))
}

func TestSession_RefreshTokenAuthClient(t *testing.T) {
	h := newHarness(t)
	h.fake.issueOnRefresh("r1", model.AccessToken{Value: "fresh", TokenType: "Bearer", RefreshToken: "r2", ExpiresIn: 3600, IDToken: "id.jwt"})

	tok, err := h.session.RefreshToken(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok.AccessToken)
	assert.Equal(t, "r2", tok.RefreshToken)
	assert.Equal(t, "id.jwt", tok.Extra("id_token"))
	assert.WithinDuration(t, time.Now().Add(time.Hour), tok.Expiry, 5*time.Second)

	_, err = h.session.RefreshToken(context.Background(), "")
	require.ErrorIs(t, err, login.ErrLackOfRefreshToken)
}
