package login

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/guarzo/lineapi/common"
	"github.com/guarzo/lineapi/common/model"
	"github.com/guarzo/lineapi/common/tokenstore"
)

var (
	// ErrLackOfAccessToken is returned when a call needs an access token and none is available.
	ErrLackOfAccessToken = errors.New("no access token available")
	// ErrLackOfRefreshToken is returned when a refresh is needed and no refresh token is available.
	ErrLackOfRefreshToken = errors.New("no refresh token available")
)

// Sender executes request objects. *Session is the production implementation.
type Sender interface {
	Send(ctx context.Context, req Request, out interface{}) error
}

// Stats are per-session call counters.
type Stats struct {
	Total    int64
	Success  int64
	NotFound int64
	Failed   int64
}

// Session is the shared networking session: it signs bearer requests with the
// store's current token, refreshes on 401, retries idempotent calls and caches
// cacheable responses.
type Session struct {
	baseURL    string
	channelID  string
	httpClient common.HttpClient
	store      tokenstore.Store
	cache      common.CacheRepository
	cacheTTL   time.Duration
	authClient common.AuthClient
	now        func() time.Time

	refreshGroup singleflight.Group

	totalCalls    atomic.Int64
	successCount  atomic.Int64
	notFoundCount atomic.Int64
	failCount     atomic.Int64
}

type SessionOption func(*Session)

// WithCache enables response caching for cacheable requests. A ttl of 0 disables it.
func WithCache(cache common.CacheRepository, ttl time.Duration) SessionOption {
	return func(s *Session) {
		s.cache = cache
		s.cacheTTL = ttl
	}
}

// WithAuthClient replaces the refresher used on 401. By default the session
// refreshes through its own token endpoint.
func WithAuthClient(auth common.AuthClient) SessionOption {
	return func(s *Session) {
		s.authClient = auth
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) {
		s.now = now
	}
}

// NewSession creates a Session talking to baseURL (e.g. "https://api.line.me/").
func NewSession(baseURL, channelID string, httpClient common.HttpClient, store tokenstore.Store, opts ...SessionOption) *Session {
	s := &Session{
		baseURL:    baseURL,
		channelID:  channelID,
		httpClient: httpClient,
		store:      store,
		cache:      common.NopCache{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.authClient == nil {
		s.authClient = s
	}
	return s
}

// ---------------------------------------------------
// Sending
// ---------------------------------------------------

// Send executes req and decodes the JSON response into out (if out is non-nil).
func (s *Session) Send(ctx context.Context, req Request, out interface{}) error {
	data, err := s.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := model.JSONUnmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", req.Path, err)
	}
	return nil
}

type sendResult struct {
	data  []byte
	token *model.AccessToken
}

// Do executes req and returns the raw response body.
func (s *Session) Do(ctx context.Context, req Request) ([]byte, error) {
	urlStr, err := s.buildURL(req.Path, req.Query)
	if err != nil {
		return nil, err
	}

	var token *model.AccessToken
	if req.Auth == AuthBearer {
		token, err = s.store.Current(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load current token: %w", err)
		}
		if token == nil || token.Value == "" {
			return nil, ErrLackOfAccessToken
		}
	}

	useCache := req.Cacheable && s.cacheTTL > 0
	if useCache {
		if cached, found := s.cache.Get(buildCacheKey(req, token)); found {
			log.Debug().Str("path", req.Path).Msg("serving cached response")
			return cached, nil
		}
	}

	// a refresh inside one attempt carries over to the next retry
	current := token
	operation := func() (interface{}, error) {
		sent, err := s.doRequest(ctx, req, urlStr, current)
		if sent.token != nil {
			current = sent.token
		}
		if err != nil {
			return nil, err
		}
		return sent, nil
	}

	var result interface{}
	if req.Retryable {
		result, err = s.httpClient.RetryWithExponentialBackoff(ctx, operation)
	} else {
		result, err = operation()
	}
	if err != nil {
		return nil, err
	}

	sent := result.(sendResult)
	if useCache {
		// keyed by the token actually used, which differs from token after a refresh
		s.cache.Set(buildCacheKey(req, sent.token), sent.data, s.cacheTTL)
	}
	return sent.data, nil
}

// doRequest performs one attempt, with at most one refresh-and-retry on 401.
// The returned result carries the token last sent, also when err is an HTTPError.
func (s *Session) doRequest(ctx context.Context, req Request, urlStr string, token *model.AccessToken) (sendResult, error) {
	data, status, err := s.executeRequest(ctx, req, urlStr, token)
	if err != nil {
		return sendResult{}, err
	}

	if status == http.StatusUnauthorized && req.Auth == AuthBearer && canRefresh(token) {
		log.Warn().Str("path", req.Path).Msg("access token rejected, refreshing")
		newToken, refreshErr := s.refresh(ctx, token)
		if refreshErr != nil {
			return sendResult{}, fmt.Errorf("token refresh failed: %w", refreshErr)
		}
		token = newToken
		data, status, err = s.executeRequest(ctx, req, urlStr, token)
		if err != nil {
			return sendResult{token: token}, err
		}
	}

	s.totalCalls.Add(1)
	switch {
	case status == http.StatusNotFound:
		s.notFoundCount.Add(1)
	case status >= 200 && status < 300:
		s.successCount.Add(1)
	default:
		s.failCount.Add(1)
	}

	if status < 200 || status >= 300 {
		return sendResult{token: token}, &common.HTTPError{
			StatusCode: status,
			Body:       data,
		}
	}
	return sendResult{data: data, token: token}, nil
}

// executeRequest actually does the low-level HTTP
func (s *Session) executeRequest(ctx context.Context, req Request, urlStr string, token *model.AccessToken) ([]byte, int, error) {
	var body io.Reader
	if req.Form != nil {
		body = strings.NewReader(req.Form.Encode())
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, urlStr, body)
	if err != nil {
		return nil, 0, err
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Form != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if token != nil && token.Value != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token.Value)
	}

	start := s.now()
	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to execute request: %w", err)
	}
	data, err := common.ReadBody(resp)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	log.Debug().
		Str("method", req.Method).
		Str("path", req.Path).
		Int("status", resp.StatusCode).
		Dur("elapsed", s.now().Sub(start)).
		Msg("line api call")
	return data, resp.StatusCode, nil
}

// ---------------------------------------------------
// Token refresh
// ---------------------------------------------------

// refresh exchanges old's refresh token for a new token and stores it.
// Concurrent callers holding the same refresh token share one exchange.
func (s *Session) refresh(ctx context.Context, old *model.AccessToken) (*model.AccessToken, error) {
	v, err, _ := s.refreshGroup.Do(old.RefreshToken, func() (interface{}, error) {
		// someone else may have replaced the token since old was loaded
		if current, err := s.store.Current(ctx); err == nil && current != nil && current.Value != old.Value {
			return current, nil
		}

		tok, err := s.authClient.RefreshToken(ctx, old.RefreshToken)
		if err != nil {
			return nil, err
		}
		newToken := model.FromOAuth2(tok, s.now())
		if newToken.RefreshToken == "" {
			newToken.RefreshToken = old.RefreshToken
		}
		if err := s.store.SetCurrent(ctx, newToken); err != nil {
			return nil, fmt.Errorf("failed to store refreshed token: %w", err)
		}
		return newToken, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.AccessToken), nil
}

// RefreshToken implements common.AuthClient against the token endpoint.
func (s *Session) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, ErrLackOfRefreshToken
	}
	var token model.AccessToken
	if err := s.Send(ctx, newRefreshTokenRequest(s.channelID, refreshToken), &token); err != nil {
		return nil, err
	}
	token.CreatedAt = s.now()
	return token.OAuth2(), nil
}

// Stats returns a snapshot of the call counters.
func (s *Session) Stats() Stats {
	return Stats{
		Total:    s.totalCalls.Load(),
		Success:  s.successCount.Load(),
		NotFound: s.notFoundCount.Load(),
		Failed:   s.failCount.Load(),
	}
}

// ---------------------------------------------------
// Helpers
// ---------------------------------------------------

// buildURL merges baseURL + path + query
func (s *Session) buildURL(path string, query url.Values) (string, error) {
	base, err := url.Parse(s.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}

	fullURL := base.ResolveReference(ref)
	if len(query) > 0 {
		fullURL.RawQuery = query.Encode()
	}
	return fullURL.String(), nil
}

// buildCacheKey identifies a response by path, query and a fingerprint of the token.
func buildCacheKey(req Request, token *model.AccessToken) string {
	keys := make([]string, 0, len(req.Query))
	for k := range req.Query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var queryParams strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&queryParams, "&%s=%s", k, strings.Join(req.Query[k], ","))
	}
	return fmt.Sprintf("line:%s:%s:%s", req.Path, tokenFingerprint(token), queryParams.String())
}

func tokenFingerprint(token *model.AccessToken) string {
	if token == nil {
		return "anon"
	}
	sum := sha256.Sum256([]byte(token.Value))
	return hex.EncodeToString(sum[:8])
}

func canRefresh(token *model.AccessToken) bool {
	return token != nil && token.RefreshToken != ""
}
