package login

import (
	"net/http"
	"net/url"
)

// AuthMode selects how a request is authorized.
type AuthMode int

const (
	// AuthNone sends no Authorization header. Credentials travel in the form or query.
	AuthNone AuthMode = iota
	// AuthBearer sends the store's current access token.
	AuthBearer
)

// Request describes one API call. The Session turns it into an *http.Request.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Form   url.Values
	Auth   AuthMode
	// Retryable requests are retried on transient 5xx responses.
	Retryable bool
	// Cacheable responses are kept per token for the session's cache TTL.
	Cacheable bool
}

const (
	tokenPath      = "oauth2/v2.1/token"
	revokePath     = "oauth2/v2.1/revoke"
	verifyPath     = "oauth2/v2.1/verify"
	certsPath      = "oauth2/v2.1/certs"
	profilePath    = "v2/profile"
	friendshipPath = "friendship/v1/status"
)

func newRefreshTokenRequest(channelID, refreshToken string) Request {
	return Request{
		Method: http.MethodPost,
		Path:   tokenPath,
		Form: url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {refreshToken},
			"client_id":     {channelID},
		},
	}
}

func newRevokeTokenRequest(channelID, accessToken string) Request {
	return Request{
		Method: http.MethodPost,
		Path:   revokePath,
		Form: url.Values{
			"client_id":    {channelID},
			"access_token": {accessToken},
		},
	}
}

func newVerifyTokenRequest(accessToken string) Request {
	return Request{
		Method:    http.MethodGet,
		Path:      verifyPath,
		Query:     url.Values{"access_token": {accessToken}},
		Retryable: true,
	}
}

func newGetProfileRequest() Request {
	return Request{
		Method:    http.MethodGet,
		Path:      profilePath,
		Auth:      AuthBearer,
		Retryable: true,
		Cacheable: true,
	}
}

func newGetBotFriendshipStatusRequest() Request {
	return Request{
		Method:    http.MethodGet,
		Path:      friendshipPath,
		Auth:      AuthBearer,
		Retryable: true,
		Cacheable: true,
	}
}
