package model

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// JSONUnmarshal is the single decode point for API payloads.
func JSONUnmarshal(data []byte, out interface{}) error {
	return json.Unmarshal(data, out)
}

// ----------------------------------------------------------------------
// Token endpoint payloads
// ----------------------------------------------------------------------

// AccessToken is the token set issued by the token endpoint.
type AccessToken struct {
	Value        string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int64     `json:"expires_in"`
	Scope        string    `json:"scope"`
	IDToken      string    `json:"id_token,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Permissions splits the space-separated scope string.
func (t *AccessToken) Permissions() []string {
	return strings.Fields(t.Scope)
}

// ExpiresAt is CreatedAt + ExpiresIn. Zero if either is unknown.
func (t *AccessToken) ExpiresAt() time.Time {
	if t.CreatedAt.IsZero() || t.ExpiresIn <= 0 {
		return time.Time{}
	}
	return t.CreatedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// IsExpired reports whether the token is past its expiry at now.
// Tokens without a known expiry are never considered expired.
func (t *AccessToken) IsExpired(now time.Time) bool {
	exp := t.ExpiresAt()
	return !exp.IsZero() && !now.Before(exp)
}

// OAuth2 converts the token to an *oauth2.Token, carrying scope and ID token as extras.
func (t *AccessToken) OAuth2() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  t.Value,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
		Expiry:       t.ExpiresAt(),
	}
	extra := map[string]interface{}{}
	if t.IDToken != "" {
		extra["id_token"] = t.IDToken
	}
	if t.Scope != "" {
		extra["scope"] = t.Scope
	}
	if len(extra) > 0 {
		tok = tok.WithExtra(extra)
	}
	return tok
}

// FromOAuth2 builds an AccessToken from an *oauth2.Token.
func FromOAuth2(tok *oauth2.Token, now time.Time) *AccessToken {
	if tok == nil {
		return nil
	}
	t := &AccessToken{
		Value:        tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		CreatedAt:    now,
	}
	if !tok.Expiry.IsZero() {
		t.ExpiresIn = int64(math.Round(tok.Expiry.Sub(now).Seconds()))
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		t.IDToken = idToken
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		t.Scope = scope
	}
	return t
}

// AccessTokenVerifyResult is returned by the verify endpoint.
type AccessTokenVerifyResult struct {
	ChannelID string `json:"client_id"`
	Scope     string `json:"scope"`
	ExpiresIn int64  `json:"expires_in"`
}

// Permissions splits the space-separated scope string.
func (r *AccessTokenVerifyResult) Permissions() []string {
	return strings.Fields(r.Scope)
}

// ----------------------------------------------------------------------
// Social API payloads
// ----------------------------------------------------------------------

// UserProfile is the profile of the user the current token belongs to.
type UserProfile struct {
	UserID        string `json:"userId"`
	DisplayName   string `json:"displayName"`
	PictureURL    string `json:"pictureUrl,omitempty"`
	StatusMessage string `json:"statusMessage,omitempty"`
}

// FriendshipStatus tells whether the user has added the channel's linked bot as a friend.
type FriendshipStatus struct {
	FriendFlag bool `json:"friendFlag"`
}

// Status bundles profile and friendship status.
type Status struct {
	Profile    *UserProfile      `json:"profile"`
	Friendship *FriendshipStatus `json:"friendship"`
}

// APIError is the error body returned by the platform. OAuth endpoints use
// error/error_description, the social endpoints use message.
type APIError struct {
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
	Message          string `json:"message,omitempty"`
}

// Text returns the most descriptive message available.
func (e *APIError) Text() string {
	switch {
	case e.ErrorDescription != "" && e.Error != "":
		return e.Error + ": " + e.ErrorDescription
	case e.Error != "":
		return e.Error
	default:
		return e.Message
	}
}

// ----------------------------------------------------------------------
// ID token
// ----------------------------------------------------------------------

// IDTokenClaims are the claims carried by an ID token.
type IDTokenClaims struct {
	Issuer   string    `json:"iss"`
	Subject  string    `json:"sub"`
	Audience string    `json:"aud"`
	Expiry   time.Time `json:"exp"`
	IssuedAt time.Time `json:"iat"`
	Nonce    string    `json:"nonce,omitempty"`
	AMR      []string  `json:"amr,omitempty"`
	Name     string    `json:"name,omitempty"`
	Picture  string    `json:"picture,omitempty"`
	Email    string    `json:"email,omitempty"`
}
