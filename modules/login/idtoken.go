package login

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/guarzo/lineapi/common"
	"github.com/guarzo/lineapi/common/model"
)

var (
	ErrInvalidIDToken     = errors.New("invalid id token")
	ErrIDTokenNonce       = errors.New("id token nonce mismatch")
	ErrIDTokenUnknownKey  = errors.New("id token signed with unknown key")
	ErrIDTokenNoSecret    = errors.New("channel secret required for HS256 id tokens")
	errUnexpectedJWKSType = errors.New("jwks key is not an ECDSA public key")
)

// IDTokenConfig configures an IDTokenVerifier.
type IDTokenConfig struct {
	ChannelID     string
	ChannelSecret string
	// Issuer is the expected iss claim, e.g. "https://access.line.me".
	Issuer string
	// APIBaseURL is where the JWKS is served from (oauth2/v2.1/certs).
	APIBaseURL string
	// MinRefetchInterval bounds how often an unknown kid may trigger a JWKS
	// refetch. Zero means DefaultJWKSRefetchInterval.
	MinRefetchInterval time.Duration
}

// DefaultJWKSRefetchInterval is the minimum time between two JWKS fetches.
const DefaultJWKSRefetchInterval = time.Minute

// IDTokenVerifier checks ID tokens returned alongside access tokens. HS256
// tokens are checked with the channel secret, ES256 tokens against the
// platform's published keys.
type IDTokenVerifier struct {
	cfg        IDTokenConfig
	httpClient common.HttpClient
	now        func() time.Time

	mu        sync.Mutex
	keys      *jose.JSONWebKeySet
	lastFetch time.Time
}

// NewIDTokenVerifier returns a verifier for cfg. The JWKS is fetched through
// httpClient on first use of an ES256 token.
func NewIDTokenVerifier(cfg IDTokenConfig, httpClient common.HttpClient) *IDTokenVerifier {
	if cfg.MinRefetchInterval <= 0 {
		cfg.MinRefetchInterval = DefaultJWKSRefetchInterval
	}
	return &IDTokenVerifier{
		cfg:        cfg,
		httpClient: httpClient,
		now:        time.Now,
	}
}

type idTokenClaims struct {
	jwt.RegisteredClaims
	Nonce   string   `json:"nonce,omitempty"`
	AMR     []string `json:"amr,omitempty"`
	Name    string   `json:"name,omitempty"`
	Picture string   `json:"picture,omitempty"`
	Email   string   `json:"email,omitempty"`
}

// Verify validates signature, issuer, audience and expiry. If nonce is not
// empty it must match the token's nonce claim.
func (v *IDTokenVerifier) Verify(ctx context.Context, raw, nonce string) (*model.IDTokenClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.ChannelID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)

	var claims idTokenClaims
	if _, err := parser.ParseWithClaims(raw, &claims, v.keyFunc(ctx)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidIDToken, err)
	}
	if nonce != "" && claims.Nonce != nonce {
		return nil, ErrIDTokenNonce
	}

	out := &model.IDTokenClaims{
		Issuer:  claims.Issuer,
		Subject: claims.Subject,
		Nonce:   claims.Nonce,
		AMR:     claims.AMR,
		Name:    claims.Name,
		Picture: claims.Picture,
		Email:   claims.Email,
	}
	if len(claims.Audience) > 0 {
		out.Audience = claims.Audience[0]
	}
	if claims.ExpiresAt != nil {
		out.Expiry = claims.ExpiresAt.Time
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	return out, nil
}

func (v *IDTokenVerifier) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		switch token.Method.Alg() {
		case jwt.SigningMethodHS256.Alg():
			if v.cfg.ChannelSecret == "" {
				return nil, ErrIDTokenNoSecret
			}
			return []byte(v.cfg.ChannelSecret), nil
		case jwt.SigningMethodES256.Alg():
			kid, _ := token.Header["kid"].(string)
			return v.publicKey(ctx, kid)
		}
		return nil, fmt.Errorf("unexpected signing method %q", token.Method.Alg())
	}
}

// publicKey looks kid up in the cached JWKS. A miss refetches the set, at most
// once per MinRefetchInterval.
func (v *IDTokenVerifier) publicKey(ctx context.Context, kid string) (*ecdsa.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.keys != nil {
		if pub, ok, err := lookupKey(v.keys, kid); ok || err != nil {
			return pub, err
		}
		if v.now().Sub(v.lastFetch) < v.cfg.MinRefetchInterval {
			return nil, fmt.Errorf("%w: kid %q", ErrIDTokenUnknownKey, kid)
		}
	}

	keys, err := v.fetchKeys(ctx)
	if err != nil {
		return nil, err
	}
	v.keys = keys
	v.lastFetch = v.now()

	pub, ok, err := lookupKey(keys, kid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: kid %q", ErrIDTokenUnknownKey, kid)
	}
	return pub, nil
}

func lookupKey(keys *jose.JSONWebKeySet, kid string) (*ecdsa.PublicKey, bool, error) {
	found := keys.Key(kid)
	if len(found) == 0 {
		return nil, false, nil
	}
	pub, ok := found[0].Key.(*ecdsa.PublicKey)
	if !ok {
		return nil, false, errUnexpectedJWKSType
	}
	return pub, true, nil
}

func (v *IDTokenVerifier) fetchKeys(ctx context.Context) (*jose.JSONWebKeySet, error) {
	base, err := url.Parse(v.cfg.APIBaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	certsURL := base.ResolveReference(&url.URL{Path: certsPath})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, certsURL.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch jwks: %w", err)
	}
	data, err := common.ReadBody(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &common.HTTPError{StatusCode: resp.StatusCode, Body: data}
	}

	var keys jose.JSONWebKeySet
	if err := model.JSONUnmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("failed to decode jwks: %w", err)
	}
	log.Debug().Int("keys", len(keys.Keys)).Msg("fetched id token signing keys")
	return &keys, nil
}
