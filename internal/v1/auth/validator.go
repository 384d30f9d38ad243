// Package auth validates session tokens for the websocket handshake and for
// in-flight revalidation by the connection health monitor.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"

	"github.com/arkhamlabs/mudcore/internal/v1/logging"
	"github.com/arkhamlabs/mudcore/internal/v1/types"
)

// CustomClaims is the JWT claim set issued by the account service. Subject is
// the player id; Name is the in-game display name.
type CustomClaims struct {
	Scope string `json:"scope"`
	Name  string `json:"name,omitempty"`
	Admin bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// Validator validates tokens against the account service JWKS endpoint. It
// satisfies types.TokenValidator.
type Validator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience []string
}

// NewValidator builds a Validator backed by a refreshing JWKS cache for the
// given domain. The initial key fetch happens here so misconfiguration fails
// at startup instead of on the first handshake.
func NewValidator(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*Validator, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer URL: %w", err)
	}

	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)

	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
	opts = append(opts, regOpts...)

	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}

	// Fetch the keys once up front to ensure connectivity.
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}

		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}

		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}

		return pubKey, nil
	}

	return &Validator{
		keyFunc:  keyFunc,
		issuer:   issuerURL.String(),
		audience: []string{audience},
	}, nil
}

// ValidateToken parses and verifies a token and maps its claims onto the
// shared TokenClaims record. Expired or revoked tokens return
// types.ErrAuthRevoked so callers can distinguish auth failure from transport
// failure.
func (v *Validator) ValidateToken(ctx context.Context, tokenString string) (*types.TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, v.keyFunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience[0]),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: token expired", types.ErrAuthRevoked)
		}
		return nil, fmt.Errorf("%w: %v", types.ErrAuthRevoked, err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("%w: token invalid", types.ErrAuthRevoked)
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims shape", types.ErrAuthRevoked)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token missing subject", types.ErrAuthRevoked)
	}

	out := &types.TokenClaims{
		PlayerID:    types.PlayerID(claims.Subject),
		DisplayName: claims.Name,
		Admin:       claims.Admin,
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	if out.DisplayName == "" {
		out.DisplayName = claims.Subject
	}
	return out, nil
}

// MockValidator is a development-only validator that accepts any well-formed
// token without signature verification. Never wire it in production.
type MockValidator struct{}

// ValidateToken decodes the payload segment of the token to keep player ids
// consistent between client and server during local development.
func (m *MockValidator) ValidateToken(ctx context.Context, tokenString string) (*types.TokenClaims, error) {
	var subject, name string
	var admin bool

	parts := strings.Split(tokenString, ".")
	if len(parts) == 3 {
		payload, err := base64.RawURLEncoding.DecodeString(parts[1])
		if err == nil {
			var claims map[string]interface{}
			if json.Unmarshal(payload, &claims) == nil {
				if sub, ok := claims["sub"].(string); ok {
					subject = sub
				}
				if n, ok := claims["name"].(string); ok {
					name = n
				}
				if a, ok := claims["admin"].(bool); ok {
					admin = a
				}
			}
		}
	}

	if subject == "" {
		subject = "dev-player-123"
	}
	if name == "" {
		name = "Dev Player"
	}

	logging.Debug(ctx, "mock validator accepted token",
		zap.String("subject", subject), zap.String("name", name))

	return &types.TokenClaims{
		PlayerID:    types.PlayerID(subject),
		DisplayName: name,
		Admin:       admin,
		ExpiresAt:   time.Now().Add(24 * time.Hour),
	}, nil
}
