package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkhamlabs/mudcore/internal/v1/types"
)

const (
	testIssuer   = "https://accounts.test/"
	testAudience = "mudcore"
)

var testSecret = []byte("unit-test-secret")

// testValidator bypasses JWKS by signing with a shared HMAC secret.
func testValidator() *Validator {
	return &Validator{
		keyFunc: func(token *jwt.Token) (interface{}, error) {
			return testSecret, nil
		},
		issuer:   testIssuer,
		audience: []string{testAudience},
	}
}

func signToken(t *testing.T, claims *CustomClaims) string {
	t.Helper()
	claims.Issuer = testIssuer
	claims.Audience = jwt.ClaimStrings{testAudience}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(testSecret)
	require.NoError(t, err)
	return signed
}

func TestValidateToken_MapsClaims(t *testing.T) {
	v := testValidator()
	claims := &CustomClaims{
		Name:  "Alice",
		Admin: true,
	}
	claims.Subject = "alice"
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))

	got, err := v.ValidateToken(context.Background(), signToken(t, claims))
	require.NoError(t, err)
	assert.Equal(t, types.PlayerID("alice"), got.PlayerID)
	assert.Equal(t, "Alice", got.DisplayName)
	assert.True(t, got.Admin)
	assert.WithinDuration(t, time.Now().Add(time.Hour), got.ExpiresAt, time.Minute)
}

func TestValidateToken_MissingNameFallsBackToSubject(t *testing.T) {
	v := testValidator()
	claims := &CustomClaims{}
	claims.Subject = "bob"
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))

	got, err := v.ValidateToken(context.Background(), signToken(t, claims))
	require.NoError(t, err)
	assert.Equal(t, "bob", got.DisplayName)
}

func TestValidateToken_ExpiredReturnsAuthRevoked(t *testing.T) {
	v := testValidator()
	claims := &CustomClaims{}
	claims.Subject = "alice"
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	_, err := v.ValidateToken(context.Background(), signToken(t, claims))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrAuthRevoked))
}

func TestValidateToken_MissingSubjectRejected(t *testing.T) {
	v := testValidator()
	claims := &CustomClaims{Name: "Nobody"}
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))

	_, err := v.ValidateToken(context.Background(), signToken(t, claims))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrAuthRevoked))
}

func TestValidateToken_GarbageRejected(t *testing.T) {
	v := testValidator()
	_, err := v.ValidateToken(context.Background(), "not-a-token")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrAuthRevoked))
}

func TestValidateToken_WrongAudienceRejected(t *testing.T) {
	v := testValidator()
	claims := &CustomClaims{}
	claims.Subject = "alice"
	claims.Issuer = testIssuer
	claims.Audience = jwt.ClaimStrings{"other-service"}
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(testSecret)
	require.NoError(t, err)

	_, err = v.ValidateToken(context.Background(), signed)
	require.Error(t, err)
}

func TestMockValidator_ParsesPayload(t *testing.T) {
	claims := &CustomClaims{Name: "Alice", Admin: true}
	claims.Subject = "alice"
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("whatever"))
	require.NoError(t, err)

	got, err := (&MockValidator{}).ValidateToken(context.Background(), signed)
	require.NoError(t, err)
	assert.Equal(t, types.PlayerID("alice"), got.PlayerID)
	assert.Equal(t, "Alice", got.DisplayName)
	assert.True(t, got.Admin)
}

func TestMockValidator_FallsBackOnGarbage(t *testing.T) {
	got, err := (&MockValidator{}).ValidateToken(context.Background(), "garbage")
	require.NoError(t, err)
	assert.Equal(t, types.PlayerID("dev-player-123"), got.PlayerID)
	assert.Equal(t, "Dev Player", got.DisplayName)
}
