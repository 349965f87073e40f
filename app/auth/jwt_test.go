package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wallfetch/app/config"
)

func TestGenerateAndValidate(t *testing.T) {
	svc := NewJWTService(config.JWTConfig{Secret: "s3cret", ExpireTime: 1, Issuer: "wallfetch"})

	token, err := svc.GenerateToken("admin")
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Username)
	assert.Equal(t, "wallfetch", claims.Issuer)
}

func TestValidateRejects(t *testing.T) {
	svc := NewJWTService(config.JWTConfig{Secret: "s3cret", ExpireTime: 1, Issuer: "wallfetch"})
	token, err := svc.GenerateToken("admin")
	require.NoError(t, err)

	other := NewJWTService(config.JWTConfig{Secret: "other", ExpireTime: 1, Issuer: "wallfetch"})
	_, err = other.ValidateToken(token)
	assert.Error(t, err)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = svc.ValidateToken(token)
	assert.Error(t, err)

	_, err = svc.ValidateToken("not-a-token")
	assert.Error(t, err)
}
