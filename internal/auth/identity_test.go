// ABOUTME: Tests for JWT-backed identities and the static identity provider
// ABOUTME: Covers token caching, refresh near expiry and sign-in/sign-out

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTIdentity_CachesToken(t *testing.T) {
	signer := NewSigner(testSecret)
	id := NewJWTIdentity("acct", signer, time.Hour)

	first, err := id.Token(context.Background())
	require.NoError(t, err)
	second, err := id.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)

	sub, err := signer.Verify(first)
	require.NoError(t, err)
	assert.Equal(t, "acct", sub)
}

func TestJWTIdentity_RefreshesNearExpiry(t *testing.T) {
	now := time.Now()
	signer := NewSigner(testSecret)
	signer.now = func() time.Time { return now }
	id := NewJWTIdentity("acct", signer, time.Minute)

	first, err := id.Token(context.Background())
	require.NoError(t, err)

	now = now.Add(45 * time.Second)
	second, err := id.Token(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "token inside the refresh margin must be replaced")
}

func TestJWTIdentity_FailsWithoutSecret(t *testing.T) {
	id := NewJWTIdentity("acct", NewSigner(nil), time.Hour)
	_, err := id.Token(context.Background())
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestJWTIdentity_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewJWTIdentity("acct", NewSigner(testSecret), time.Hour).Token(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStaticProvider_SignInOut(t *testing.T) {
	p := NewStaticProvider(nil)
	assert.Nil(t, p.Current())
	assert.Equal(t, "", Owner(p.Current()))

	p.Set(NewJWTIdentity("acct", NewSigner(testSecret), time.Hour))
	require.NotNil(t, p.Current())
	assert.Equal(t, "acct", Owner(p.Current()))

	p.Set(nil)
	assert.Nil(t, p.Current())
}
