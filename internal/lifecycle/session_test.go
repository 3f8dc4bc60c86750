package lifecycle

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, key []byte, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func TestParseUnverifiedSession(t *testing.T) {
	var exp = time.Now().Add(time.Hour).Truncate(time.Second)
	var token = signToken(t, []byte("anything"), sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", ExpiresAt: jwt.NewNumericDate(exp)},
	})

	var parser = new(SessionParser)
	session, err := parser.Parse("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", session.UserID)
	assert.Equal(t, token, session.Token)
	assert.True(t, exp.Equal(session.ExpiresAt))
	assert.False(t, session.Expired(time.Now()))
	assert.True(t, session.Expired(exp))

	// The user_id claim is used when there's no subject.
	token = signToken(t, []byte("anything"), sessionClaims{UserID: "user-2"})
	session, err = parser.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "user-2", session.UserID)
	assert.True(t, session.ExpiresAt.IsZero())
	assert.False(t, session.Expired(time.Now()))

	_, err = parser.Parse(signToken(t, []byte("anything"), sessionClaims{}))
	assert.EqualError(t, err, "session token names no user")

	_, err = parser.Parse("not-a-jwt")
	assert.Error(t, err)
	_, err = parser.Parse("  ")
	assert.EqualError(t, err, "empty session token")
}

func TestParseVerifiedSession(t *testing.T) {
	var key1, key2 = []byte("first secret key"), []byte("second secret key")
	parser, err := NewSessionParser(base64.StdEncoding.EncodeToString(key1) + ", " + base64.StdEncoding.EncodeToString(key2))
	require.NoError(t, err)

	var claims = sessionClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"}}

	for _, key := range [][]byte{key1, key2} {
		session, err := parser.Parse(signToken(t, key, claims))
		require.NoError(t, err)
		assert.Equal(t, "user-1", session.UserID)
	}

	_, err = parser.Parse(signToken(t, []byte("some other key"), claims))
	assert.ErrorContains(t, err, "verifying session token")

	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	_, err = parser.Parse(signToken(t, key1, claims))
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	_, err = NewSessionParser("not base64!")
	assert.ErrorContains(t, err, "failed to decode session key at index 0")
}
