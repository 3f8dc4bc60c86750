package lifecycle

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session is the signed-in user, as named by a bearer token.
type Session struct {
	UserID    string
	Token     string
	ExpiresAt time.Time
}

// Expired is true if the token has an expiry at or before now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

type sessionClaims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// SessionParser extracts Sessions from JWT bearer tokens. The user is the
// token's subject, or its user_id claim.
//
// Without keys, tokens are parsed without verifying their signature: the
// sync server authenticates every request, and the session only selects
// which local replica to open.
type SessionParser struct {
	keys jwt.VerificationKeySet
}

// NewSessionParser returns a parser verifying tokens with any of the given
// pre-shared keys, which are base64 encoded and separated by whitespace
// and/or commas. Empty keys disable verification.
func NewSessionParser(base64Keys string) (*SessionParser, error) {
	var p = new(SessionParser)

	for i, key := range strings.Fields(strings.ReplaceAll(base64Keys, ",", " ")) {
		if b, err := base64.StdEncoding.DecodeString(key); err != nil {
			return nil, fmt.Errorf("failed to decode session key at index %d: %w", i, err)
		} else {
			p.keys.Keys = append(p.keys.Keys, b)
		}
	}
	return p, nil
}

func (p *SessionParser) Parse(token string) (Session, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return Session{}, fmt.Errorf("empty session token")
	}

	var claims sessionClaims
	if len(p.keys.Keys) == 0 {
		if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
			return Session{}, fmt.Errorf("parsing session token: %w", err)
		}
	} else if _, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (interface{}, error) { return p.keys, nil },
		jwt.WithLeeway(time.Second*5),
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
	); err != nil {
		return Session{}, fmt.Errorf("verifying session token: %w", err)
	}

	var s = Session{UserID: strings.TrimSpace(claims.Subject), Token: token}
	if s.UserID == "" {
		s.UserID = strings.TrimSpace(claims.UserID)
	}
	if s.UserID == "" {
		return Session{}, fmt.Errorf("session token names no user")
	}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	return s, nil
}
