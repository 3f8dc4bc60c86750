package httpapi

import (
	"strings"
	"time"

	"github.com/agentworkforce/replica/internal/lifecycle"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeBearer admits requests whose bearer token names the user of the
// current replica. Tokens of other users are forbidden, whether or not a
// replica is open.
func authorizeBearer(authHeader string, sessions *lifecycle.SessionParser, replica Replica, now time.Time) (lifecycle.Session, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return lifecycle.Session{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	session, err := sessions.Parse(strings.TrimPrefix(authHeader, "Bearer "))
	if err != nil {
		return lifecycle.Session{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "invalid token",
		}
	}
	if session.Expired(now) {
		return lifecycle.Session{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "token expired",
		}
	}
	if _, userID := replica.State(); userID != session.UserID {
		return lifecycle.Session{}, &authError{
			status:  403,
			code:    "forbidden",
			message: "token does not name the replica's user",
		}
	}
	return session, nil
}
