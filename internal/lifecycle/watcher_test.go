package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSession(t *testing.T, path, userID string, exp time.Time) string {
	t.Helper()
	var claims = sessionClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: userID}}
	if !exp.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(exp)
	}
	var token = signToken(t, []byte("key"), claims)
	require.NoError(t, os.WriteFile(path, []byte(token+"\n"), 0o600))
	return token
}

func assertState(t *testing.T, m *Manager, state State, userID string) {
	t.Helper()
	var gotState, gotUser = m.State()
	assert.Equal(t, state, gotState)
	assert.Equal(t, userID, gotUser)
}

func TestSessionWatcherSync(t *testing.T) {
	var ctx = context.Background()
	var h = newStoreHarness(t)
	var m = h.manager(nil)
	var path = filepath.Join(t.TempDir(), "session")
	var logger, _ = logtest.NewNullLogger()

	w, err := NewSessionWatcher(path, m, nil, logger)
	require.NoError(t, err)

	// No session file: signed out.
	require.NoError(t, w.Sync(ctx))
	assertState(t, m, StateEmpty, "")
	token, err := w.Token(ctx)
	require.NoError(t, err)
	assert.Empty(t, token)

	var issued = writeSession(t, path, "user-1", time.Now().Add(time.Hour))
	require.NoError(t, w.Sync(ctx))
	assertState(t, m, StateReady, "user-1")
	token, err = w.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, issued, token)
	assert.Equal(t, "user-1", w.Session().UserID)

	writeSession(t, path, "user-2", time.Time{})
	require.NoError(t, w.Sync(ctx))
	assertState(t, m, StateReady, "user-2")
	assert.Equal(t, []string{"user-1"}, h.destroyedUsers())

	// An expired token signs out.
	writeSession(t, path, "user-2", time.Now().Add(-time.Minute))
	require.NoError(t, w.Sync(ctx))
	assertState(t, m, StateEmpty, "")
	assert.Empty(t, w.Session().UserID)

	writeSession(t, path, "user-3", time.Time{})
	require.NoError(t, w.Sync(ctx))
	assertState(t, m, StateReady, "user-3")

	require.NoError(t, os.Remove(path))
	require.NoError(t, w.Sync(ctx))
	assertState(t, m, StateEmpty, "")
	assert.Equal(t, []string{"user-1", "user-2", "user-3"}, h.destroyedUsers())
}

func TestSessionWatcherFollowsFileChanges(t *testing.T) {
	var h = newStoreHarness(t)
	var m = h.manager(nil)
	var path = filepath.Join(t.TempDir(), "session")
	var logger, _ = logtest.NewNullLogger()

	writeSession(t, path, "user-1", time.Time{})

	w, err := NewSessionWatcher(path, m, nil, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var done = make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	var inState = func(state State, userID string) func() bool {
		return func() bool {
			var s, u = m.State()
			return s == state && u == userID
		}
	}
	require.Eventually(t, inState(StateReady, "user-1"), 5*time.Second, 10*time.Millisecond)

	writeSession(t, path, "user-2", time.Time{})
	require.Eventually(t, inState(StateReady, "user-2"), 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, inState(StateEmpty, ""), 5*time.Second, 10*time.Millisecond)

	// A token expiring while signed in is noticed without a file change.
	writeSession(t, path, "user-3", time.Now().Add(1500*time.Millisecond))
	require.Eventually(t, inState(StateReady, "user-3"), 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, inState(StateEmpty, ""), 10*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestNewSessionWatcherValidates(t *testing.T) {
	_, err := NewSessionWatcher("", new(Manager), nil, nil)
	assert.EqualError(t, err, "session file is required")
	_, err = NewSessionWatcher("session", nil, nil, nil)
	assert.EqualError(t, err, "manager is required")
}
