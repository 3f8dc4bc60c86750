package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// SessionWatcher follows a session file holding the bearer token of the
// signed-in user. A token of a new user initializes that user's replica,
// and a missing, empty or expired token tears the replica down.
type SessionWatcher struct {
	path    string
	manager *Manager
	parser  *SessionParser
	log     log.FieldLogger
	now     func() time.Time

	mu      sync.Mutex
	session Session
}

func NewSessionWatcher(path string, manager *Manager, parser *SessionParser, logger log.FieldLogger) (*SessionWatcher, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("session file is required")
	}
	if manager == nil {
		return nil, fmt.Errorf("manager is required")
	}
	if parser == nil {
		parser = new(SessionParser)
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return &SessionWatcher{
		path:    abs,
		manager: manager,
		parser:  parser,
		log:     logger.WithField("session", abs),
		now:     time.Now,
	}, nil
}

// Token returns the bearer token of the current session, or "" when signed
// out. It serves as the TokenSource of sync transports.
func (w *SessionWatcher) Token(context.Context) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.session.Token == "" || w.session.Expired(w.now()) {
		return "", nil
	}
	return w.session.Token, nil
}

// Session returns the current session.
func (w *SessionWatcher) Session() Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.session
}

// Sync reads the session file and brings the manager in line with it.
func (w *SessionWatcher) Sync(ctx context.Context) error {
	var session, err = w.read()
	if err != nil {
		w.log.WithField("err", err).Warn("invalid session; signing out")
	}

	w.mu.Lock()
	var previous = w.session
	w.session = session
	w.mu.Unlock()

	if session.UserID == "" {
		if previous.UserID != "" {
			w.log.WithField("user", previous.UserID).Info("signed out")
		}
		return w.manager.Teardown(ctx)
	}
	if previous.UserID != session.UserID {
		w.log.WithFields(log.Fields{"user": session.UserID, "previous": previous.UserID}).Info("signed in")
	}
	_, err = w.manager.EnsureInitialized(ctx, session.UserID)
	if errors.Is(err, ErrSuperseded) {
		return nil
	}
	return err
}

func (w *SessionWatcher) read() (Session, error) {
	var b, err = os.ReadFile(w.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Session{}, nil
	} else if err != nil {
		return Session{}, err
	}
	var token = strings.TrimSpace(string(b))
	if token == "" {
		return Session{}, nil
	}
	session, err := w.parser.Parse(token)
	if err != nil {
		return Session{}, err
	}
	if session.Expired(w.now()) {
		return Session{}, fmt.Errorf("session of %s expired at %s", session.UserID, session.ExpiresAt.Format(time.RFC3339))
	}
	return session, nil
}

// Run syncs the session now and whenever its file changes or its token
// expires, until ctx is done. Sync failures are logged and retried on the
// next change.
func (w *SessionWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory, as editors and atomic writers replace the file.
	if err = watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(w.path), err)
	}

	var expiry *time.Timer
	var resync = func() {
		if err := w.Sync(ctx); err != nil && ctx.Err() == nil {
			w.log.WithField("err", err).Error("failed to sync session")
		}
		if expiry != nil {
			expiry.Stop()
			expiry = nil
		}
		if at := w.Session().ExpiresAt; !at.IsZero() {
			expiry = time.NewTimer(time.Until(at))
		}
	}
	var expired = func() <-chan time.Time {
		if expiry == nil {
			return nil
		}
		return expiry.C
	}

	resync()
	for {
		select {
		case <-ctx.Done():
			if expiry != nil {
				expiry.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.log.WithField("op", ev.Op.String()).Debug("session file changed")
			resync()
		case <-expired():
			expiry = nil
			w.log.Info("session token expired")
			resync()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.WithField("err", err).Warn("session watcher error")
		}
	}
}
