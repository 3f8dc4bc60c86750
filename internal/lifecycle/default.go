package lifecycle

import (
	"context"
	"errors"
	"sync"
)

// ErrNoManager is returned by the package-level functions before SetDefault.
var ErrNoManager = errors.New("no default replica manager")

var (
	defaultMu      sync.Mutex
	defaultManager *Manager
)

// SetDefault installs the process-wide Manager used by InitReplica,
// CleanupReplica and IsReplicaReady.
func SetDefault(m *Manager) {
	defaultMu.Lock()
	defaultManager = m
	defaultMu.Unlock()
}

func Default() *Manager {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultManager
}

// InitReplica ensures the default Manager's replica is that of userID.
func InitReplica(ctx context.Context, userID string) (*ReplicaClient, error) {
	var m = Default()
	if m == nil {
		return nil, ErrNoManager
	}
	return m.EnsureInitialized(ctx, userID)
}

// CleanupReplica tears down the default Manager's replica.
func CleanupReplica(ctx context.Context) error {
	var m = Default()
	if m == nil {
		return nil
	}
	return m.Teardown(ctx)
}

func IsReplicaReady() bool {
	var m = Default()
	return m != nil && m.IsReady()
}
