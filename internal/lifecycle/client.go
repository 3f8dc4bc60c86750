package lifecycle

import (
	"context"
	"errors"

	"github.com/agentworkforce/replica/internal/replicastore"
	"github.com/agentworkforce/replica/internal/shapesync"
)

// ReplicaClient is the replica of one user, as initialized by a Manager. Its
// methods fail with ErrNotReady once the replica is no longer current.
type ReplicaClient struct {
	manager    *Manager
	userID     string
	generation uint64
	store      replicastore.Store
	engine     *shapesync.Engine
}

func (c *ReplicaClient) UserID() string { return c.userID }

// Generation distinguishes successive replicas of the same user.
func (c *ReplicaClient) Generation() uint64 { return c.generation }

func (c *ReplicaClient) Store() replicastore.Store { return c.store }

func (c *ReplicaClient) Engine() *shapesync.Engine { return c.engine }

// Current is true while this is the manager's Ready replica.
func (c *ReplicaClient) Current() bool { return c.manager.isCurrent(c) }

func (c *ReplicaClient) OpenShape(ctx context.Context, def shapesync.ShapeDefinition) (*shapesync.Subscription, error) {
	if !c.Current() {
		return nil, ErrNotReady
	}
	sub, err := c.engine.OpenShape(ctx, def)
	return sub, c.mapErr(err)
}

func (c *ReplicaClient) Query(ctx context.Context, query string, args ...any) ([]replicastore.Row, error) {
	if !c.Current() {
		return nil, ErrNotReady
	}
	rows, err := c.store.Query(ctx, query, args...)
	return rows, c.mapErr(err)
}

func (c *ReplicaClient) Live(ctx context.Context, query string, args ...any) (replicastore.LiveQuery, error) {
	if !c.Current() {
		return nil, ErrNotReady
	}
	live, err := c.store.Live(ctx, query, args...)
	return live, c.mapErr(err)
}

// mapErr reports a store closed by a concurrent teardown as ErrNotReady.
func (c *ReplicaClient) mapErr(err error) error {
	if err != nil && errors.Is(err, replicastore.ErrClosed) {
		return ErrNotReady
	}
	return err
}
