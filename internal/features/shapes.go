// Package features declares the replicated tables read by the application,
// and typed live queries over them.
package features

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/replica/internal/replicastore"
	"github.com/agentworkforce/replica/internal/shapesync"
	"golang.org/x/sync/errgroup"
)

const (
	DocumentsTable     = "documents"
	ConnectorsTable    = "search_source_connectors"
	NotificationsTable = "notifications"
)

// Placeholders of shape where clauses, bound by Bind.
const (
	SearchSpacePlaceholder = "{{search_space_id}}"
	UserPlaceholder        = "{{user_id}}"
)

func DocumentsShape() shapesync.ShapeDefinition {
	return shapesync.ShapeDefinition{
		Table: DocumentsTable,
		Where: "search_space_id = " + SearchSpacePlaceholder,
		Columns: []replicastore.Column{
			{Name: "id", Type: replicastore.TypeInteger},
			{Name: "search_space_id", Type: replicastore.TypeInteger},
			{Name: "title", Type: replicastore.TypeText, Nullable: true},
			{Name: "document_type", Type: replicastore.TypeText},
			{Name: "document_metadata", Type: replicastore.TypeJSON, Nullable: true},
			{Name: "created_at", Type: replicastore.TypeTimestamp, Nullable: true},
			{Name: "updated_at", Type: replicastore.TypeTimestamp, Nullable: true},
		},
		PrimaryKey: []string{"id"},
	}
}

func ConnectorsShape() shapesync.ShapeDefinition {
	return shapesync.ShapeDefinition{
		Table: ConnectorsTable,
		Where: "search_space_id = " + SearchSpacePlaceholder,
		Columns: []replicastore.Column{
			{Name: "id", Type: replicastore.TypeInteger},
			{Name: "search_space_id", Type: replicastore.TypeInteger},
			{Name: "name", Type: replicastore.TypeText},
			{Name: "connector_type", Type: replicastore.TypeText},
			{Name: "is_indexable", Type: replicastore.TypeBoolean, Nullable: true},
			{Name: "last_indexed_at", Type: replicastore.TypeTimestamp, Nullable: true},
			{Name: "created_at", Type: replicastore.TypeTimestamp, Nullable: true},
		},
		PrimaryKey: []string{"id"},
	}
}

func NotificationsShape() shapesync.ShapeDefinition {
	return shapesync.ShapeDefinition{
		Table: NotificationsTable,
		Where: "user_id = '" + UserPlaceholder + "'",
		Columns: []replicastore.Column{
			{Name: "id", Type: replicastore.TypeInteger},
			{Name: "user_id", Type: replicastore.TypeText},
			{Name: "search_space_id", Type: replicastore.TypeInteger, Nullable: true},
			{Name: "type", Type: replicastore.TypeText},
			{Name: "title", Type: replicastore.TypeText},
			{Name: "message", Type: replicastore.TypeText, Nullable: true},
			{Name: "read", Type: replicastore.TypeBoolean},
			{Name: "metadata", Type: replicastore.TypeJSON, Nullable: true},
			{Name: "created_at", Type: replicastore.TypeTimestamp, Nullable: true},
		},
		PrimaryKey: []string{"id"},
	}
}

// BuiltinShapes returns the unbound definitions of every feature table.
func BuiltinShapes() []shapesync.ShapeDefinition {
	return []shapesync.ShapeDefinition{DocumentsShape(), ConnectorsShape(), NotificationsShape()}
}

// Bind substitutes the user and search space into the where clauses of
// defs. The user id is escaped as a SQL string literal.
func Bind(defs []shapesync.ShapeDefinition, userID string, searchSpaceID int64) []shapesync.ShapeDefinition {
	var r = strings.NewReplacer(
		SearchSpacePlaceholder, strconv.FormatInt(searchSpaceID, 10),
		UserPlaceholder, strings.ReplaceAll(userID, "'", "''"),
	)
	var out = make([]shapesync.ShapeDefinition, len(defs))
	for i, def := range defs {
		def.Where = r.Replace(def.Where)
		out[i] = def
	}
	return out
}

// Opener opens shapes. It's implemented by *lifecycle.ReplicaClient and
// *shapesync.Engine.
type Opener interface {
	OpenShape(ctx context.Context, def shapesync.ShapeDefinition) (*shapesync.Subscription, error)
}

// OpenShapes opens defs and waits, for at most max, until each has applied
// its initial snapshot. Shapes which are not yet up-to-date keep syncing in
// the background; synced reports whether all of them were. A zero max uses
// each engine's initial sync timeout.
func OpenShapes(ctx context.Context, opener Opener, defs []shapesync.ShapeDefinition, max time.Duration) (subs []*shapesync.Subscription, synced bool, err error) {
	for _, def := range defs {
		sub, err := opener.OpenShape(ctx, def)
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return nil, false, fmt.Errorf("opening shape %s: %w", def.Table, err)
		}
		subs = append(subs, sub)
	}

	var upToDate = make([]bool, len(subs))
	var g errgroup.Group
	for i, sub := range subs {
		i, sub := i, sub
		g.Go(func() error {
			upToDate[i] = sub.WaitUpToDate(ctx, max)
			return nil
		})
	}
	_ = g.Wait()

	synced = true
	for _, ok := range upToDate {
		synced = synced && ok
	}
	return subs, synced, nil
}
