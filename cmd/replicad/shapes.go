package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strconv"

	"github.com/agentworkforce/replica/internal/config"
	"github.com/agentworkforce/replica/internal/replicastore"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

type shapesOptions struct {
	user        string
	searchSpace int64
	shapesFile  string
}

func newShapesCmd(g *globals) *cobra.Command {
	var o shapesOptions

	cmd := &cobra.Command{
		Use:   "shapes",
		Short: "List configured shapes and their sync progress",
		Long: `Shapes lists the shapes replicated for --user, bound to the configured
search space, with the handle and offset each has synced to in the user's
local replica. Shapes never synced show no handle.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("search-space") {
				g.cfg.SearchSpaceID = o.searchSpace
			}
			if cmd.Flags().Changed("shapes-file") {
				g.cfg.ShapesFile = o.shapesFile
			}
			return listShapes(cmd.Context(), g.cfg, o.user, cmd.OutOrStdout())
		},
	}

	var flags = cmd.Flags()
	flags.StringVar(&o.user, "user", "", "user whose shapes are listed (required)")
	flags.Int64Var(&o.searchSpace, "search-space", 0, "search space bound into shapes (REPLICA_SEARCH_SPACE_ID)")
	flags.StringVar(&o.shapesFile, "shapes-file", "", "YAML file of shapes to replicate (REPLICA_SHAPES_FILE)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func listShapes(ctx context.Context, cfg *config.Config, user string, out io.Writer) error {
	shapes, err := cfg.UserShapes()
	if err != nil {
		return err
	}
	var defs = shapes(user)

	var checkpoints = make(map[string]replicastore.Checkpoint)
	store, err := replicastore.Open(ctx, cfg.StoreDSN, user, replicastore.Options{ReadOnly: true, DisableLive: true})
	switch {
	case err == nil:
		defer store.Close()

		for _, def := range defs {
			cp, found, err := store.Checkpoint(ctx, def.Key())
			if err != nil {
				return err
			} else if found {
				checkpoints[def.Key()] = cp
			}
		}
	case errors.Is(err, fs.ErrNotExist):
		// Not yet synced.
	default:
		return fmt.Errorf("opening replica of %s: %w", user, err)
	}

	var table = tablewriter.NewWriter(out)
	table.SetHeader([]string{"Table", "Where", "Handle", "Offset", "Up To Date", "Updated"})

	for _, def := range defs {
		var row = []string{def.Table, def.Where, "<none>", "-1", "false", "never"}
		if cp, ok := checkpoints[def.Key()]; ok {
			row[2] = cp.Handle
			row[3] = cp.Offset.String()
			row[4] = strconv.FormatBool(cp.UpToDate)
			if !cp.UpdatedAt.IsZero() {
				row[5] = humanize.Time(cp.UpdatedAt)
			}
		}
		table.Append(row)
	}
	table.Render()
	return nil
}
