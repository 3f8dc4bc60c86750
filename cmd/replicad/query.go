package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/agentworkforce/replica/internal/replicastore"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type queryOptions struct {
	user   string
	format string
}

func newQueryCmd(g *globals) *cobra.Command {
	var o queryOptions

	cmd := &cobra.Command{
		Use:   "query SQL [ARG...]",
		Short: "Query a user's replica",
		Long: `Query runs a read-only SQL query against the local replica of --user.

Arguments following the query are bound to its placeholders ($1, $2, ...).
The replica may be queried while "replicad run" is syncing it.

Examples:
  replicad query --user u1 "SELECT id, title FROM documents WHERE search_space_id = $1" 42
  replicad query --user u1 --format json "SELECT count(*) AS n FROM notifications"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params = make([]any, 0, len(args)-1)
			for _, arg := range args[1:] {
				params = append(params, arg)
			}
			return runQuery(cmd.Context(), g.cfg.StoreDSN, o, args[0], params, cmd.OutOrStdout())
		},
	}

	var flags = cmd.Flags()
	flags.StringVar(&o.user, "user", "", "user whose replica is queried (required)")
	flags.StringVar(&o.format, "format", "table", "output format: table, json or yaml")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runQuery(ctx context.Context, dsn string, o queryOptions, query string, params []any, out io.Writer) error {
	switch o.format {
	case "table", "json", "yaml":
	default:
		return fmt.Errorf("unknown format %q", o.format)
	}
	store, err := replicastore.Open(ctx, dsn, o.user, replicastore.Options{ReadOnly: true, DisableLive: true})
	if err != nil {
		return fmt.Errorf("opening replica of %s: %w", o.user, err)
	}
	defer store.Close()

	rows, err := store.Query(ctx, query, params...)
	if err != nil {
		return err
	}

	switch o.format {
	case "json":
		var enc = json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "yaml":
		var enc = yaml.NewEncoder(out)
		defer enc.Close()
		return enc.Encode(rows)
	}
	writeRows(out, rows)
	return nil
}

// writeRows renders rows as a table with sorted column headers.
func writeRows(out io.Writer, rows []replicastore.Row) {
	var columns []string
	var seen = make(map[string]bool)
	for _, row := range rows {
		for col := range row {
			if !seen[col] {
				seen[col] = true
				columns = append(columns, col)
			}
		}
	}
	sort.Strings(columns)

	var table = tablewriter.NewWriter(out)
	var headers = make([]string, len(columns))
	for i, col := range columns {
		headers[i] = strings.ToUpper(col)
	}
	table.SetHeader(headers)

	for _, row := range rows {
		var cells = make([]string, len(columns))
		for i, col := range columns {
			cells[i] = formatValue(row[col])
		}
		table.Append(cells)
	}
	table.Render()
	fmt.Fprintf(out, "(%d rows)\n", len(rows))
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "<null>"
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}
