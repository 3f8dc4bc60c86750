package replicastore

import (
	"fmt"
	"sort"
	"strings"
)

func createTableSQL(d dialect, spec TableSpec) string {
	var defs = make([]string, 0, len(spec.Columns)+1)
	for _, c := range spec.Columns {
		def := d.quote(c.Name) + " " + d.columnType(c.Type)
		if spec.IsPrimaryKey(c.Name) {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	defs = append(defs, "PRIMARY KEY ("+quoteList(d, spec.PrimaryKey)+")")
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", d.quote(spec.Name), strings.Join(defs, ",\n\t"))
}

func addColumnSQL(d dialect, table string, c Column) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", d.quote(table), d.quote(c.Name), d.columnType(c.Type))
}

func createShapesTableSQL(d dialect) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	shape_key TEXT NOT NULL PRIMARY KEY,
	table_name TEXT NOT NULL,
	handle TEXT NOT NULL DEFAULT '',
	log_offset TEXT NOT NULL DEFAULT '',
	up_to_date BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at %s NOT NULL
)`, d.quote(shapesTableName), d.columnType(TypeTimestamp))
}

func upsertShapeSQL(d dialect) string {
	return fmt.Sprintf(`INSERT INTO %s (shape_key, table_name, handle, log_offset, up_to_date, updated_at)
VALUES (%s, %s, %s, %s, %s, %s)
ON CONFLICT (shape_key) DO UPDATE SET
	table_name = excluded.table_name,
	handle = excluded.handle,
	log_offset = excluded.log_offset,
	up_to_date = excluded.up_to_date,
	updated_at = excluded.updated_at`,
		d.quote(shapesTableName),
		d.placeholder(1), d.placeholder(2), d.placeholder(3), d.placeholder(4), d.placeholder(5), d.placeholder(6))
}

func selectShapeSQL(d dialect, byKey bool) string {
	q := fmt.Sprintf("SELECT shape_key, table_name, handle, log_offset, up_to_date, updated_at FROM %s", d.quote(shapesTableName))
	if byKey {
		return q + " WHERE shape_key = " + d.placeholder(1)
	}
	return q + " ORDER BY table_name, shape_key"
}

// upsertSQL returns an insert-or-update-by-primary-key statement writing the
// given columns, in order.
func upsertSQL(d dialect, spec TableSpec, columns []string) string {
	var (
		holders = make([]string, len(columns))
		sets    []string
	)
	for i, c := range columns {
		holders[i] = d.placeholder(i + 1)
		if !spec.IsPrimaryKey(c) {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", d.quote(c), d.quote(c)))
		}
	}
	conflict := "DO NOTHING"
	if len(sets) != 0 {
		conflict = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		d.quote(spec.Name), quoteList(d, columns), strings.Join(holders, ", "),
		quoteList(d, spec.PrimaryKey), conflict)
}

// updateSQL sets the given columns of the row selected by primary key. Set
// columns bind first, followed by the key columns in PrimaryKey order.
func updateSQL(d dialect, spec TableSpec, columns []string) string {
	var sets = make([]string, len(columns))
	for i, c := range columns {
		sets[i] = fmt.Sprintf("%s = %s", d.quote(c), d.placeholder(i+1))
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		d.quote(spec.Name), strings.Join(sets, ", "), keyPredicate(d, spec, len(columns)+1))
}

func deleteSQL(d dialect, spec TableSpec) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s", d.quote(spec.Name), keyPredicate(d, spec, 1))
}

func resetSQL(d dialect, spec TableSpec, where string) string {
	q := "DELETE FROM " + d.quote(spec.Name)
	if where = strings.TrimSpace(where); where != "" {
		q += " WHERE (" + where + ")"
	}
	return q
}

func keyPredicate(d dialect, spec TableSpec, first int) string {
	var parts = make([]string, len(spec.PrimaryKey))
	for i, pk := range spec.PrimaryKey {
		parts[i] = fmt.Sprintf("%s = %s", d.quote(pk), d.placeholder(first+i))
	}
	return strings.Join(parts, " AND ")
}

func quoteList(d dialect, idents []string) string {
	var out = make([]string, len(idents))
	for i, id := range idents {
		out[i] = d.quote(id)
	}
	return strings.Join(out, ", ")
}

// writeColumns returns the projected columns present in values, keys first,
// in a stable order so equal column sets share a cached statement.
func writeColumns(spec TableSpec, values Row) []string {
	var cols = append([]string(nil), spec.PrimaryKey...)
	var rest []string
	for _, c := range spec.Columns {
		if spec.IsPrimaryKey(c.Name) {
			continue
		}
		if _, ok := lookup(values, c.Name); ok {
			rest = append(rest, c.Name)
		}
	}
	sort.Strings(rest)
	return append(cols, rest...)
}

// lookup finds a value by column name, falling back to a case-insensitive match.
func lookup(r Row, name string) (any, bool) {
	if v, ok := r[name]; ok {
		return v, true
	}
	for k, v := range r {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}
