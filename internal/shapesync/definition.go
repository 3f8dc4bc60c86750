package shapesync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/agentworkforce/replica/internal/replicastore"
)

// ShapeDefinition selects the rows of one server table to replicate.
type ShapeDefinition struct {
	Table string `yaml:"table" json:"table"`
	// Where is a SQL predicate over the table's columns, typically scoping
	// rows to a tenant such as "search_space_id = 42". It is evaluated by the
	// server, and locally when the shape is reset.
	Where string `yaml:"where,omitempty" json:"where,omitempty"`
	// Columns are the replicated columns and their local types. They're
	// requested from the server as the shape's column projection.
	Columns    []replicastore.Column `yaml:"columns" json:"columns"`
	PrimaryKey []string              `yaml:"primary_key" json:"primary_key"`
	// JSONSchema optionally validates each row value before coercion.
	JSONSchema string `yaml:"json_schema,omitempty" json:"json_schema,omitempty"`
}

func (d ShapeDefinition) Validate() error {
	if err := d.TableSpec().Validate(); err != nil {
		return err
	}
	if strings.ContainsAny(d.Where, ";") {
		return fmt.Errorf("%w: shape %s where clause contains ';'", replicastore.ErrInvalidInput, d.Table)
	}
	return nil
}

func (d ShapeDefinition) TableSpec() replicastore.TableSpec {
	return replicastore.TableSpec{
		Name:       d.Table,
		Columns:    d.Columns,
		PrimaryKey: d.PrimaryKey,
	}
}

// ColumnNames returns the projected column names, in order.
func (d ShapeDefinition) ColumnNames() []string {
	var out = make([]string, len(d.Columns))
	for i, c := range d.Columns {
		out[i] = c.Name
	}
	return out
}

// Key identifies the shape by its table, filter, projection and primary key.
func (d ShapeDefinition) Key() string {
	var h = sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00", strings.ToLower(d.Table), strings.TrimSpace(d.Where))
	for _, c := range d.Columns {
		fmt.Fprintf(h, "%s:%s,", strings.ToLower(c.Name), c.Type)
	}
	fmt.Fprintf(h, "\x00%s", strings.ToLower(strings.Join(d.PrimaryKey, ",")))
	return strings.ToLower(d.Table) + "-" + hex.EncodeToString(h.Sum(nil)[:8])
}

func (d ShapeDefinition) String() string {
	if d.Where == "" {
		return d.Table
	}
	return d.Table + " WHERE " + d.Where
}
