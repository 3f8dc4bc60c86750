package shapesync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/replica/internal/replicastore"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError is a change record which doesn't fit its shape. Such
// records are skipped.
type ValidationError struct {
	Table  string
	Key    string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("invalid %s record: %s", e.Table, e.Reason)
	}
	return fmt.Sprintf("invalid %s record %s: %s", e.Table, e.Key, e.Reason)
}

// rowCodec coerces the loosely typed rows of a shape's records into the
// column types of its table, after optional JSON schema validation.
type rowCodec struct {
	spec   replicastore.TableSpec
	schema *jsonschema.Schema
}

func newRowCodec(def ShapeDefinition) (*rowCodec, error) {
	var c = &rowCodec{spec: def.TableSpec()}
	if strings.TrimSpace(def.JSONSchema) == "" {
		return c, nil
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(def.JSONSchema))
	if err != nil {
		return nil, fmt.Errorf("shape %s json schema: %w", def.Table, err)
	}
	var location = "shape://" + def.Key() + ".json"
	var compiler = jsonschema.NewCompiler()
	compiler.DefaultDraft(jsonschema.Draft2020)
	if err = compiler.AddResource(location, doc); err != nil {
		return nil, fmt.Errorf("shape %s json schema: %w", def.Table, err)
	}
	if c.schema, err = compiler.Compile(location); err != nil {
		return nil, fmt.Errorf("shape %s json schema: %w", def.Table, err)
	}
	return c, nil
}

func (c *rowCodec) change(rec ChangeRecord) (replicastore.Change, error) {
	var invalid = func(format string, args ...any) error {
		return &ValidationError{Table: c.spec.Name, Key: rec.Key, Reason: fmt.Sprintf(format, args...)}
	}
	if rec.invalid != "" {
		return replicastore.Change{}, invalid("%s", rec.invalid)
	}
	if c.schema != nil && rec.Operation == replicastore.OpInsert {
		if err := c.schema.Validate(rec.Row); err != nil {
			return replicastore.Change{}, invalid("%v", err)
		}
	}

	var out = replicastore.Change{
		Op:     rec.Operation,
		Key:    make(replicastore.Row, len(c.spec.PrimaryKey)),
		Values: make(replicastore.Row),
		Offset: rec.Offset,
	}
	for _, pk := range c.spec.PrimaryKey {
		raw, ok := rec.PrimaryKeyValues[pk]
		if !ok || raw == nil {
			return replicastore.Change{}, invalid("missing primary key column %s", pk)
		}
		col, _ := c.spec.Column(pk)
		v, err := coerceValue(raw, col.Type)
		if err != nil {
			return replicastore.Change{}, invalid("column %s: %v", pk, err)
		}
		out.Key[col.Name] = v
	}
	if rec.Operation == replicastore.OpDelete {
		return out, nil
	}
	for name, raw := range rec.Row {
		col, ok := c.spec.Column(name)
		if !ok || c.spec.IsPrimaryKey(col.Name) {
			continue
		}
		v, err := coerceValue(raw, col.Type)
		if err != nil {
			return replicastore.Change{}, invalid("column %s: %v", col.Name, err)
		}
		if v == nil && !col.Nullable && rec.Operation == replicastore.OpInsert {
			return replicastore.Change{}, invalid("column %s is not nullable", col.Name)
		}
		out.Values[col.Name] = v
	}
	return out, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func coerceValue(raw any, t replicastore.ColumnType) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch t {
	case replicastore.TypeInteger:
		return coerceInteger(raw)
	case replicastore.TypeReal:
		switch v := raw.(type) {
		case json.Number:
			return v.Float64()
		case float64:
			return v, nil
		case string:
			return strconv.ParseFloat(strings.TrimSpace(v), 64)
		}
	case replicastore.TypeBoolean:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "t", "true", "1", "yes", "on":
				return true, nil
			case "f", "false", "0", "no", "off":
				return false, nil
			}
		case json.Number:
			n, err := v.Int64()
			if err == nil && (n == 0 || n == 1) {
				return n == 1, nil
			}
		}
	case replicastore.TypeTimestamp:
		if s, ok := raw.(string); ok {
			for _, layout := range timestampLayouts {
				if ts, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
					return ts.UTC(), nil
				}
			}
		}
	case replicastore.TypeJSON:
		return canonicalJSON(raw)
	default:
		switch v := raw.(type) {
		case string:
			return v, nil
		case json.Number:
			return v.String(), nil
		case bool:
			return strconv.FormatBool(v), nil
		default:
			return canonicalJSON(v)
		}
	}
	return nil, fmt.Errorf("cannot convert %T %v to %s", raw, raw, t)
}

func coerceInteger(raw any) (any, error) {
	switch v := raw.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, nil
		}
		f, err := v.Float64()
		if err != nil || f != math.Trunc(f) {
			return nil, fmt.Errorf("%s is not an integer", v)
		}
		return int64(f), nil
	case float64:
		if v != math.Trunc(v) {
			return nil, fmt.Errorf("%v is not an integer", v)
		}
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	case bool:
		if v {
			return int64(1), nil
		}
		return int64(0), nil
	}
	return nil, fmt.Errorf("cannot convert %T to integer", raw)
}

// canonicalJSON renders a JSON column as compact JSON text. Strings holding
// JSON documents are compacted, and other strings are encoded as JSON strings.
func canonicalJSON(raw any) (string, error) {
	if s, ok := raw.(string); ok {
		if json.Valid([]byte(s)) {
			var buf bytes.Buffer
			if err := json.Compact(&buf, []byte(s)); err != nil {
				return "", err
			}
			return buf.String(), nil
		}
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
