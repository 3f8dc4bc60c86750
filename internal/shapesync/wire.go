package shapesync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentworkforce/replica/internal/logoffset"
	"github.com/agentworkforce/replica/internal/replicastore"
)

// Response headers of the shape protocol.
const (
	headerHandle   = "electric-handle"
	headerOffset   = "electric-offset"
	headerUpToDate = "electric-up-to-date"
	headerCursor   = "electric-cursor"
)

const (
	controlUpToDate    = "up-to-date"
	controlMustRefetch = "must-refetch"
)

type wireMessage struct {
	Key     string         `json:"key,omitempty"`
	Value   map[string]any `json:"value,omitempty"`
	Headers wireHeaders    `json:"headers"`
}

type wireHeaders struct {
	Operation string `json:"operation,omitempty"`
	Control   string `json:"control,omitempty"`
	Offset    string `json:"offset,omitempty"`
	Handle    string `json:"handle,omitempty"`
}

// wireResult is the decoded content of one protocol response or frame.
type wireResult struct {
	records     []ChangeRecord
	upToDate    bool
	mustRefetch bool
	lastOffset  logoffset.Offset
	// handle is the last log handle carried in message headers.
	handle string
}

// decodeMessages decodes a response body. Messages with an unknown operation
// or a malformed offset are kept as invalid records, to be skipped on apply.
func decodeMessages(body []byte, def ShapeDefinition) (wireResult, error) {
	var out wireResult
	if len(bytes.TrimSpace(body)) == 0 {
		return out, nil
	}
	var dec = json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var msgs []wireMessage
	if err := dec.Decode(&msgs); err != nil {
		return out, fmt.Errorf("decoding shape messages: %w", err)
	}
	for i, msg := range msgs {
		if msg.Headers.Handle != "" {
			out.handle = msg.Headers.Handle
		}
		switch msg.Headers.Control {
		case controlUpToDate:
			out.upToDate = true
			continue
		case controlMustRefetch:
			out.mustRefetch = true
			continue
		case "":
		default:
			// Unknown control messages carry no rows.
			continue
		}

		var rec = ChangeRecord{
			Key:              msg.Key,
			PrimaryKeyValues: primaryKeyValues(def, msg),
			Row:              msg.Value,
		}
		op, err := replicastore.ParseOp(msg.Headers.Operation)
		if err != nil {
			rec.invalid = fmt.Sprintf("message %d: operation %q", i, msg.Headers.Operation)
		}
		offset, err := logoffset.Parse(msg.Headers.Offset)
		if err != nil && rec.invalid == "" {
			rec.invalid = fmt.Sprintf("message %d: offset %q", i, msg.Headers.Offset)
		}
		if rec.invalid == "" {
			rec.Operation, rec.Offset = op, offset
			if offset.IsSet() {
				out.lastOffset = offset
			}
		}
		out.records = append(out.records, rec)
	}
	return out, nil
}

// primaryKeyValues takes the key columns from the message value, falling back
// to the final segment of the message key for single-column keys.
func primaryKeyValues(def ShapeDefinition, msg wireMessage) map[string]any {
	var out = make(map[string]any, len(def.PrimaryKey))
	for _, pk := range def.PrimaryKey {
		if v, ok := msg.Value[pk]; ok && v != nil {
			out[pk] = v
		}
	}
	if len(out) == 0 && len(def.PrimaryKey) == 1 {
		if v, ok := keySegment(msg.Key); ok {
			out[def.PrimaryKey[0]] = v
		}
	}
	return out
}

// keySegment returns the last path segment of a key such as
// `"public"."documents"/"7"`.
func keySegment(key string) (string, bool) {
	var i = strings.LastIndex(key, "/")
	if i < 0 || i == len(key)-1 {
		return "", false
	}
	var seg = strings.Trim(key[i+1:], `"`)
	return seg, seg != ""
}
