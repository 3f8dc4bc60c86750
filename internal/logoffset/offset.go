// Package logoffset models positions in a shape's change log.
//
// An offset is written "<tx>_<op>": the transaction position of the change
// followed by the operation index within that transaction. The literal "-1"
// denotes the position before the first change and is where a new shape
// subscription starts.
package logoffset

import (
	"fmt"
	"strconv"
	"strings"
)

// Offset is a position in a shape log. The zero value is "unset" and is
// ordered before every other offset, including BeforeAll.
type Offset struct {
	Tx  int64
	Op  int64
	set bool
}

// BeforeAll is the offset a fresh subscription requests.
var BeforeAll = Offset{Tx: -1, Op: 0, set: true}

func New(tx, op int64) Offset {
	return Offset{Tx: tx, Op: op, set: true}
}

func Parse(raw string) (Offset, error) {
	raw = strings.TrimSpace(raw)
	switch raw {
	case "":
		return Offset{}, nil
	case "-1":
		return BeforeAll, nil
	}
	txPart, opPart, ok := strings.Cut(raw, "_")
	if !ok {
		return Offset{}, fmt.Errorf("invalid offset %q: expected <tx>_<op>", raw)
	}
	tx, err := strconv.ParseInt(txPart, 10, 64)
	if err != nil || tx < 0 {
		return Offset{}, fmt.Errorf("invalid offset %q: bad tx component", raw)
	}
	op, err := strconv.ParseInt(opPart, 10, 64)
	if err != nil || op < 0 {
		return Offset{}, fmt.Errorf("invalid offset %q: bad op component", raw)
	}
	return New(tx, op), nil
}

func MustParse(raw string) Offset {
	o, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return o
}

func (o Offset) IsSet() bool { return o.set }

func (o Offset) IsBeforeAll() bool { return o.set && o.Tx == -1 }

func (o Offset) String() string {
	switch {
	case !o.set:
		return ""
	case o.Tx == -1:
		return "-1"
	default:
		return fmt.Sprintf("%d_%d", o.Tx, o.Op)
	}
}

// Compare returns -1, 0 or 1 as o is before, equal to, or after p.
func (o Offset) Compare(p Offset) int {
	switch {
	case o.set != p.set:
		if !o.set {
			return -1
		}
		return 1
	case o.Tx != p.Tx:
		if o.Tx < p.Tx {
			return -1
		}
		return 1
	case o.Op != p.Op:
		if o.Op < p.Op {
			return -1
		}
		return 1
	default:
		return 0
	}
}

func (o Offset) Less(p Offset) bool { return o.Compare(p) < 0 }

// Next returns the offset of the following operation in the same transaction.
func (o Offset) Next() Offset {
	if !o.set || o.Tx == -1 {
		return New(0, 0)
	}
	return New(o.Tx, o.Op+1)
}

// Max returns the later of o and p.
func Max(o, p Offset) Offset {
	if o.Less(p) {
		return p
	}
	return o
}
