package rsoplog

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tychoish/birch"
)

// OpType corresponds to the op field of an oplog entry, and describes
// the kind of operation the entry represents.
type OpType string

const (
	OpInsert  OpType = "i"
	OpUpdate  OpType = "u"
	OpDelete  OpType = "d"
	OpCommand OpType = "c"
	OpNoop    OpType = "n"
)

// Timestamp is a logical cluster clock value; T is seconds since epoch and
// I orders entries within the same second. Timestamps are unique and
// strictly increasing per oplog, which is what makes resume tokens work.
type Timestamp struct {
	T uint32
	I uint32
}

// IsZero returns true if the timestamp is unset.
func (t Timestamp) IsZero() bool {
	return t.T == 0 && t.I == 0
}

// After returns true if t is strictly after o.
func (t Timestamp) After(o Timestamp) bool {
	if t.T != o.T {
		return t.T > o.T
	}
	return t.I > o.I
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d", t.T, t.I)
}

// Namespace identifies a database and collection.
type Namespace struct {
	DB   string
	Coll string
}

// ParseNS parses a "db.coll" namespace string. Everything after the
// first dot is the collection name.
func ParseNS(s string) Namespace {
	split := strings.SplitN(s, ".", 2)
	if len(split) < 2 {
		return Namespace{DB: s}
	}
	return Namespace{DB: split[0], Coll: split[1]}
}

func (n Namespace) String() string {
	return n.DB + "." + n.Coll
}

// IsZero returns true if the namespace is unset.
func (n Namespace) IsZero() bool {
	return n.DB == "" && n.Coll == ""
}

// CommandNS returns the pseudo-collection commands against this
// namespace's database are logged under.
func (n Namespace) CommandNS() Namespace {
	return Namespace{DB: n.DB, Coll: "$cmd"}
}

// Record is a single oplog entry as supplied by the replication layer.
// The feed delivers records in strictly increasing timestamp order and
// this package never mutates or re-orders them.
type Record struct {
	// TS is the logical time the operation committed at.
	TS Timestamp

	// Op is the operation type.
	Op OpType

	// NS is the namespace the operation applies to. Commands are logged
	// under the database's $cmd pseudo-collection, and some noop records
	// carry no namespace at all.
	NS Namespace

	// UUID is the stable collection identifier. It is nil on legacy
	// records written before identifier assignment and on dropDatabase.
	UUID *uuid.UUID

	// Object is the o field: the inserted document, the update modifier
	// or replacement document, the deleted document's key, or the
	// command body.
	Object *birch.Document

	// Object2 is the o2 field: for updates the post-update document key,
	// for internal noop markers the marker body.
	Object2 *birch.Document

	// FromMigrate marks internal chunk migration traffic that must stay
	// invisible to clients.
	FromMigrate bool
}

// Operation is the client-facing change event type.
//
// It implements reflex.EventType so change events can be streamed through
// reflex consumers directly.
type Operation int

func (o Operation) ReflexType() int {
	return int(o)
}

const (
	OperationUnknown     Operation = 0
	OperationInsert      Operation = 1
	OperationUpdate      Operation = 2
	OperationReplace     Operation = 3
	OperationDelete      Operation = 4
	OperationInvalidate  Operation = 5
	OperationRetryNeeded Operation = 6
)

func (o Operation) String() string {
	switch o {
	case OperationInsert:
		return "insert"
	case OperationUpdate:
		return "update"
	case OperationReplace:
		return "replace"
	case OperationDelete:
		return "delete"
	case OperationInvalidate:
		return "invalidate"
	case OperationRetryNeeded:
		return "retryNeeded"
	default:
		return "unknown"
	}
}

// IsTerminal returns true for operations that close the stream.
func (o Operation) IsTerminal() bool {
	return o == OperationInvalidate || o == OperationRetryNeeded
}

// firstElement returns the first element of the document, or nil if the
// document is nil or empty.
func firstElement(d *birch.Document) *birch.Element {
	if d == nil {
		return nil
	}
	for e := range d.Iterator() {
		return e
	}
	return nil
}

// lookupElement returns the first top-level element with the given key,
// or nil if not present.
func lookupElement(d *birch.Document, key string) *birch.Element {
	if d == nil {
		return nil
	}
	for e := range d.Iterator() {
		if e.Key() == key {
			return e
		}
	}
	return nil
}

// lookupString returns the string value of the given top-level key.
func lookupString(d *birch.Document, key string) (string, bool) {
	e := lookupElement(d, key)
	if e == nil {
		return "", false
	}
	return e.Value().StringValueOK()
}
