package rsoplog

import (
	"strings"

	"github.com/tychoish/birch"
)

// Update modifier operators the transformer understands.
const (
	modSet   = "$set"
	modUnset = "$unset"
)

// NewTransformer returns a transformer resolving document keys through the
// given resolver.
func NewTransformer(resolver KeyResolver) *Transformer {
	return &Transformer{resolver: resolver}
}

// Transformer maps oplog records that passed the relevance filter to
// change events. It is a pure function of the record and the resolver's
// current key field order.
type Transformer struct {
	resolver KeyResolver
}

// Transform returns the change event for the record, or nil if the record
// is suppressed. Internal chunk migration traffic is suppressed
// unconditionally, except for the migration noop marker itself which is
// intentionally surfaced as retryNeeded.
func (t *Transformer) Transform(rec *Record) *ChangeEvent {
	if rec.FromMigrate && rec.Op != OpNoop {
		return nil
	}

	switch rec.Op {
	case OpInsert:
		key := projectKey(rec.Object, t.keyFields(rec))
		return &ChangeEvent{
			ID:           ResumeToken{ClusterTime: rec.TS, UUID: rec.UUID, DocumentKey: key},
			Operation:    OperationInsert,
			NS:           rec.NS,
			DocumentKey:  key,
			FullDocument: rec.Object,
		}

	case OpUpdate:
		// The replication layer already wrote exactly the post-update key
		// fields to o2 (or the whole post-image for legacy records without
		// a key field), so o2 is the document key verbatim.
		key := rec.Object2
		if !isModifier(rec.Object) {
			return &ChangeEvent{
				ID:           ResumeToken{ClusterTime: rec.TS, UUID: rec.UUID, DocumentKey: key},
				Operation:    OperationReplace,
				NS:           rec.NS,
				DocumentKey:  key,
				FullDocument: rec.Object,
			}
		}
		return &ChangeEvent{
			ID:                ResumeToken{ClusterTime: rec.TS, UUID: rec.UUID, DocumentKey: key},
			Operation:         OperationUpdate,
			NS:                rec.NS,
			DocumentKey:       key,
			UpdateDescription: describeUpdate(rec.Object),
		}

	case OpDelete:
		key := rec.Object
		return &ChangeEvent{
			ID:          ResumeToken{ClusterTime: rec.TS, UUID: rec.UUID, DocumentKey: key},
			Operation:   OperationDelete,
			NS:          rec.NS,
			DocumentKey: key,
		}

	case OpCommand:
		// Drop, dropDatabase and rename all invalidate the stream. A
		// dropDatabase record carries no collection uuid, so neither does
		// its token.
		return &ChangeEvent{
			ID:        ResumeToken{ClusterTime: rec.TS, UUID: rec.UUID},
			Operation: OperationInvalidate,
		}

	case OpNoop:
		// The migration marker body becomes the token's document key so
		// resumed streams order deterministically around the marker.
		key := birch.DC.Elements(birch.EC.SubDocument(fieldID, rec.Object2))
		return &ChangeEvent{
			ID:        ResumeToken{ClusterTime: rec.TS, UUID: rec.UUID, DocumentKey: key},
			Operation: OperationRetryNeeded,
		}

	default:
		return nil
	}
}

// keyFields returns the resolver's key field order for the record's
// collection, defaulting to _id when the record predates collection
// identifiers.
func (t *Transformer) keyFields(rec *Record) []string {
	if rec.UUID == nil || t.resolver == nil {
		return defaultKeyFields
	}
	return t.resolver.Fields(*rec.UUID)
}

// projectKey extracts the key fields from doc in the given order. Missing
// fields are omitted rather than erroring; if nothing matches, the whole
// document is the key.
func projectKey(doc *birch.Document, fields []string) *birch.Document {
	key := birch.DC.Make(len(fields))
	for _, f := range fields {
		if e := lookupElement(doc, f); e != nil {
			key.Append(e)
		}
	}
	if key.Len() == 0 {
		return doc.Copy()
	}
	return key
}

// isModifier returns true if the update object uses modifier operators, as
// opposed to being a full replacement document.
func isModifier(doc *birch.Document) bool {
	first := firstElement(doc)
	return first != nil && strings.HasPrefix(first.Key(), "$")
}

// describeUpdate splits an update modifier into set and unset field sets.
func describeUpdate(mod *birch.Document) *UpdateDescription {
	desc := &UpdateDescription{
		UpdatedFields: birch.DC.New(),
		RemovedFields: []string{},
	}

	for e := range mod.Iterator() {
		sub, ok := e.Value().MutableDocumentOK()
		if !ok {
			continue
		}
		switch e.Key() {
		case modSet:
			for se := range sub.Iterator() {
				desc.UpdatedFields.Append(se)
			}
		case modUnset:
			for se := range sub.Iterator() {
				desc.RemovedFields = append(desc.RemovedFields, se.Key())
			}
		}
	}

	return desc
}
