package rsoplog

import "github.com/google/uuid"

// defaultKeyFields is the document key when the collection is unknown;
// legacy records predate collection identifiers.
var defaultKeyFields = []string{"_id"}

// KeyResolver reports which fields uniquely identify a document within a
// collection. It is owned by the collection-metadata collaborator and may
// change between pulls; the transformer resolves per record and never
// caches across records.
type KeyResolver interface {
	// Fields returns the ordered document key field names for the
	// collection. The order is significant and is preserved verbatim in
	// emitted document keys and resume tokens.
	Fields(id uuid.UUID) []string
}

// StaticKeyResolver is a fixed collection-to-key-fields mapping. Unknown
// collections resolve to the default _id key.
type StaticKeyResolver map[uuid.UUID][]string

func (r StaticKeyResolver) Fields(id uuid.UUID) []string {
	if fields, ok := r[id]; ok {
		return fields
	}
	return defaultKeyFields
}
