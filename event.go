package rsoplog

import (
	"github.com/luno/jettison/errors"
	"github.com/tychoish/birch"
)

// Change event document field names.
const (
	fieldID                = "_id"
	fieldOperationType     = "operationType"
	fieldFullDocument      = "fullDocument"
	fieldNamespace         = "ns"
	fieldNamespaceDB       = "db"
	fieldNamespaceColl     = "coll"
	fieldDocumentKey       = "documentKey"
	fieldUpdateDescription = "updateDescription"
	fieldUpdatedFields     = "updatedFields"
	fieldRemovedFields     = "removedFields"
)

// ChangeEvent is the unit a change stream client receives.
//
// Exactly one payload shape applies per operation: insert and replace carry
// FullDocument, update carries UpdateDescription, delete carries only the
// document key, and invalidate/retryNeeded carry nothing beyond the token.
type ChangeEvent struct {
	// ID is the event's resume token.
	ID ResumeToken

	// Operation is the change type.
	Operation Operation

	// NS is the affected namespace, zero for terminal events.
	NS Namespace

	// DocumentKey are the ordered key fields of the changed document,
	// nil for terminal events.
	DocumentKey *birch.Document

	// FullDocument is the full post-image, set for insert and replace only.
	FullDocument *birch.Document

	// UpdateDescription is set for update only.
	UpdateDescription *UpdateDescription
}

// UpdateDescription describes a partial update.
type UpdateDescription struct {
	// UpdatedFields maps the top-level fields set by the update.
	UpdatedFields *birch.Document

	// RemovedFields lists the field names unset by the update, in
	// modifier order. Always present on updates, empty when none.
	RemovedFields []string
}

// Document renders the event through the generic document model, with the
// exact client-facing field set and ordering.
func (e *ChangeEvent) Document() (*birch.Document, error) {
	id, err := e.ID.Encode()
	if err != nil {
		return nil, errors.Wrap(err, "encode resume token")
	}

	doc := birch.DC.Elements(
		birch.EC.String(fieldID, id),
		birch.EC.String(fieldOperationType, e.Operation.String()),
	)

	if e.FullDocument != nil {
		doc.Append(birch.EC.SubDocument(fieldFullDocument, e.FullDocument))
	}
	if !e.NS.IsZero() {
		doc.Append(birch.EC.SubDocument(fieldNamespace, birch.DC.Elements(
			birch.EC.String(fieldNamespaceDB, e.NS.DB),
			birch.EC.String(fieldNamespaceColl, e.NS.Coll),
		)))
	}
	if e.DocumentKey != nil {
		doc.Append(birch.EC.SubDocument(fieldDocumentKey, e.DocumentKey))
	}
	if e.UpdateDescription != nil {
		doc.Append(birch.EC.SubDocument(fieldUpdateDescription, birch.DC.Elements(
			birch.EC.SubDocument(fieldUpdatedFields, e.UpdateDescription.UpdatedFields),
			birch.EC.SliceString(fieldRemovedFields, e.UpdateDescription.RemovedFields),
		)))
	}

	return doc, nil
}
