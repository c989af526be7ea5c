package rsoplog

// Command bodies and noop markers recognized by the filter. Anything else
// that is administrative (createCollection, createIndexes, plain noops) is
// operational noise and is dropped without error.
const (
	cmdDrop             = "drop"
	cmdDropDatabase     = "dropDatabase"
	cmdRenameCollection = "renameCollection"
	cmdRenameTarget     = "to"

	markerKey          = "type"
	markerMigrateChunk = "migrateChunkToNewShard"
)

// filterRelevant decides whether an oplog record is worth forwarding to
// the transformer. Pure predicate, no side effects.
func filterRelevant(rec *Record, watched Namespace) bool {
	switch rec.Op {
	case OpInsert, OpUpdate, OpDelete:
		return rec.NS == watched
	case OpCommand:
		return isInvalidatingCommand(rec, watched)
	case OpNoop:
		return rec.NS == watched && isMigrateMarker(rec)
	default:
		return false
	}
}

// isInvalidatingCommand returns true for command records that destroy the
// watched namespace: dropping the collection, dropping its database, or a
// rename touching it in either direction (a rename onto the watched
// namespace destroys it just as surely as a rename away from it).
func isInvalidatingCommand(rec *Record, watched Namespace) bool {
	first := firstElement(rec.Object)
	if first == nil {
		return false
	}

	switch first.Key() {
	case cmdDrop:
		coll, ok := first.Value().StringValueOK()
		return ok && rec.NS.DB == watched.DB && coll == watched.Coll
	case cmdDropDatabase:
		return rec.NS.DB == watched.DB
	case cmdRenameCollection:
		from, ok := first.Value().StringValueOK()
		if !ok {
			return false
		}
		to, _ := lookupString(rec.Object, cmdRenameTarget)
		return from == watched.String() || to == watched.String()
	default:
		return false
	}
}

// isMigrateMarker returns true for the internal noop marker that signals
// the shard no longer owns the watched range and the client must resume
// against the new topology.
func isMigrateMarker(rec *Record) bool {
	typ, ok := lookupString(rec.Object2, markerKey)
	return ok && typ == markerMigrateChunk
}
