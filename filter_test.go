package rsoplog

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tychoish/birch"
)

func TestFilterCRUD(t *testing.T) {
	require.True(t, filterRelevant(&Record{Op: OpInsert, NS: testNS,
		Object: d(birch.EC.Int32("_id", 1))}, testNS))
	require.True(t, filterRelevant(&Record{Op: OpUpdate, NS: testNS}, testNS))
	require.True(t, filterRelevant(&Record{Op: OpDelete, NS: testNS}, testNS))

	// CRUD outside the watched namespace is irrelevant.
	other := Namespace{DB: "unittests", Coll: "other"}
	require.False(t, filterRelevant(&Record{Op: OpInsert, NS: other}, testNS))
	require.False(t, filterRelevant(&Record{Op: OpDelete,
		NS: Namespace{DB: "test", Coll: testNS.Coll}}, testNS))
}

func TestFilterInvalidatingCommands(t *testing.T) {
	cmdNS := testNS.CommandNS()

	require.True(t, filterRelevant(&Record{Op: OpCommand, NS: cmdNS,
		Object: d(birch.EC.String("drop", testNS.Coll))}, testNS))
	require.True(t, filterRelevant(&Record{Op: OpCommand, NS: cmdNS,
		Object: d(birch.EC.Int32("dropDatabase", 1))}, testNS))
	require.True(t, filterRelevant(&Record{Op: OpCommand, NS: cmdNS,
		Object: d(birch.EC.String("renameCollection", testNS.String()),
			birch.EC.String("to", "test.bar"))}, testNS))

	// Rename onto the watched namespace invalidates too, even when logged
	// under another database's command namespace.
	require.True(t, filterRelevant(&Record{Op: OpCommand,
		NS: Namespace{DB: "test", Coll: "$cmd"},
		Object: d(birch.EC.String("renameCollection", "test.bar"),
			birch.EC.String("to", testNS.String()))}, testNS))

	// Same commands against other namespaces are irrelevant.
	require.False(t, filterRelevant(&Record{Op: OpCommand, NS: cmdNS,
		Object: d(birch.EC.String("drop", "other"))}, testNS))
	require.False(t, filterRelevant(&Record{Op: OpCommand,
		NS: Namespace{DB: "test", Coll: "$cmd"},
		Object: d(birch.EC.Int32("dropDatabase", 1))}, testNS))
	require.False(t, filterRelevant(&Record{Op: OpCommand, NS: cmdNS,
		Object: d(birch.EC.String("renameCollection", "test.bar"),
			birch.EC.String("to", "test.baz"))}, testNS))
}

func TestFilterCreateCollection(t *testing.T) {
	collSpec := d(
		birch.EC.String("create", "foo"),
		birch.EC.SubDocument("idIndex", d(
			birch.EC.Int32("v", 2),
			birch.EC.SubDocument("key", d(birch.EC.Int32("_id", 1))),
			birch.EC.String("name", "_id_"),
			birch.EC.String("ns", testNS.String()),
		)),
	)

	rec := &Record{Op: OpCommand, NS: testNS.CommandNS(), Object: collSpec}
	require.False(t, filterRelevant(rec, testNS))
}

func TestFilterCreateIndex(t *testing.T) {
	indexSpec := d(
		birch.EC.Int32("v", 2),
		birch.EC.SubDocument("key", d(birch.EC.Int32("a", 1))),
		birch.EC.String("name", "a_1"),
		birch.EC.String("ns", testNS.String()),
	)
	indexNS := Namespace{DB: testNS.DB, Coll: "system.indexes"}

	rec := &Record{Op: OpInsert, NS: indexNS, Object: indexSpec}
	require.False(t, filterRelevant(rec, testNS))

	rec.FromMigrate = true // at the moment this makes no difference
	require.False(t, filterRelevant(rec, testNS))
}

func TestFilterNoop(t *testing.T) {
	// Generic noops are always dropped.
	require.False(t, filterRelevant(&Record{Op: OpNoop,
		Object: d(birch.EC.String("msg", "new primary"))}, testNS))

	// The migration marker is forwarded, but only on the watched namespace.
	marker := d(birch.EC.String("type", "migrateChunkToNewShard"))
	require.True(t, filterRelevant(&Record{Op: OpNoop, NS: testNS,
		Object2: marker}, testNS))
	require.False(t, filterRelevant(&Record{Op: OpNoop,
		NS: Namespace{DB: "unittests", Coll: "other"}, Object2: marker}, testNS))

	// Other marker types are noise.
	require.False(t, filterRelevant(&Record{Op: OpNoop, NS: testNS,
		Object2: d(birch.EC.String("type", "somethingElse"))}, testNS))
}

func TestFilterUnrecognizedCommand(t *testing.T) {
	recs := []*Record{
		{Op: OpCommand, NS: testNS.CommandNS(),
			Object: d(birch.EC.String("collMod", testNS.Coll))},
		{Op: OpCommand, NS: testNS.CommandNS(), Object: birch.DC.New()},
		{Op: OpCommand, NS: testNS.CommandNS()},
		{Op: OpType("x"), NS: testNS},
	}

	for _, rec := range recs {
		require.False(t, filterRelevant(rec, testNS))
	}
}
