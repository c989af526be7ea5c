package rsoplog

import (
	"testing"

	"github.com/google/uuid"
	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"
	"github.com/tychoish/birch"
)

func TestTokenRoundTrip(t *testing.T) {
	u := uuid.MustParse("11111111-1111-1111-1111-111111111111")

	tokens := []ResumeToken{
		{ClusterTime: Timestamp{T: 100, I: 1}},
		{ClusterTime: Timestamp{T: 100, I: 1}, UUID: &u},
		{ClusterTime: Timestamp{T: 100, I: 1}, UUID: &u,
			DocumentKey: d(birch.EC.Int32("_id", 1))},
		{ClusterTime: Timestamp{T: 100, I: 1},
			DocumentKey: d(birch.EC.Int32("x", 2), birch.EC.Int32("_id", 1))},
	}

	for _, tok := range tokens {
		s, err := tok.Encode()
		jtest.RequireNil(t, err)

		got, err := ParseToken(s)
		jtest.RequireNil(t, err)

		require.Equal(t, tok.ClusterTime, got.ClusterTime)
		require.Equal(t, tok.UUID, got.UUID)
		if tok.DocumentKey == nil {
			require.Nil(t, got.DocumentKey)
		} else {
			requireDocEqual(t, tok.DocumentKey, got.DocumentKey)
		}
	}
}

func TestTokenOrder(t *testing.T) {
	uuidA := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	uuidB := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	// In increasing stream order: cluster time first, then uuid, then
	// document key; absent fields sort before present ones.
	ordered := []ResumeToken{
		{ClusterTime: Timestamp{T: 100, I: 1}},
		{ClusterTime: Timestamp{T: 100, I: 1}, UUID: &uuidA},
		{ClusterTime: Timestamp{T: 100, I: 1}, UUID: &uuidA,
			DocumentKey: d(birch.EC.Int32("_id", 1))},
		{ClusterTime: Timestamp{T: 100, I: 1}, UUID: &uuidA,
			DocumentKey: d(birch.EC.Int32("_id", 2))},
		{ClusterTime: Timestamp{T: 100, I: 1}, UUID: &uuidB},
		{ClusterTime: Timestamp{T: 100, I: 2}},
		{ClusterTime: Timestamp{T: 101, I: 0}, UUID: &uuidA},
		{ClusterTime: Timestamp{T: 256, I: 0}},
	}

	var encoded []string
	for _, tok := range ordered {
		s, err := tok.Encode()
		jtest.RequireNil(t, err)
		encoded = append(encoded, s)
	}

	for i := 0; i < len(encoded); i++ {
		for j := i + 1; j < len(encoded); j++ {
			require.Less(t, encoded[i], encoded[j])
		}
	}
}

// TestTokenOrderWideValues pins byte order against value order for key
// values wider than one byte. Raw little-endian BSON would sort 256 before
// 1 here.
func TestTokenOrderWideValues(t *testing.T) {
	u := uuid.MustParse("11111111-1111-1111-1111-111111111111")

	tok := func(e *birch.Element) string {
		s, err := ResumeToken{
			ClusterTime: Timestamp{T: 100, I: 1},
			UUID:        &u,
			DocumentKey: d(e),
		}.Encode()
		jtest.RequireNil(t, err)
		return s
	}

	// Mixed types group by type tag first: strings tag 0x02, int32 0x10,
	// int64 0x12.
	ordered := []string{
		tok(birch.EC.String("_id", "a")),
		tok(birch.EC.String("_id", "ab")),
		tok(birch.EC.String("_id", "b")),
		tok(birch.EC.Int32("_id", -256)),
		tok(birch.EC.Int32("_id", -1)),
		tok(birch.EC.Int32("_id", 1)),
		tok(birch.EC.Int32("_id", 255)),
		tok(birch.EC.Int32("_id", 256)),
		tok(birch.EC.Int32("_id", 65536)),
		tok(birch.EC.Int64("_id", -1)),
		tok(birch.EC.Int64("_id", 256)),
		tok(birch.EC.Int64("_id", 1<<40)),
	}

	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			require.Less(t, ordered[i], ordered[j])
		}
	}

	// Doubles separately since their type tag sorts below the others.
	doubles := []string{
		tok(birch.EC.Double("_id", -1.5)),
		tok(birch.EC.Double("_id", -0.25)),
		tok(birch.EC.Double("_id", 0.25)),
		tok(birch.EC.Double("_id", 1.5)),
		tok(birch.EC.Double("_id", 1e9)),
	}
	for i := 0; i+1 < len(doubles); i++ {
		require.Less(t, doubles[i], doubles[i+1])
	}
}

// TestTokenKeyTypes round trips the document key encodings, including the
// BSON wrapper fallback for types without an order-preserving form.
func TestTokenKeyTypes(t *testing.T) {
	keys := []*birch.Document{
		d(birch.EC.Int32("_id", 256)),
		d(birch.EC.Int64("_id", 1<<40)),
		d(birch.EC.Double("_id", -1.5)),
		d(birch.EC.String("_id", "order-66")),
		d(birch.EC.Boolean("_id", true)),
		d(birch.EC.Timestamp("_id", 100, 2)),
		d(birch.EC.Null("_id")),
		d(birch.EC.SubDocument("_id", d(birch.EC.String("type", "migrate")))),
		d(birch.EC.Binary("_id", []byte{0xde, 0xad})),
		d(birch.EC.String("_id", "nul\x00byte")),
		d(birch.EC.Int32("x", 512), birch.EC.String("_id", "a")),
	}

	for _, key := range keys {
		tok := ResumeToken{ClusterTime: Timestamp{T: 1, I: 1}, DocumentKey: key}

		s, err := tok.Encode()
		jtest.RequireNil(t, err)

		got, err := ParseToken(s)
		jtest.RequireNil(t, err)
		requireDocEqual(t, key, got.DocumentKey)
	}
}

func TestTokenAt(t *testing.T) {
	ts := Timestamp{T: 100, I: 7}

	tok, err := ParseToken(TokenAt(ts))
	jtest.RequireNil(t, err)

	require.Equal(t, ts, tok.ClusterTime)
	require.Nil(t, tok.UUID)
	require.Nil(t, tok.DocumentKey)
}

func TestParseTokenInvalid(t *testing.T) {
	valid, err := (ResumeToken{ClusterTime: Timestamp{T: 1, I: 1}}).Encode()
	jtest.RequireNil(t, err)

	cases := []string{
		"zz",                  // not hex
		"0000",                // too short
		valid[:16] + "02",     // bad uuid flag
		valid[:16] + "01aabb", // truncated uuid
		valid + "ff",          // truncated document key wrapper
		valid + "10",          // unterminated document key element
		valid + "105f696400",  // missing document key value
	}

	for _, s := range cases {
		_, err := ParseToken(s)
		jtest.Require(t, ErrInvalidToken, err)
	}
}
