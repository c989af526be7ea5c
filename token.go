package rsoplog

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/tychoish/birch"
	"github.com/tychoish/birch/bsontype"
)

// ErrInvalidToken indicates a resume token that could not be decoded.
var ErrInvalidToken = errors.New("invalid resume token",
	j.C("ERR_rsoplog_invalid_token"))

// ResumeToken is a logical position in the change stream. Two tokens order
// by cluster time, then collection uuid, then document key, consistent with
// emission order. The encoded form preserves that order under plain byte
// (or string) comparison, so a resumed stream can seek with a range scan.
//
// Document key elements compare by type tag, then field name, then value;
// values of the same type compare by value.
type ResumeToken struct {
	// ClusterTime is the oplog timestamp of the event.
	ClusterTime Timestamp

	// UUID is the collection identifier, nil for events without one
	// (dropDatabase and legacy records).
	UUID *uuid.UUID

	// DocumentKey are the ordered key fields of the changed document,
	// nil for collection-level events.
	DocumentKey *birch.Document
}

// Encoded token layout: 4+4 bytes big-endian cluster time, a uuid presence
// byte followed by 16 uuid bytes when present, then the document key
// elements each as a BSON type tag, the field name cstring and an
// order-preserving value (big-endian, sign-adjusted where signed), closed
// by a terminator byte. Types without an order-preserving form are carried
// as a length-prefixed single-element BSON wrapper instead.
const (
	tokenTimeLen  = 8
	tokenNoUUID   = 0x00
	tokenHasUUID  = 0x01
	tokenUUIDLen  = 16
	keyTerminator = 0x00
	keyWrapperTag = 0xff
)

// Encode returns the opaque string form of the token. The string is hex
// so it remains byte-order-comparable and is usable directly as a reflex
// stream cursor.
func (t ResumeToken) Encode() (string, error) {
	b := make([]byte, 0, tokenTimeLen+1+tokenUUIDLen)
	b = binary.BigEndian.AppendUint32(b, t.ClusterTime.T)
	b = binary.BigEndian.AppendUint32(b, t.ClusterTime.I)

	if t.UUID != nil {
		b = append(b, tokenHasUUID)
		b = append(b, t.UUID[:]...)
	} else {
		b = append(b, tokenNoUUID)
	}

	if t.DocumentKey != nil && t.DocumentKey.Len() > 0 {
		var err error
		b, err = appendKeyDoc(b, t.DocumentKey)
		if err != nil {
			return "", err
		}
	}

	return hex.EncodeToString(b), nil
}

// ParseToken decodes an encoded resume token. It is the exact inverse of
// Encode.
func ParseToken(s string) (ResumeToken, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ResumeToken{}, errors.Wrap(ErrInvalidToken, "decode hex")
	}
	if len(b) < tokenTimeLen+1 {
		return ResumeToken{}, errors.Wrap(ErrInvalidToken, "token too short",
			j.KV("len", len(b)))
	}

	var t ResumeToken
	t.ClusterTime.T = binary.BigEndian.Uint32(b[0:4])
	t.ClusterTime.I = binary.BigEndian.Uint32(b[4:8])
	b = b[tokenTimeLen:]

	switch b[0] {
	case tokenNoUUID:
		b = b[1:]
	case tokenHasUUID:
		if len(b) < 1+tokenUUIDLen {
			return ResumeToken{}, errors.Wrap(ErrInvalidToken, "truncated uuid")
		}
		var u uuid.UUID
		copy(u[:], b[1:1+tokenUUIDLen])
		t.UUID = &u
		b = b[1+tokenUUIDLen:]
	default:
		return ResumeToken{}, errors.Wrap(ErrInvalidToken, "bad uuid flag",
			j.KV("flag", b[0]))
	}

	if len(b) == 0 {
		return t, nil
	}

	key, rest, err := parseKeyDoc(b)
	if err != nil {
		return ResumeToken{}, err
	}
	if len(rest) > 0 {
		return ResumeToken{}, errors.Wrap(ErrInvalidToken, "trailing bytes",
			j.KV("len", len(rest)))
	}
	t.DocumentKey = key

	return t, nil
}

// TokenAt returns a resume position pointing at the given raw oplog
// timestamp. Streaming from it yields the first event strictly after that
// time. This is the moral equivalent of resuming from a previously issued
// event token, for clients that only kept a wall-clock bookmark.
func TokenAt(ts Timestamp) string {
	s, _ := ResumeToken{ClusterTime: ts}.Encode() // no document key, cannot fail
	return s
}

// appendKeyDoc appends the document's elements in order followed by the
// terminator. The terminator is below every type tag, so a document that
// is a strict prefix of another sorts first.
func appendKeyDoc(b []byte, d *birch.Document) ([]byte, error) {
	for e := range d.Iterator() {
		var err error
		b, err = appendKeyElement(b, e)
		if err != nil {
			return nil, err
		}
	}
	return append(b, keyTerminator), nil
}

// appendKeyElement appends one element as type tag, field name cstring and
// an order-preserving value. Raw BSON stores integers and doubles
// little-endian, which inverts byte order for multi-byte values, so signed
// values are rewritten big-endian with the sign bit adjusted. Anything
// without such a form (and strings embedding a NUL) is carried as a
// length-prefixed single-element BSON wrapper, ordered by its BSON bytes.
func appendKeyElement(b []byte, e *birch.Element) ([]byte, error) {
	v := e.Value()

	switch v.Type() {
	case bsontype.Int32:
		b = append(b, byte(bsontype.Int32))
		b = appendKeyCString(b, e.Key())
		return binary.BigEndian.AppendUint32(b, uint32(v.Int32())^(1<<31)), nil

	case bsontype.Int64:
		b = append(b, byte(bsontype.Int64))
		b = appendKeyCString(b, e.Key())
		return binary.BigEndian.AppendUint64(b, uint64(v.Int64())^(1<<63)), nil

	case bsontype.Double:
		bits := math.Float64bits(v.Double())
		if bits&(1<<63) == 0 {
			bits |= 1 << 63
		} else {
			bits = ^bits
		}
		b = append(b, byte(bsontype.Double))
		b = appendKeyCString(b, e.Key())
		return binary.BigEndian.AppendUint64(b, bits), nil

	case bsontype.String:
		if s := v.StringValue(); !strings.ContainsRune(s, 0) {
			b = append(b, byte(bsontype.String))
			b = appendKeyCString(b, e.Key())
			return appendKeyCString(b, s), nil
		}

	case bsontype.Boolean:
		b = append(b, byte(bsontype.Boolean))
		b = appendKeyCString(b, e.Key())
		if v.Boolean() {
			return append(b, 1), nil
		}
		return append(b, 0), nil

	case bsontype.Timestamp:
		ts, i := v.Timestamp()
		b = append(b, byte(bsontype.Timestamp))
		b = appendKeyCString(b, e.Key())
		b = binary.BigEndian.AppendUint32(b, ts)
		return binary.BigEndian.AppendUint32(b, i), nil

	case bsontype.Null:
		b = append(b, byte(bsontype.Null))
		return appendKeyCString(b, e.Key()), nil

	case bsontype.EmbeddedDocument:
		b = append(b, byte(bsontype.EmbeddedDocument))
		b = appendKeyCString(b, e.Key())
		return appendKeyDoc(b, v.MutableDocument())
	}

	raw, err := birch.DC.Elements(e).MarshalBSON()
	if err != nil {
		return nil, errors.Wrap(err, "marshal key element")
	}
	b = append(b, keyWrapperTag)
	return append(b, raw...), nil
}

func parseKeyDoc(b []byte) (*birch.Document, []byte, error) {
	doc := birch.DC.New()
	for {
		if len(b) == 0 {
			return nil, nil, errors.Wrap(ErrInvalidToken, "unterminated document key")
		}
		if b[0] == keyTerminator {
			return doc, b[1:], nil
		}

		e, rest, err := parseKeyElement(b)
		if err != nil {
			return nil, nil, err
		}
		doc.Append(e)
		b = rest
	}
}

func parseKeyElement(b []byte) (*birch.Element, []byte, error) {
	tag := b[0]
	b = b[1:]

	if tag == keyWrapperTag {
		if len(b) < 4 {
			return nil, nil, errors.Wrap(ErrInvalidToken, "truncated key wrapper")
		}
		l := int(binary.LittleEndian.Uint32(b))
		if l < 5 || l > len(b) {
			return nil, nil, errors.Wrap(ErrInvalidToken, "bad key wrapper length",
				j.KV("len", l))
		}
		d, err := birch.ReadDocument(b[:l])
		if err != nil {
			return nil, nil, errors.Wrap(ErrInvalidToken, "read key wrapper")
		}
		e := firstElement(d)
		if e == nil {
			return nil, nil, errors.Wrap(ErrInvalidToken, "empty key wrapper")
		}
		return e, b[l:], nil
	}

	key, b, err := parseKeyCString(b)
	if err != nil {
		return nil, nil, err
	}

	switch bsontype.Type(tag) {
	case bsontype.Int32:
		if len(b) < 4 {
			return nil, nil, errors.Wrap(ErrInvalidToken, "truncated int32 key value")
		}
		u := binary.BigEndian.Uint32(b) ^ (1 << 31)
		return birch.EC.Int32(key, int32(u)), b[4:], nil

	case bsontype.Int64:
		if len(b) < 8 {
			return nil, nil, errors.Wrap(ErrInvalidToken, "truncated int64 key value")
		}
		u := binary.BigEndian.Uint64(b) ^ (1 << 63)
		return birch.EC.Int64(key, int64(u)), b[8:], nil

	case bsontype.Double:
		if len(b) < 8 {
			return nil, nil, errors.Wrap(ErrInvalidToken, "truncated double key value")
		}
		bits := binary.BigEndian.Uint64(b)
		if bits&(1<<63) != 0 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}
		return birch.EC.Double(key, math.Float64frombits(bits)), b[8:], nil

	case bsontype.String:
		s, rest, err := parseKeyCString(b)
		if err != nil {
			return nil, nil, err
		}
		return birch.EC.String(key, s), rest, nil

	case bsontype.Boolean:
		if len(b) < 1 {
			return nil, nil, errors.Wrap(ErrInvalidToken, "truncated boolean key value")
		}
		return birch.EC.Boolean(key, b[0] == 1), b[1:], nil

	case bsontype.Timestamp:
		if len(b) < 8 {
			return nil, nil, errors.Wrap(ErrInvalidToken, "truncated timestamp key value")
		}
		ts := binary.BigEndian.Uint32(b)
		i := binary.BigEndian.Uint32(b[4:])
		return birch.EC.Timestamp(key, ts, i), b[8:], nil

	case bsontype.Null:
		return birch.EC.Null(key), b, nil

	case bsontype.EmbeddedDocument:
		sub, rest, err := parseKeyDoc(b)
		if err != nil {
			return nil, nil, err
		}
		return birch.EC.SubDocument(key, sub), rest, nil

	default:
		return nil, nil, errors.Wrap(ErrInvalidToken, "bad key element tag",
			j.KV("tag", tag))
	}
}

func appendKeyCString(b []byte, s string) []byte {
	b = append(b, s...)
	return append(b, 0x00)
}

func parseKeyCString(b []byte) (string, []byte, error) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", nil, errors.Wrap(ErrInvalidToken, "unterminated key cstring")
	}
	return string(b[:i]), b[i+1:], nil
}
