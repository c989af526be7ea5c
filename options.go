package rsoplog

import (
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/tychoish/birch"
	"github.com/tychoish/birch/bsontype"
)

// FullDocument controls what the fullDocument field of update events
// contains.
type FullDocument string

const (
	// FullDocumentDefault emits no post-image on updates.
	FullDocumentDefault FullDocument = "default"

	// FullDocumentUpdateLookup asks a downstream stage to look up the
	// current post-image. The stream carries and validates the mode; the
	// lookup itself is not performed here.
	FullDocumentUpdateLookup FullDocument = "updateLookup"
)

// Spec document option keys.
const (
	specFullDocument = "fullDocument"
	specResumeAfter  = "resumeAfter"
	specStartAt      = "startAtClusterTime"
)

// Configuration errors, raised at construction time and never silently
// defaulted.
var (
	ErrUnknownOption = errors.New("unknown change stream option",
		j.C("ERR_rsoplog_unknown_option"))
	ErrFullDocumentType = errors.New("fullDocument option must be a string",
		j.C("ERR_rsoplog_full_document_type"))
	ErrFullDocumentValue = errors.New("unrecognized fullDocument option value",
		j.C("ERR_rsoplog_full_document_value"))
	ErrStartAtType = errors.New("startAtClusterTime option must be a timestamp",
		j.C("ERR_rsoplog_start_at_type"))
)

type options struct {
	// fullDocument is empty when not explicitly configured, which behaves
	// as FullDocumentDefault but is omitted from the serialized spec.
	fullDocument FullDocument
	resumeAfter  string
	startAt      Timestamp
	resolver     KeyResolver
}

func defaultOptions() options {
	return options{
		resolver: StaticKeyResolver(nil),
	}
}

type option func(*options)

// WithFullDocument sets the fullDocument mode.
func WithFullDocument(mode FullDocument) option {
	return func(o *options) {
		o.fullDocument = mode
	}
}

// WithResumeAfter resumes the stream strictly after a previously issued
// resume token.
func WithResumeAfter(token string) option {
	return func(o *options) {
		o.resumeAfter = token
	}
}

// WithStartAtTimestamp resumes the stream strictly after a raw oplog
// timestamp.
func WithStartAtTimestamp(ts Timestamp) option {
	return func(o *options) {
		o.startAt = ts
	}
}

// WithKeyResolver sets the document key resolver. The default resolves
// every collection to the _id key.
func WithKeyResolver(r KeyResolver) option {
	return func(o *options) {
		o.resolver = r
	}
}

// validate checks the assembled options the same way ParseSpec checks a
// spec document, so directly applied options get the same eager errors.
func (o options) validate() error {
	switch o.fullDocument {
	case "", FullDocumentDefault, FullDocumentUpdateLookup:
	default:
		return errors.Wrap(ErrFullDocumentValue, "validate options",
			j.KV("value", string(o.fullDocument)))
	}

	if o.resumeAfter != "" {
		if _, err := ParseToken(o.resumeAfter); err != nil {
			return errors.Wrap(err, "validate resume token")
		}
	}

	return nil
}

// ParseSpec parses and eagerly validates a change stream spec document.
// Unrecognized keys, wrongly typed values and unrecognized enumerated
// values are configuration errors, not first-pull errors.
func ParseSpec(spec *birch.Document) ([]option, error) {
	var res []option

	if spec == nil {
		return nil, nil
	}

	for e := range spec.Iterator() {
		switch e.Key() {
		case specFullDocument:
			s, ok := e.Value().StringValueOK()
			if !ok {
				return nil, errors.Wrap(ErrFullDocumentType, "parse spec",
					j.KV("type", e.Value().Type()))
			}
			mode := FullDocument(s)
			if mode != FullDocumentDefault && mode != FullDocumentUpdateLookup {
				return nil, errors.Wrap(ErrFullDocumentValue, "parse spec",
					j.KV("value", s))
			}
			res = append(res, WithFullDocument(mode))

		case specResumeAfter:
			s, ok := e.Value().StringValueOK()
			if !ok {
				return nil, errors.Wrap(ErrInvalidToken, "parse spec",
					j.KV("type", e.Value().Type()))
			}
			if _, err := ParseToken(s); err != nil {
				return nil, errors.Wrap(err, "parse spec")
			}
			res = append(res, WithResumeAfter(s))

		case specStartAt:
			if e.Value().Type() != bsontype.Timestamp {
				return nil, errors.Wrap(ErrStartAtType, "parse spec",
					j.KV("type", e.Value().Type()))
			}
			t, i := e.Value().Timestamp()
			res = append(res, WithStartAtTimestamp(Timestamp{T: t, I: i}))

		default:
			return nil, errors.Wrap(ErrUnknownOption, "parse spec",
				j.KV("option", e.Key()))
		}
	}

	return res, nil
}

// specDocument serializes the explicitly configured options. Parsing the
// result reproduces an equivalent set of options, and serializing those
// again is byte-identical.
func (o options) specDocument() *birch.Document {
	doc := birch.DC.New()
	if o.fullDocument != "" {
		doc.Append(birch.EC.String(specFullDocument, string(o.fullDocument)))
	}
	if o.resumeAfter != "" {
		doc.Append(birch.EC.String(specResumeAfter, o.resumeAfter))
	}
	if !o.startAt.IsZero() {
		doc.Append(birch.EC.Timestamp(specStartAt, o.startAt.T, o.startAt.I))
	}
	return doc
}
