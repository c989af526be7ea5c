package rsoplog

import (
	"context"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/luno/jettison/log"
	"github.com/luno/reflex"
	"github.com/tychoish/birch"
)

// headPoll is the period at which an exhausted feed is re-polled when
// streaming without a head bound.
const headPoll = time.Millisecond * 500

var (
	// ErrCursorClosed is the terminal signal returned by every pull after
	// the stream yielded an invalidate or retryNeeded event. It is a
	// control signal, not a data error, and must not be swallowed by
	// stages layered on top of the cursor.
	ErrCursorClosed = errors.New("change stream cursor closed",
		j.C("ERR_rsoplog_cursor_closed"))

	// ErrNoTopology indicates construction without an active replication
	// topology; change streams require a replicated deployment.
	ErrNoTopology = errors.New("change streams require a replicated deployment",
		j.C("ERR_rsoplog_no_topology"))
)

// Topology is the replication-topology collaborator. Its presence is a
// hard construction-time precondition for change streams.
type Topology interface {
	// Replicated returns true if the deployment replicates its oplog.
	Replicated() bool
}

// NewStream returns a new change stream over the watched namespace,
// validating all configuration eagerly.
func NewStream(source Source, topo Topology, watched Namespace, opts ...option) (*Stream, error) {
	if source == nil {
		return nil, errors.New("nil source")
	}
	if topo == nil || !topo.Replicated() {
		return nil, errors.Wrap(ErrNoTopology, "new stream",
			j.KV("ns", watched.String()))
	}

	s := Stream{
		options: defaultOptions(),
		source:  source,
		watched: watched,
	}

	for _, opt := range opts {
		opt(&s.options)
	}

	if err := s.options.validate(); err != nil {
		return nil, err
	}

	return &s, nil
}

// Stream represents a change stream over one watched namespace. It is a
// three stage pull chain over the oplog feed: relevance filter, event
// transformer, invalidation gate.
type Stream struct {
	options

	// source is the oplog feed.
	source Source

	// watched is the namespace scope of the stream.
	watched Namespace
}

// SpecDocument serializes the stream's configuration. Reconstructing a
// stream from the parsed result yields an equivalent stream, and
// re-serializing it is byte-identical.
func (s *Stream) SpecDocument() *birch.Document {
	return s.options.specDocument()
}

// Open returns a cursor pulling from the stream's configured resume
// position. The cursor is only safe for a single goroutine to use.
func (s *Stream) Open() *Cursor {
	pos := s.startAt
	if s.resumeAfter != "" {
		// Validated at construction.
		if tok, err := ParseToken(s.resumeAfter); err == nil {
			pos = tok.ClusterTime
		}
	}

	return &Cursor{
		source:      s.source,
		watched:     s.watched,
		transformer: NewTransformer(s.resolver),
		pos:         pos,
	}
}

// Cursor is a synchronous single-consumer pull over the change stream.
type Cursor struct {
	source      Source
	watched     Namespace
	transformer *Transformer
	pos         Timestamp
	closed      bool
}

// Next returns the next change event. It returns reflex.ErrHeadReached
// when the feed is currently exhausted (benign, retry later) and
// ErrCursorClosed on every call after a terminal event was yielded. The
// Open to Closed transition is one-way and happens exactly once, on
// yielding the terminal event itself, so a client cannot filter away
// stream termination.
func (c *Cursor) Next(ctx context.Context) (*ChangeEvent, error) {
	if c.closed {
		return nil, errors.Wrap(ErrCursorClosed, "",
			j.KV("ns", c.watched.String()))
	}

	for {
		rec, err := c.source.Next(ctx, c.pos)
		if err != nil {
			return nil, err
		}
		c.pos = rec.TS

		if !filterRelevant(rec, c.watched) {
			continue
		}

		ev := c.transformer.Transform(rec)
		if ev == nil {
			continue
		}

		if ev.Operation.IsTerminal() {
			c.closed = true
		}

		return ev, nil
	}
}

// Stream implements reflex.StreamFunc and returns a StreamClient that
// streams change events from the provided cursor.
//
// Stream is safe to call from multiple goroutines, but the returned
// StreamClient is only safe for a single goroutine to use.
//
// The cursor is a previously streamed event ID or the result of TokenAt;
// empty falls back to the stream's configured resume position.
func (s *Stream) Stream(ctx context.Context, cursorStr string,
	opts ...reflex.StreamOption) (reflex.StreamClient, error) {

	var o reflex.StreamOptions
	for _, opt := range opts {
		opt(&o)
	}

	if o.StreamFromHead {
		return nil, errors.New("stream from head not supported yet")
	}

	cur := s.Open()
	if cursorStr != "" {
		tok, err := ParseToken(cursorStr)
		if err != nil {
			return nil, errors.Wrap(err, "parse cursor")
		}
		cur.pos = tok.ClusterTime
	}

	log.Info(ctx, "rsoplog: streaming change events",
		j.MKV{"ns": s.watched.String(), "after": cur.pos.String()})

	sc := &streamclient{
		eventChan: make(chan *reflex.Event),
		errChan:   make(chan error, 1),
	}

	run := func() error {
		for {
			ev, err := cur.Next(ctx)
			if errors.Is(err, reflex.ErrHeadReached) {
				if o.StreamToHead {
					return reflex.ErrHeadReached
				}

				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(headPoll):
				}
				continue
			} else if errors.Is(err, ErrCursorClosed) {
				log.Info(ctx, "rsoplog: change stream closed",
					j.KV("ns", s.watched.String()))
				return err
			} else if err != nil {
				return err
			}

			re, err := toReflexEvent(ev)
			if err != nil {
				return err
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case sc.eventChan <- re:
			}
		}
	}

	go func() {
		sc.errChan <- run()
	}()

	return sc, nil
}

// toReflexEvent maps a change event into the reflex event shape: the
// resume token as ID, the namespace as foreign ID and the client-facing
// document as metadata.
func toReflexEvent(ev *ChangeEvent) (*reflex.Event, error) {
	id, err := ev.ID.Encode()
	if err != nil {
		return nil, err
	}

	doc, err := ev.Document()
	if err != nil {
		return nil, err
	}

	meta, err := doc.MarshalBSON()
	if err != nil {
		return nil, errors.Wrap(err, "marshal event")
	}

	var foreignID string
	if !ev.NS.IsZero() {
		foreignID = ev.NS.String()
	}

	return &reflex.Event{
		ID:        id,
		Type:      ev.Operation,
		ForeignID: foreignID,
		Timestamp: time.Unix(int64(ev.ID.ClusterTime.T), 0),
		MetaData:  meta,
	}, nil
}

type streamclient struct {
	eventChan chan *reflex.Event
	errChan   chan error
	err       error
}

func (s *streamclient) Recv() (*reflex.Event, error) {
	if s.err != nil {
		return nil, s.err
	}

	select {
	case e := <-s.eventChan:
		return e, nil
	case err := <-s.errChan:
		s.err = err
		return nil, err
	}
}
