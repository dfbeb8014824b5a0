package eventlog

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const defaultReplayBatch = 256

// Reader is the query side of the log.
type Reader interface {
	Query(ctx context.Context, f Filter) ([]Event, error)
}

// Writer is the append side of the log. Append is the only mutation entry point.
type Writer interface {
	Append(ctx context.Context, ev Event) (Event, error)
	AppendUnique(ctx context.Context, ev Event, key string) (Event, bool, error)
}

// ReadWriter combines both sides.
type ReadWriter interface {
	Reader
	Writer
}

// Sink is notified after every successful append.
type Sink interface {
	Deliver(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Deliver(ev Event) { f(ev) }

// Log is the append-only, tag-indexed event log.
type Log struct {
	store     Store
	clock     func() time.Time
	batchSize int
	logger    *slog.Logger

	entropyMu sync.Mutex
	entropy   io.Reader

	sinkMu sync.RWMutex
	sinks  []Sink
}

// Option customizes a Log.
type Option func(*Log)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(l *Log) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithSink registers a sink at construction time.
func WithSink(s Sink) Option {
	return func(l *Log) {
		if s != nil {
			l.sinks = append(l.sinks, s)
		}
	}
}

// WithReplayBatch sets how many events Replay fetches per page.
func WithReplayBatch(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.batchSize = n
		}
	}
}

// WithLogger sets the logger used for sink diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New wires a log to its store.
func New(store Store, opts ...Option) (*Log, error) {
	if store == nil {
		return nil, fmt.Errorf("eventlog: store is required")
	}
	l := &Log{
		store:     store,
		clock:     time.Now,
		batchSize: defaultReplayBatch,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		entropy:   ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

// AddSink registers a sink after construction.
func (l *Log) AddSink(s Sink) {
	if s == nil {
		return
	}
	l.sinkMu.Lock()
	l.sinks = append(l.sinks, s)
	l.sinkMu.Unlock()
}

// Append validates, stamps, and stores ev. It fails with ErrInvalidEvent
// before touching storage, or with ErrStorageUnavailable when the store fails.
func (l *Log) Append(ctx context.Context, ev Event) (Event, error) {
	stored, _, err := l.append(ctx, ev, "")
	return stored, err
}

// AppendUnique appends ev unless key was used before. The boolean reports
// whether this call appended.
func (l *Log) AppendUnique(ctx context.Context, ev Event, key string) (Event, bool, error) {
	if key == "" {
		return Event{}, false, fmt.Errorf("eventlog: unique key is required")
	}
	return l.append(ctx, ev, key)
}

func (l *Log) append(ctx context.Context, ev Event, key string) (Event, bool, error) {
	prepared, err := l.prepare(ev)
	if err != nil {
		return Event{}, false, err
	}
	stored, err := l.store.Append(ctx, prepared, key)
	if errors.Is(err, ErrDuplicateKey) {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, storageErr("append", err)
	}
	l.notify(stored)
	return stored, true, nil
}

func (l *Log) prepare(ev Event) (Event, error) {
	out := ev.normalized()
	if err := out.Validate(); err != nil {
		return Event{}, err
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = l.clock()
	}
	out.Timestamp = millis(out.Timestamp)
	if out.ID == "" {
		id, err := l.newID(out.Timestamp)
		if err != nil {
			return Event{}, err
		}
		out.ID = id
	}
	out.Position = 0
	return out, nil
}

func (l *Log) newID(ts time.Time) (string, error) {
	l.entropyMu.Lock()
	defer l.entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(ts), l.entropy)
	if err != nil {
		// Monotonic entropy overflows within one millisecond; fall back to fresh randomness.
		id, err = ulid.New(ulid.Timestamp(ts), rand.Reader)
		if err != nil {
			return "", fmt.Errorf("eventlog: generate id: %w", err)
		}
	}
	return id.String(), nil
}

func (l *Log) notify(ev Event) {
	l.sinkMu.RLock()
	sinks := append([]Sink(nil), l.sinks...)
	l.sinkMu.RUnlock()
	for _, sink := range sinks {
		l.deliver(sink, ev.Clone())
	}
}

func (l *Log) deliver(sink Sink, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("eventlog: sink panic", "event", ev.ID, "type", ev.Type, "panic", r)
		}
	}()
	sink.Deliver(ev)
}

// Query returns every event matching f in append order.
func (l *Log) Query(ctx context.Context, f Filter) ([]Event, error) {
	events, err := l.store.Query(ctx, f)
	if err != nil {
		return nil, storageErr("query", err)
	}
	return events, nil
}

// Head returns the position of the most recent event.
func (l *Log) Head(ctx context.Context) (int64, error) {
	head, err := l.store.Head(ctx)
	if err != nil {
		return 0, storageErr("head", err)
	}
	return head, nil
}

// ReplayFrom anchors a replay at a position (inclusive) or a time (inclusive).
type ReplayFrom struct {
	Position int64
	Time     time.Time
}

// FromStart replays from the first event.
func FromStart() ReplayFrom { return ReplayFrom{} }

// FromPosition replays starting at position p.
func FromPosition(p int64) ReplayFrom { return ReplayFrom{Position: p} }

// FromTime replays events stamped at or after t.
func FromTime(t time.Time) ReplayFrom { return ReplayFrom{Time: t} }

// Replay returns a lazy sequence over the events matching f from the given
// anchor. Each range over the sequence starts again from the anchor and stops
// at the head observed when that range began, so it is restartable and finite.
// Errors are yielded once and end the sequence.
func (l *Log) Replay(ctx context.Context, from ReplayFrom, f Filter) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		head, err := l.Head(ctx)
		if err != nil {
			yield(Event{}, err)
			return
		}
		page := f.clone()
		page.Limit = l.batchSize
		if from.Position > 1 && from.Position-1 > page.AfterPosition {
			page.AfterPosition = from.Position - 1
		}
		if !from.Time.IsZero() && from.Time.After(page.Since) {
			page.Since = from.Time
		}
		emitted := 0
		for {
			batch, err := l.Query(ctx, page)
			if err != nil {
				yield(Event{}, err)
				return
			}
			for _, ev := range batch {
				if ev.Position > head {
					return
				}
				if !yield(ev, nil) {
					return
				}
				emitted++
				if f.Limit > 0 && emitted >= f.Limit {
					return
				}
				page.AfterPosition = ev.Position
			}
			if len(batch) < page.Limit {
				return
			}
		}
	}
}

// Close releases the store.
func (l *Log) Close() error {
	return l.store.Close()
}
