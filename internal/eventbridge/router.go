package eventbridge

import (
	"log/slog"
	"sync"

	"github.com/kingrea/lattice-orchestrator/internal/eventlog"
)

const (
	defaultSubscriberCapacity = 100
	defaultBacklogLimit       = 50
	defaultDedupeWindow       = 1024
)

// RouterOption customizes Router construction.
type RouterOption func(*Router)

// Router fans committed events out to live subscribers, each selecting events
// with an eventlog.Filter. It is registered on the log as a Sink. Delivery
// never blocks the appender: a full subscriber queue drops its least
// important event.
type Router struct {
	mu           sync.RWMutex
	subscribers  map[*subscriber]struct{}
	backlog      []eventlog.Event
	recentIDs    map[string]struct{}
	recentOrder  []string
	channelSize  int
	backlogLimit int
	dedupeWindow int
	logger       *slog.Logger
}

var _ eventlog.Sink = (*Router)(nil)

// Subscription represents an active filtered subscription.
type Subscription struct {
	Events <-chan eventlog.Event
	cancel func()
}

// Close terminates the subscription and closes Events.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewRouter constructs a router with sane defaults.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		subscribers:  map[*subscriber]struct{}{},
		recentIDs:    map[string]struct{}{},
		recentOrder:  make([]string, 0, defaultDedupeWindow),
		channelSize:  defaultSubscriberCapacity,
		backlogLimit: defaultBacklogLimit,
		dedupeWindow: defaultDedupeWindow,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RouterWithLogger injects a logger for drop diagnostics.
func RouterWithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// RouterWithSubscriberCapacity overrides the buffered channel size per subscriber.
func RouterWithSubscriberCapacity(cap int) RouterOption {
	return func(r *Router) {
		if cap > 0 {
			r.channelSize = cap
		}
	}
}

// RouterWithBacklogLimit sets how many recent events a new subscriber that
// asks for the backlog receives.
func RouterWithBacklogLimit(limit int) RouterOption {
	return func(r *Router) {
		if limit > 0 {
			r.backlogLimit = limit
		}
	}
}

// RouterWithDedupeWindow controls how many recent event IDs are retained.
func RouterWithDedupeWindow(size int) RouterOption {
	return func(r *Router) {
		if size > 0 {
			r.dedupeWindow = size
		}
	}
}

// Subscribe registers for events matching f. With backlog set the matching
// recent events are delivered first.
func (r *Router) Subscribe(f eventlog.Filter, backlog bool) Subscription {
	sub := newSubscriber(f, r.channelSize, r.logger)
	var recent []eventlog.Event
	r.mu.Lock()
	r.subscribers[sub] = struct{}{}
	if backlog {
		recent = append(recent, r.backlog...)
	}
	r.mu.Unlock()
	for _, ev := range recent {
		if sub.wants(ev) {
			sub.deliver(ev)
		}
	}
	return Subscription{
		Events: sub.channel(),
		cancel: func() {
			r.removeSubscriber(sub)
		},
	}
}

// Subscribers reports the number of live subscriptions.
func (r *Router) Subscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

// Deliver satisfies eventlog.Sink.
func (r *Router) Deliver(ev eventlog.Event) {
	r.Route(ev)
}

// Route delivers the event to every subscriber whose filter matches and
// records it in the backlog.
func (r *Router) Route(ev eventlog.Event) {
	if ev.ID != "" && r.isDuplicate(ev.ID) {
		return
	}
	r.mu.Lock()
	r.remember(ev)
	subs := r.snapshotSubscribers()
	r.mu.Unlock()
	for _, sub := range subs {
		if sub.wants(ev) {
			sub.deliver(ev)
		}
	}
}

// Close ends every subscription.
func (r *Router) Close() {
	r.mu.Lock()
	subs := r.snapshotSubscribers()
	r.subscribers = map[*subscriber]struct{}{}
	r.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}

func (r *Router) snapshotSubscribers() []*subscriber {
	if len(r.subscribers) == 0 {
		return nil
	}
	items := make([]*subscriber, 0, len(r.subscribers))
	for sub := range r.subscribers {
		items = append(items, sub)
	}
	return items
}

func (r *Router) removeSubscriber(sub *subscriber) {
	r.mu.Lock()
	delete(r.subscribers, sub)
	r.mu.Unlock()
	sub.close()
}

// remember keeps the last backlogLimit events. Callers hold mu.
func (r *Router) remember(ev eventlog.Event) {
	if len(r.backlog) >= r.backlogLimit {
		r.backlog = r.backlog[1:]
	}
	r.backlog = append(r.backlog, ev)
}

func (r *Router) isDuplicate(eventID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.recentIDs[eventID]; ok {
		return true
	}
	r.recentIDs[eventID] = struct{}{}
	r.recentOrder = append(r.recentOrder, eventID)
	if len(r.recentOrder) > r.dedupeWindow {
		oldest := r.recentOrder[0]
		r.recentOrder = r.recentOrder[1:]
		delete(r.recentIDs, oldest)
	}
	return false
}

type subscriber struct {
	filter  eventlog.Filter
	ch      chan eventlog.Event
	logger  *slog.Logger
	closed  bool
	closeMu sync.Mutex
}

func newSubscriber(f eventlog.Filter, capacity int, logger *slog.Logger) *subscriber {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	// Limit bounds queries, not live streams.
	f.Limit = 0
	return &subscriber{
		filter: f,
		ch:     make(chan eventlog.Event, capacity),
		logger: logger,
	}
}

func (s *subscriber) channel() <-chan eventlog.Event {
	return s.ch
}

func (s *subscriber) wants(ev eventlog.Event) bool {
	return s.filter.Matches(ev)
}

// deliver holds closeMu so a concurrent close cannot race the send.
func (s *subscriber) deliver(ev eventlog.Event) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
		return
	default:
	}
	var oldest eventlog.Event
	select {
	case oldest = <-s.ch:
	default:
		// The reader drained the queue meanwhile.
		s.ch <- ev
		return
	}
	if shouldDropOldest(oldest, ev) {
		s.logDrop(oldest, "queue overflow")
		s.ch <- ev
	} else {
		s.ch <- oldest
		s.logDrop(ev, "queue overflow:incoming")
	}
}

func (s *subscriber) logDrop(ev eventlog.Event, reason string) {
	if s.logger == nil {
		return
	}
	s.logger.Warn("eventbridge: dropped event", "type", ev.Type, "id", ev.ID, "reason", reason)
}

func (s *subscriber) close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func shouldDropOldest(oldest, incoming eventlog.Event) bool {
	oldestCritical := isCriticalEvent(oldest.Type)
	incomingCritical := isCriticalEvent(incoming.Type)
	switch {
	case oldestCritical && !incomingCritical:
		return false
	case !oldestCritical && incomingCritical:
		return true
	}
	oldestPreferred := isPreferredDrop(oldest.Type)
	incomingPreferred := isPreferredDrop(incoming.Type)
	if oldestPreferred && !incomingPreferred {
		return true
	}
	if !oldestPreferred && incomingPreferred {
		return false
	}
	return true
}

// Terminal run events are never dropped in favour of chatter.
func isCriticalEvent(kind string) bool {
	return kind == eventlog.TypeWorkflowCompleted || kind == eventlog.TypeWorkflowFailed
}

func isPreferredDrop(kind string) bool {
	return kind == eventlog.TypePluginExecuted || kind == eventlog.TypeTriggerActivated
}
