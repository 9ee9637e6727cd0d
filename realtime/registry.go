package realtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	usmqtt "github.com/bronystylecrazy/topicmux/realtime/mqtt"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Binding is one handler registered on one filter.
type Binding struct {
	ID      uint64
	Filter  string
	Handler Handler
}

// Registration describes the outcome of a successful Register call. Count is
// the number of handlers on Filter after the registration.
type Registration struct {
	ID     uint64
	Filter string
	Count  int
}

type subscriptionEntry struct {
	filter     string
	bindings   []Binding
	subscribed bool
}

// table is an immutable snapshot; writers publish a modified copy. matches
// caches lookups against this snapshot only, so a new table starts cold.
type table struct {
	entries []*subscriptionEntry
	matches *lru.Cache[string, []Binding]
}

func (t *table) indexOf(filter string) int {
	for i, e := range t.entries {
		if e.filter == filter {
			return i
		}
	}
	return -1
}

func (t *table) withBinding(idx int, b Binding, subscribed bool) (*table, int) {
	entries := make([]*subscriptionEntry, len(t.entries), len(t.entries)+1)
	copy(entries, t.entries)

	if idx < 0 {
		entry := &subscriptionEntry{filter: b.Filter, bindings: []Binding{b}, subscribed: subscribed}
		return &table{entries: append(entries, entry)}, 1
	}

	old := entries[idx]
	bindings := make([]Binding, len(old.bindings), len(old.bindings)+1)
	copy(bindings, old.bindings)
	entries[idx] = &subscriptionEntry{
		filter:     old.filter,
		bindings:   append(bindings, b),
		subscribed: old.subscribed,
	}
	return &table{entries: entries}, len(bindings) + 1
}

// Registry maps filters to their handlers and makes sure the broker is
// subscribed to each distinct filter string exactly once. Reads work on an
// atomically swapped snapshot and never block; writers are serialized,
// including the broker round-trip of a new filter.
type Registry struct {
	mu      sync.Mutex
	nextID  uint64
	closed  bool
	current atomic.Pointer[table]

	sub       usmqtt.Subscriber
	policy    usmqtt.MatchPolicy
	cacheSize int
	log       *zap.Logger
}

type RegistryOption func(*Registry)

func WithMatchPolicy(policy usmqtt.MatchPolicy) RegistryOption {
	return func(r *Registry) {
		r.policy = policy
	}
}

// WithMatchCache keeps the bindings of up to size recently dispatched topics.
// Zero disables the cache.
func WithMatchCache(size int) RegistryOption {
	return func(r *Registry) {
		r.cacheSize = size
	}
}

func WithRegistryLogger(log *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// NewRegistry builds a registry backed by sub. A nil sub keeps every
// registration local.
func NewRegistry(sub usmqtt.Subscriber, opts ...RegistryOption) *Registry {
	r := &Registry{
		sub: sub,
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.publish(&table{})
	return r
}

func (r *Registry) publish(t *table) {
	if r.cacheSize > 0 {
		t.matches, _ = lru.New[string, []Binding](r.cacheSize)
	}
	r.current.Store(t)
}

func (r *Registry) Register(ctx context.Context, filter string, handler Handler) (Registration, error) {
	if handler == nil {
		return Registration{}, ErrInvalidRegistrationArgs
	}
	if err := usmqtt.ValidateFilter(filter); err != nil {
		return Registration{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Registration{}, ErrRegistryClosed
	}

	cur := r.current.Load()
	idx := cur.indexOf(filter)
	if idx < 0 && r.sub != nil {
		if err := r.sub.Subscribe(ctx, filter); err != nil {
			r.log.Warn("broker subscribe failed", zap.String("filter", filter), zap.Error(err))
			return Registration{}, fmt.Errorf("%w: filter=%q: %w", ErrSubscriptionFailed, filter, err)
		}
		r.log.Debug("broker subscribed", zap.String("filter", filter))
	}

	r.nextID++
	b := Binding{ID: r.nextID, Filter: filter, Handler: handler}
	next, count := cur.withBinding(idx, b, r.sub != nil)
	r.publish(next)

	return Registration{ID: b.ID, Filter: filter, Count: count}, nil
}

// Unregister removes one binding. Removing the last binding of a filter drops
// the entry and asks the broker to unsubscribe it.
func (r *Registry) Unregister(ctx context.Context, filter string, id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	idx := cur.indexOf(filter)
	if idx < 0 {
		return fmt.Errorf("%w: filter=%q id=%d", ErrBindingNotFound, filter, id)
	}

	old := cur.entries[idx]
	bindings := make([]Binding, 0, len(old.bindings))
	for _, b := range old.bindings {
		if b.ID != id {
			bindings = append(bindings, b)
		}
	}
	if len(bindings) == len(old.bindings) {
		return fmt.Errorf("%w: filter=%q id=%d", ErrBindingNotFound, filter, id)
	}

	entries := make([]*subscriptionEntry, 0, len(cur.entries))
	entries = append(entries, cur.entries[:idx]...)
	if len(bindings) > 0 {
		entries = append(entries, &subscriptionEntry{filter: filter, bindings: bindings, subscribed: old.subscribed})
	}
	entries = append(entries, cur.entries[idx+1:]...)
	r.publish(&table{entries: entries})

	if len(bindings) > 0 || !old.subscribed || r.sub == nil {
		return nil
	}
	if err := r.sub.Unsubscribe(ctx, filter); err != nil {
		return fmt.Errorf("realtime: unsubscribe %q: %w", filter, err)
	}
	return nil
}

// HandlersMatching returns the bindings whose filter matches topic, in filter
// registration order and then handler registration order. The slice may be
// shared with other callers and must not be modified.
func (r *Registry) HandlersMatching(topic string) []Binding {
	cur := r.current.Load()
	if cur.matches != nil {
		if out, ok := cur.matches.Get(topic); ok {
			return out
		}
	}

	var out []Binding
	for _, e := range cur.entries {
		if !usmqtt.MatchesWith(r.policy, e.filter, topic) {
			continue
		}
		out = append(out, e.bindings...)
	}
	if cur.matches != nil {
		cur.matches.Add(topic, out)
	}
	return out
}

func (r *Registry) Filters() []string {
	cur := r.current.Load()
	out := make([]string, 0, len(cur.entries))
	for _, e := range cur.entries {
		out = append(out, e.filter)
	}
	return out
}

// Len returns the number of distinct filters.
func (r *Registry) Len() int {
	return len(r.current.Load().entries)
}

// Count returns the number of handlers registered on filter.
func (r *Registry) Count(filter string) int {
	cur := r.current.Load()
	if idx := cur.indexOf(filter); idx >= 0 {
		return len(cur.entries[idx].bindings)
	}
	return 0
}

// Subscribed reports whether filter has been sent to the broker.
func (r *Registry) Subscribed(filter string) bool {
	cur := r.current.Load()
	if idx := cur.indexOf(filter); idx >= 0 {
		return cur.entries[idx].subscribed
	}
	return false
}

// Close drops every entry and unsubscribes all filters from the broker.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	cur := r.current.Swap(&table{})

	var err error
	for _, e := range cur.entries {
		if !e.subscribed || r.sub == nil {
			continue
		}
		err = multierr.Append(err, r.sub.Unsubscribe(ctx, e.filter))
	}

	r.log.Debug("topic subscriptions cleaned", zap.Int("count", len(cur.entries)))
	return err
}
