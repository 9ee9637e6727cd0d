package rd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	usmqtt "github.com/bronystylecrazy/topicmux/realtime/mqtt"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var ErrGatewayStopped = errors.New("realtime/rd: gateway is stopped")

// DefaultAckTimeout bounds the wait for a subscribe confirmation when the
// caller's context has no deadline.
const DefaultAckTimeout = 5 * time.Second

// subKey is one redis subscription: a plain channel or a glob pattern.
type subKey struct {
	pattern bool
	name    string
}

// Gateway carries topic traffic over redis pub/sub. Exact filters map to
// SUBSCRIBE on the prefixed topic. Wildcard filters map to PSUBSCRIBE on a
// glob that is at least as broad as the filter; deliveries are narrowed with
// MQTT matching before they reach the receiver.
type Gateway struct {
	client     *redis.Client
	ownsClient bool
	prefix     string
	log        *zap.Logger
	filters    usmqtt.FilterSet

	mu       sync.Mutex
	ps       *redis.PubSub
	refs     map[subKey]int
	loopDone chan struct{}
	stopped  atomic.Bool

	recvMu   sync.RWMutex
	receiver usmqtt.Receiver

	// acks holds one waiter per key whose SUBSCRIBE is in flight.
	ackMu sync.Mutex
	acks  map[subKey]chan struct{}
}

type Option func(*Gateway)

func WithLogger(log *zap.Logger) Option {
	return func(g *Gateway) {
		if log != nil {
			g.log = log
		}
	}
}

func WithChannelPrefix(prefix string) Option {
	return func(g *Gateway) {
		g.prefix = prefix
	}
}

// NewGateway wraps an existing client. The caller keeps ownership of it.
func NewGateway(client *redis.Client, opts ...Option) *Gateway {
	g := &Gateway{
		client: client,
		log:    zap.NewNop(),
		refs:   make(map[subKey]int),
		acks:   make(map[subKey]chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// NewGatewayFromConfig dials redis from cfg; Stop closes the client.
func NewGatewayFromConfig(cfg Config, opts ...Option) (*Gateway, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("realtime/rd: client: %w", err)
	}
	g := NewGateway(client, append([]Option{WithChannelPrefix(cfg.ChannelPrefix)}, opts...)...)
	g.ownsClient = true
	return g, nil
}

func (g *Gateway) SetReceiver(r usmqtt.Receiver) {
	g.recvMu.Lock()
	g.receiver = r
	g.recvMu.Unlock()
}

// Start checks that redis is reachable.
func (g *Gateway) Start(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := g.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("realtime/rd: ping: %w", err)
	}
	g.log.Debug("redis gateway started", zap.String("prefix", g.prefix))
	return nil
}

func (g *Gateway) Stop(context.Context) error {
	g.mu.Lock()
	if !g.stopped.CompareAndSwap(false, true) {
		g.mu.Unlock()
		return nil
	}
	ps, done := g.ps, g.loopDone
	g.ps = nil
	g.refs = make(map[subKey]int)
	g.mu.Unlock()
	g.filters.Reset()

	var err error
	if ps != nil {
		err = multierr.Append(err, ps.Close())
		<-done
	}
	if g.ownsClient {
		err = multierr.Append(err, g.client.Close())
	}
	return err
}

func (g *Gateway) Publish(ctx context.Context, topic string, payload []byte, _ bool, _ byte) error {
	if err := g.client.Publish(ctx, g.prefix+topic, payload).Err(); err != nil {
		return fmt.Errorf("realtime/rd: publish %q: %w", topic, err)
	}
	return nil
}

func (g *Gateway) Subscribe(ctx context.Context, filter string) error {
	if err := usmqtt.ValidateFilter(filter); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped.Load() {
		return ErrGatewayStopped
	}
	if g.filters.Contains(filter) {
		return nil
	}

	var added []subKey
	for _, key := range g.keysFor(filter) {
		if g.refs[key] == 0 {
			if err := g.subscribeKey(ctx, key); err != nil {
				for _, k := range added {
					g.release(ctx, k)
				}
				return fmt.Errorf("realtime/rd: subscribe %q: %w", filter, err)
			}
		}
		g.refs[key]++
		added = append(added, key)
	}
	g.filters.Add(filter)
	g.log.Debug("redis filter subscribed", zap.String("filter", filter), zap.Int("keys", len(added)))
	return nil
}

func (g *Gateway) Unsubscribe(ctx context.Context, filter string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.filters.Remove(filter) {
		return nil
	}

	var err error
	for _, key := range g.keysFor(filter) {
		err = multierr.Append(err, g.release(ctx, key))
	}
	return err
}

// Filters returns the subscribed filters in subscription order.
func (g *Gateway) Filters() []string {
	return g.filters.List()
}

// subscribeKey sends SUBSCRIBE or PSUBSCRIBE for key and waits until redis
// confirms it. The PubSub is opened without channels so that the first
// subscription reports its error like every later one.
func (g *Gateway) subscribeKey(ctx context.Context, key subKey) error {
	if g.ps == nil {
		g.ps = g.client.Subscribe(ctx)
		g.loopDone = make(chan struct{})
		go g.receiveLoop(g.ps, g.loopDone)
	}

	ack := g.expectAck(key)
	defer g.dropAck(key)

	var err error
	if key.pattern {
		err = g.ps.PSubscribe(ctx, key.name)
	} else {
		err = g.ps.Subscribe(ctx, key.name)
	}
	if err == nil {
		err = awaitAck(ctx, ack)
	}
	if err != nil {
		// go-redis keeps the key for resubscription even when the command
		// failed; forget it so a reconnect does not revive it.
		_ = g.unsubscribeKey(context.WithoutCancel(ctx), key)
		return err
	}
	return nil
}

func (g *Gateway) unsubscribeKey(ctx context.Context, key subKey) error {
	if key.pattern {
		return g.ps.PUnsubscribe(ctx, key.name)
	}
	return g.ps.Unsubscribe(ctx, key.name)
}

func (g *Gateway) expectAck(key subKey) <-chan struct{} {
	ch := make(chan struct{})
	g.ackMu.Lock()
	g.acks[key] = ch
	g.ackMu.Unlock()
	return ch
}

func (g *Gateway) dropAck(key subKey) {
	g.ackMu.Lock()
	delete(g.acks, key)
	g.ackMu.Unlock()
}

func (g *Gateway) confirm(key subKey) {
	g.ackMu.Lock()
	defer g.ackMu.Unlock()
	if ch, ok := g.acks[key]; ok {
		close(ch)
		delete(g.acks, key)
	}
}

func awaitAck(ctx context.Context, ack <-chan struct{}) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultAckTimeout)
		defer cancel()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("awaiting confirmation: %w", ctx.Err())
	}
}

func (g *Gateway) release(ctx context.Context, key subKey) error {
	g.refs[key]--
	if g.refs[key] > 0 {
		return nil
	}
	delete(g.refs, key)
	if g.ps == nil {
		return nil
	}
	return g.unsubscribeKey(ctx, key)
}

func (g *Gateway) receiveLoop(ps *redis.PubSub, done chan struct{}) {
	defer close(done)
	ctx := context.Background()
	for {
		msg, err := ps.Receive(ctx)
		if err != nil {
			if errors.Is(err, redis.ErrClosed) || g.stopped.Load() {
				return
			}
			g.log.Warn("redis receive failed", zap.Error(err))
			time.Sleep(100 * time.Millisecond)
			continue
		}
		switch m := msg.(type) {
		case *redis.Subscription:
			switch m.Kind {
			case "subscribe":
				g.confirm(subKey{name: m.Channel})
			case "psubscribe":
				g.confirm(subKey{pattern: true, name: m.Channel})
			}
		case *redis.Message:
			g.handle(m)
		}
	}
}

// handle forwards msg only when it arrived through the subscription of the
// first tracked filter that matches its topic, so a topic covered by several
// filters is delivered once.
func (g *Gateway) handle(msg *redis.Message) {
	topic, ok := strings.CutPrefix(msg.Channel, g.prefix)
	if !ok {
		return
	}
	filter, ok := g.filters.Canonical(usmqtt.MatchPolicy{}, topic)
	if !ok {
		return
	}

	want := g.deliveryKey(filter, topic)
	got := subKey{pattern: msg.Pattern != "", name: msg.Channel}
	if got.pattern {
		got.name = msg.Pattern
	}
	if want != got {
		return
	}

	g.recvMu.RLock()
	receiver := g.receiver
	g.recvMu.RUnlock()
	if receiver == nil {
		return
	}
	receiver(topic, []byte(msg.Payload))
}

// keysFor lists the redis subscriptions covering filter. A trailing "#"
// also covers the parent level, so "a/#" needs both "a/*" and "a".
func (g *Gateway) keysFor(filter string) []subKey {
	if !usmqtt.HasWildcard(filter) {
		return []subKey{{name: g.prefix + filter}}
	}
	if filter == usmqtt.MultiLevelWild {
		return []subKey{{pattern: true, name: escapeGlob(g.prefix) + "*"}}
	}
	if head, ok := strings.CutSuffix(filter, usmqtt.LevelSeparator+usmqtt.MultiLevelWild); ok {
		return []subKey{
			{pattern: true, name: g.globFor(head) + usmqtt.LevelSeparator + "*"},
			g.levelKey(head),
		}
	}
	return []subKey{{pattern: true, name: g.globFor(filter)}}
}

// deliveryKey is the subscription through which a message on topic is
// expected to arrive for filter.
func (g *Gateway) deliveryKey(filter, topic string) subKey {
	keys := g.keysFor(filter)
	if len(keys) == 2 {
		head := strings.TrimSuffix(filter, usmqtt.LevelSeparator+usmqtt.MultiLevelWild)
		if usmqtt.Matches(head, topic) {
			return keys[1]
		}
	}
	return keys[0]
}

func (g *Gateway) levelKey(filter string) subKey {
	if usmqtt.HasWildcard(filter) {
		return subKey{pattern: true, name: g.globFor(filter)}
	}
	return subKey{name: g.prefix + filter}
}

func (g *Gateway) globFor(filter string) string {
	levels := strings.Split(filter, usmqtt.LevelSeparator)
	for i, level := range levels {
		if level == usmqtt.SingleLevelWild {
			levels[i] = "*"
			continue
		}
		levels[i] = escapeGlob(level)
	}
	return escapeGlob(g.prefix) + strings.Join(levels, usmqtt.LevelSeparator)
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
