package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var ErrInboxFull = errors.New("realtime: inbox is full")

const (
	DefaultInboxQueueSize = 1024
	DefaultInboxWorkers   = 1
)

type InboxConfig struct {
	QueueSize    int
	Workers      int
	DropWhenFull bool
	// RateLimit caps dispatched messages per second; zero disables it.
	RateLimit float64
	RateBurst int
}

type inboundMessage struct {
	topic   string
	payload []byte
}

// Inbox sits between a gateway's delivery goroutine and the dispatcher.
// Deliver copies the message onto a bounded queue and returns; workers
// dispatch from it. With a single worker messages are dispatched in arrival
// order.
type Inbox struct {
	dispatcher *Dispatcher
	cfg        InboxConfig
	queue      chan inboundMessage
	done       chan struct{}
	limiter    *rate.Limiter
	log        *zap.Logger
	metrics    *Metrics

	intakeMu sync.RWMutex
	closed   bool
	stopOnce sync.Once

	lifeMu  sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

type InboxOption func(*Inbox)

func WithInboxLogger(log *zap.Logger) InboxOption {
	return func(i *Inbox) {
		if log != nil {
			i.log = log
		}
	}
}

func WithInboxMetrics(m *Metrics) InboxOption {
	return func(i *Inbox) {
		if m != nil {
			i.metrics = m
		}
	}
}

func NewInbox(dispatcher *Dispatcher, cfg InboxConfig, opts ...InboxOption) *Inbox {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultInboxQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultInboxWorkers
	}

	i := &Inbox{
		dispatcher: dispatcher,
		cfg:        cfg,
		queue:      make(chan inboundMessage, cfg.QueueSize),
		done:       make(chan struct{}),
		log:        zap.NewNop(),
		metrics:    NopMetrics(),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		i.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	return i
}

// Deliver has the shape of a gateway receiver. Errors are logged.
func (i *Inbox) Deliver(topic string, payload []byte) {
	if err := i.Enqueue(context.Background(), topic, payload); err != nil {
		i.log.Warn("inbound message not queued", zap.String("topic", topic), zap.Error(err))
	}
}

// Enqueue queues a copy of the message. It blocks while the queue is full
// unless DropWhenFull is set, in which case the message is dropped and
// ErrInboxFull returned.
func (i *Inbox) Enqueue(ctx context.Context, topic string, payload []byte) error {
	msg := inboundMessage{topic: topic, payload: append([]byte(nil), payload...)}

	i.intakeMu.RLock()
	defer i.intakeMu.RUnlock()
	if i.closed {
		return ErrInboxStopped
	}

	if i.cfg.DropWhenFull {
		select {
		case i.queue <- msg:
			return nil
		default:
			i.metrics.recordDrop(ctx, 1)
			return ErrInboxFull
		}
	}

	select {
	case i.queue <- msg:
		return nil
	case <-i.done:
		return ErrInboxStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of queued messages.
func (i *Inbox) Len() int {
	return len(i.queue)
}

// Start launches the workers. The workers outlive ctx; use Stop to end them.
func (i *Inbox) Start(context.Context) error {
	i.lifeMu.Lock()
	defer i.lifeMu.Unlock()
	if i.stopped {
		return ErrInboxStopped
	}
	if i.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g := &errgroup.Group{}
	for n := 0; n < i.cfg.Workers; n++ {
		g.Go(func() error {
			i.work(runCtx)
			return nil
		})
	}

	i.started = true
	i.cancel = cancel
	i.group = g
	i.log.Debug("inbox started", zap.Int("workers", i.cfg.Workers), zap.Int("queue_size", i.cfg.QueueSize))
	return nil
}

func (i *Inbox) work(ctx context.Context) {
	for msg := range i.queue {
		if ctx.Err() != nil {
			i.discard(ctx)
			return
		}
		if i.limiter != nil {
			if err := i.limiter.Wait(ctx); err != nil {
				i.log.Warn("inbound message skipped", zap.String("topic", msg.topic), zap.Error(err))
				continue
			}
		}
		i.dispatcher.Dispatch(ctx, msg.topic, msg.payload)
	}
}

// discard empties the queue after cancellation. The message the caller has
// already taken off the queue is counted too.
func (i *Inbox) discard(ctx context.Context) {
	n := 1
	for range i.queue {
		n++
	}
	i.metrics.recordDrop(context.WithoutCancel(ctx), int64(n))
	i.log.Warn("inbox stopped before draining", zap.Int("discarded", n))
}

// Stop refuses new messages, lets the workers drain the queue and waits for
// them. If ctx ends first the workers are cancelled and ctx.Err returned;
// whatever is still queued then is discarded, not dispatched.
func (i *Inbox) Stop(ctx context.Context) error {
	i.stopOnce.Do(func() {
		close(i.done)
		i.intakeMu.Lock()
		i.closed = true
		close(i.queue)
		i.intakeMu.Unlock()
	})

	i.lifeMu.Lock()
	i.stopped = true
	started, group, cancel := i.started, i.group, i.cancel
	i.lifeMu.Unlock()

	if !started {
		for msg := range i.queue {
			if ctx.Err() != nil {
				i.discard(ctx)
				return fmt.Errorf("realtime: inbox drain: %w", ctx.Err())
			}
			i.dispatcher.Dispatch(ctx, msg.topic, msg.payload)
		}
		return nil
	}

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- group.Wait()
	}()

	select {
	case err := <-waitCh:
		cancel()
		return err
	case <-ctx.Done():
		cancel()
		return fmt.Errorf("realtime: inbox drain: %w", ctx.Err())
	}
}
