package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"go.uber.org/multierr"
)

var ErrEmbeddedStopped = errors.New("realtime/mqtt: embedded broker is stopped")

type EmbeddedConfig struct {
	// TCPAddress enables a TCP listener for remote clients when set.
	TCPAddress string
	ListenerID string
	// WebsocketAddress enables an MQTT over websocket listener when set.
	WebsocketAddress string
	Logger           *slog.Logger
	// Hooks replace the default allow-all hook, e.g. for authentication.
	Hooks []mqtt.Hook
}

// Embedded runs an in-process mochi broker and subscribes through its inline
// client.
type Embedded struct {
	*mqtt.Server

	cfg     EmbeddedConfig
	filters FilterSet

	mu       sync.RWMutex
	nextID   int
	ids      map[string]int
	receiver Receiver
	stopped  bool
}

func NewEmbedded(cfg EmbeddedConfig) (*Embedded, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	server := mqtt.New(&mqtt.Options{
		InlineClient: true,
		Logger:       logger,
	})
	hooks := cfg.Hooks
	if len(hooks) == 0 {
		hooks = []mqtt.Hook{new(auth.AllowHook)}
	}
	var hookErr error
	for _, hook := range hooks {
		hookErr = multierr.Append(hookErr, server.AddHook(hook, nil))
	}
	if hookErr != nil {
		return nil, fmt.Errorf("realtime/mqtt: hook: %w", hookErr)
	}

	if cfg.TCPAddress != "" {
		id := cfg.ListenerID
		if id == "" {
			id = "t1"
		}
		if err := server.AddListener(listeners.NewTCP(listeners.Config{
			ID:      id,
			Address: cfg.TCPAddress,
		})); err != nil {
			return nil, fmt.Errorf("realtime/mqtt: listener: %w", err)
		}
	}

	if cfg.WebsocketAddress != "" {
		if err := server.AddListener(listeners.NewWebsocket(listeners.Config{
			ID:      "ws1",
			Address: cfg.WebsocketAddress,
		})); err != nil {
			return nil, fmt.Errorf("realtime/mqtt: websocket listener: %w", err)
		}
	}

	return &Embedded{
		Server: server,
		cfg:    cfg,
		nextID: 1,
		ids:    make(map[string]int),
	}, nil
}

func (e *Embedded) SetReceiver(r Receiver) {
	e.mu.Lock()
	e.receiver = r
	e.mu.Unlock()
}

func (e *Embedded) Start(context.Context) error {
	return e.Server.Serve()
}

func (e *Embedded) Stop(context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()
	return e.Server.Close()
}

func (e *Embedded) Subscribe(_ context.Context, filter string) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrEmbeddedStopped
	}
	if _, ok := e.ids[filter]; ok {
		e.mu.Unlock()
		return nil
	}
	id := e.nextID
	e.nextID++
	e.ids[filter] = id
	e.mu.Unlock()

	e.filters.Add(filter)
	if err := e.Server.Subscribe(filter, id, e.inline); err != nil {
		e.filters.Remove(filter)
		e.mu.Lock()
		delete(e.ids, filter)
		e.mu.Unlock()
		return err
	}
	return nil
}

func (e *Embedded) Unsubscribe(_ context.Context, filter string) error {
	e.mu.Lock()
	id, ok := e.ids[filter]
	if ok {
		delete(e.ids, filter)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}

	e.filters.Remove(filter)
	return e.Server.Unsubscribe(filter, id)
}

func (e *Embedded) Publish(_ context.Context, topic string, payload []byte, retain bool, qos byte) error {
	return e.Server.Publish(topic, payload, retain, qos)
}

// inline receives one call per matching inline subscription; only the
// canonical filter forwards so overlapping filters yield a single delivery.
func (e *Embedded) inline(_ *mqtt.Client, sub packets.Subscription, pk packets.Packet) {
	canonical, ok := e.filters.Canonical(MatchPolicy{ExcludeReserved: true}, pk.TopicName)
	if !ok || canonical != sub.Filter {
		return
	}

	e.mu.RLock()
	receiver := e.receiver
	e.mu.RUnlock()
	if receiver == nil {
		return
	}
	receiver(pk.TopicName, pk.Payload)
}
