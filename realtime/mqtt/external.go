package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mochi-mqtt/server/v2/packets"
	"go.uber.org/zap"
)

var ErrExternalBrokerEndpointRequired = errors.New("realtime/mqtt: external broker endpoint is required")
var ErrExternalBrokerNotConnected = errors.New("realtime/mqtt: external broker is not connected")
var ErrConnectRefused = errors.New("realtime/mqtt: external broker refused the connection")
var ErrUnsupportedScheme = errors.New("realtime/mqtt: unsupported endpoint scheme")
var ErrSubscribeRejected = errors.New("realtime/mqtt: broker rejected subscription")
var ErrSubscribeTimeout = errors.New("realtime/mqtt: timed out waiting for suback")

const (
	reconnectBackoffMin = 1 * time.Second
	reconnectBackoffMax = 30 * time.Second
)

// SUBACK return codes at or above 0x80 signal failure.
const subackFailure byte = 0x80

type ExternalConfig struct {
	Endpoint       string
	ClientID       string
	Username       string
	Password       string
	CleanSession   bool
	ConnectTimeout time.Duration
	Keepalive      time.Duration
	TLSConfig      *tls.Config
	Logger         *zap.Logger
}

// External is an MQTT 3.1.1 client gateway for a broker running elsewhere.
// Filters subscribed before Start, or while the connection is down, are sent
// to the broker on the next successful connect.
type External struct {
	cfg     ExternalConfig
	log     *zap.Logger
	filters FilterSet
	ids     atomic.Uint32

	mu       sync.Mutex
	sess     *session
	receiver Receiver
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewExternal(cfg ExternalConfig) (*External, error) {
	if cfg.Endpoint == "" {
		return nil, ErrExternalBrokerEndpointRequired
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "topicmux"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &External{cfg: cfg, log: log}, nil
}

func (e *External) SetReceiver(r Receiver) {
	e.mu.Lock()
	e.receiver = r
	e.mu.Unlock()
}

// Start connects and subscribes every known filter. After a successful
// Start the connection is re-established with backoff whenever it drops.
func (e *External) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	e.running, e.cancel = true, cancel
	e.mu.Unlock()

	s, err := e.open(ctx)
	if err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		cancel()
		return err
	}

	e.wg.Add(1)
	go e.supervise(runCtx, s)
	return nil
}

func (e *External) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.cancel()
	s := e.sess
	e.sess = nil
	e.mu.Unlock()

	if s != nil {
		_ = s.send(packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Disconnect}})
		s.close()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *External) Publish(_ context.Context, topic string, payload []byte, retain bool, qos byte) error {
	s := e.current()
	if s == nil {
		return ErrExternalBrokerNotConnected
	}
	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: qos, Retain: retain},
		TopicName:   topic,
		Payload:     payload,
	}
	if qos > 0 {
		pk.PacketID = e.nextID()
	}
	return s.send(pk)
}

// Subscribe waits for the SUBACK when connected. A rejected filter is
// forgotten so it is not sent again on reconnect.
func (e *External) Subscribe(ctx context.Context, filter string) error {
	if !e.filters.Add(filter) {
		return nil
	}
	s := e.current()
	if s == nil {
		return nil
	}
	if err := e.subscribeOn(ctx, s, filter); err != nil {
		e.filters.Remove(filter)
		return err
	}
	return nil
}

func (e *External) Unsubscribe(_ context.Context, filter string) error {
	if !e.filters.Remove(filter) {
		return nil
	}
	s := e.current()
	if s == nil {
		return nil
	}
	return s.send(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Unsubscribe, Qos: 1},
		PacketID:    e.nextID(),
		Filters:     packets.Subscriptions{{Filter: filter}},
	})
}

// Filters returns the filters the gateway keeps subscribed across reconnects.
func (e *External) Filters() []string {
	return e.filters.List()
}

// open dials, installs the session and subscribes every known filter on it.
func (e *External) open(ctx context.Context) (*session, error) {
	conn, err := dialBroker(ctx, e.cfg.Endpoint, e.cfg.ConnectTimeout, e.cfg.TLSConfig)
	if err != nil {
		return nil, fmt.Errorf("realtime/mqtt: dial %s: %w", e.cfg.Endpoint, err)
	}
	s := newSession(conn, e.cfg.ConnectTimeout)
	if err := s.handshake(e.connectPacket()); err != nil {
		s.close()
		return nil, err
	}

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		s.close()
		return nil, ErrExternalBrokerNotConnected
	}
	e.sess = s
	e.mu.Unlock()

	go e.read(s)
	go e.keepalive(s)

	for _, filter := range e.filters.List() {
		if err := e.subscribeOn(ctx, s, filter); err != nil {
			e.detach(s)
			s.close()
			return nil, err
		}
	}
	return s, nil
}

// supervise replaces s whenever its connection drops, until ctx ends.
func (e *External) supervise(ctx context.Context, s *session) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
		}
		e.detach(s)
		if ctx.Err() != nil {
			return
		}
		e.log.Warn("external broker connection lost", zap.String("endpoint", e.cfg.Endpoint))

		next, ok := e.redial(ctx)
		if !ok {
			return
		}
		e.log.Info("external broker reconnected", zap.Int("filters", len(e.filters.List())))
		s = next
	}
}

func (e *External) redial(ctx context.Context) (*session, bool) {
	delay := reconnectBackoffMin
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-timer.C:
		}

		dialCtx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
		s, err := e.open(dialCtx)
		cancel()
		if err == nil {
			return s, true
		}

		delay = min(delay*2, reconnectBackoffMax)
		e.log.Debug("external broker reconnect failed", zap.Error(err), zap.Duration("retry_in", delay))
		timer.Reset(delay)
	}
}

func (e *External) detach(s *session) {
	e.mu.Lock()
	if e.sess == s {
		e.sess = nil
	}
	e.mu.Unlock()
}

func (e *External) current() *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess
}

func (e *External) read(s *session) {
	defer s.finish()
	for {
		pk, err := readPacket(s.r)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				e.log.Debug("external broker read ended", zap.Error(err))
			}
			return
		}

		switch pk.FixedHeader.Type {
		case packets.Publish:
			e.deliver(pk.TopicName, pk.Payload)
		case packets.Suback:
			code := subackFailure
			if len(pk.ReasonCodes) > 0 {
				code = pk.ReasonCodes[0]
			}
			s.resolve(pk.PacketID, code)
		case packets.Pingreq:
			_ = s.send(packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingresp}})
		}
	}
}

func (e *External) keepalive(s *session) {
	ticker := time.NewTicker(e.cfg.Keepalive / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.send(packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingreq}}); err != nil {
				return
			}
		}
	}
}

func (e *External) deliver(topic string, payload []byte) {
	e.mu.Lock()
	receiver := e.receiver
	e.mu.Unlock()
	if receiver != nil {
		receiver(topic, payload)
	}
}

// subscribeOn sends SUBSCRIBE on s and blocks until the matching SUBACK,
// the end of ctx or the connect timeout.
func (e *External) subscribeOn(ctx context.Context, s *session, filter string) error {
	id := e.nextID()
	ack, err := s.expect(id)
	if err != nil {
		return err
	}
	defer s.forget(id)

	if err := s.send(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Subscribe, Qos: 1},
		PacketID:    id,
		Filters:     packets.Subscriptions{{Filter: filter, Qos: QoS0}},
	}); err != nil {
		return err
	}

	timer := time.NewTimer(e.cfg.ConnectTimeout)
	defer timer.Stop()
	select {
	case code, ok := <-ack:
		if !ok {
			return ErrExternalBrokerNotConnected
		}
		if code >= subackFailure {
			return fmt.Errorf("%w: filter=%q reason_code=%d", ErrSubscribeRejected, filter, code)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: filter=%q", ErrSubscribeTimeout, filter)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *External) connectPacket() packets.Packet {
	return packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Connect},
		ProtocolVersion: 4,
		Connect: packets.ConnectParams{
			ProtocolName:     []byte("MQTT"),
			Clean:            e.cfg.CleanSession,
			ClientIdentifier: e.cfg.ClientID,
			Keepalive:        uint16(e.cfg.Keepalive / time.Second),
			UsernameFlag:     e.cfg.Username != "",
			PasswordFlag:     e.cfg.Password != "",
			Username:         []byte(e.cfg.Username),
			Password:         []byte(e.cfg.Password),
		},
	}
}

// nextID returns a packet identifier in 1..65535.
func (e *External) nextID() uint16 {
	return uint16(e.ids.Add(1)%65535) + 1
}
