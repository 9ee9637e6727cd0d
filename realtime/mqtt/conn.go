package mqtt

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mochi-mqtt/server/v2/packets"
	"go.uber.org/multierr"
)

// session is one live connection to an external broker. A dropped session
// is discarded and a new one dialled; it is never reused.
type session struct {
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration

	writeMu sync.Mutex

	mu   sync.Mutex
	acks map[uint16]chan byte
	dead bool

	done      chan struct{}
	closeOnce sync.Once
}

func newSession(conn net.Conn, timeout time.Duration) *session {
	return &session{
		conn:    conn,
		r:       bufio.NewReader(conn),
		timeout: timeout,
		acks:    make(map[uint16]chan byte),
		done:    make(chan struct{}),
	}
}

// handshake sends CONNECT and waits for a successful CONNACK.
func (s *session) handshake(connect packets.Packet) error {
	if err := s.send(connect); err != nil {
		return err
	}
	if err := s.conn.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
		return err
	}
	pk, err := readPacket(s.r)
	_ = s.conn.SetReadDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("realtime/mqtt: read connack: %w", err)
	}
	if pk.FixedHeader.Type != packets.Connack {
		return fmt.Errorf("realtime/mqtt: expected connack, got packet type %d", pk.FixedHeader.Type)
	}
	if pk.ReasonCode != 0 {
		return fmt.Errorf("%w: reason_code=%d", ErrConnectRefused, pk.ReasonCode)
	}
	return nil
}

// send writes one packet. A failed write closes the connection so that the
// read side notices and the session ends.
func (s *session) send(pk packets.Packet) error {
	buf, err := encodePacket(pk)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
		s.close()
		return err
	}
	_, err = s.conn.Write(buf)
	_ = s.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		s.close()
	}
	return err
}

func (s *session) expect(id uint16) (<-chan byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return nil, ErrExternalBrokerNotConnected
	}
	ch := make(chan byte, 1)
	s.acks[id] = ch
	return ch, nil
}

func (s *session) forget(id uint16) {
	s.mu.Lock()
	delete(s.acks, id)
	s.mu.Unlock()
}

func (s *session) resolve(id uint16, code byte) {
	s.mu.Lock()
	ch, ok := s.acks[id]
	delete(s.acks, id)
	s.mu.Unlock()
	if ok {
		ch <- code
	}
}

// finish runs once the read side has stopped. Waiters see a closed channel.
func (s *session) finish() {
	s.close()
	s.mu.Lock()
	s.dead = true
	for id, ch := range s.acks {
		close(ch)
		delete(s.acks, id)
	}
	s.mu.Unlock()
	close(s.done)
}

func (s *session) close() {
	s.closeOnce.Do(func() { _ = s.conn.Close() })
}

var encoders = map[byte]func(*packets.Packet, *bytes.Buffer) error{
	packets.Connect:     (*packets.Packet).ConnectEncode,
	packets.Publish:     (*packets.Packet).PublishEncode,
	packets.Subscribe:   (*packets.Packet).SubscribeEncode,
	packets.Unsubscribe: (*packets.Packet).UnsubscribeEncode,
	packets.Pingreq:     (*packets.Packet).PingreqEncode,
	packets.Pingresp:    (*packets.Packet).PingrespEncode,
	packets.Disconnect:  (*packets.Packet).DisconnectEncode,
}

var decoders = map[byte]func(*packets.Packet, []byte) error{
	packets.Connack:  (*packets.Packet).ConnackDecode,
	packets.Publish:  (*packets.Packet).PublishDecode,
	packets.Suback:   (*packets.Packet).SubackDecode,
	packets.Unsuback: (*packets.Packet).UnsubackDecode,
	packets.Pingreq:  (*packets.Packet).PingreqDecode,
	packets.Pingresp: (*packets.Packet).PingrespDecode,
}

func encodePacket(pk packets.Packet) ([]byte, error) {
	encode, ok := encoders[pk.FixedHeader.Type]
	if !ok {
		return nil, fmt.Errorf("realtime/mqtt: cannot send packet type %d", pk.FixedHeader.Type)
	}
	pk.ProtocolVersion = 4
	buf := new(bytes.Buffer)
	if err := encode(&pk, buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// readPacket reads one MQTT 3.1.1 packet. Types the client has no use for
// are returned with only their fixed header filled in.
func readPacket(r *bufio.Reader) (packets.Packet, error) {
	first, err := r.ReadByte()
	if err != nil {
		return packets.Packet{}, err
	}
	var fh packets.FixedHeader
	if err := fh.Decode(first); err != nil {
		return packets.Packet{}, err
	}
	if fh.Remaining, _, err = packets.DecodeLength(r); err != nil {
		return packets.Packet{}, err
	}

	body := make([]byte, fh.Remaining)
	if _, err := io.ReadFull(r, body); err != nil {
		return packets.Packet{}, err
	}
	pk := packets.Packet{FixedHeader: fh, ProtocolVersion: 4}
	if decode, ok := decoders[fh.Type]; ok {
		err = decode(&pk, body)
	}
	return pk, err
}

// dialBroker opens the transport named by the endpoint scheme: plain TCP
// (none, mqtt, tcp), TLS (mqtts, ssl, tls) or websocket (ws, wss).
func dialBroker(ctx context.Context, endpoint string, timeout time.Duration, tlsCfg *tls.Config) (net.Conn, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, ErrExternalBrokerEndpointRequired
	}
	scheme, addr, ok := strings.Cut(endpoint, "://")
	if !ok {
		scheme, addr = "", endpoint
	}

	switch strings.ToLower(scheme) {
	case "", "mqtt", "tcp":
		d := &net.Dialer{Timeout: timeout}
		return d.DialContext(ctx, "tcp", addr)
	case "mqtts", "ssl", "tls":
		d := &tls.Dialer{NetDialer: &net.Dialer{Timeout: timeout}, Config: tlsCfg}
		return d.DialContext(ctx, "tcp", addr)
	case "ws", "wss":
		d := websocket.Dialer{
			HandshakeTimeout: timeout,
			Subprotocols:     []string{"mqtt"},
			TLSClientConfig:  tlsCfg,
		}
		conn, _, err := d.DialContext(ctx, endpoint, nil)
		if err != nil {
			return nil, err
		}
		return &wsConn{Conn: conn}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
}

// wsConn reads MQTT packets as a byte stream spanning binary frames.
type wsConn struct {
	*websocket.Conn
	frame io.Reader
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.frame == nil {
			kind, r, err := c.NextReader()
			if err != nil {
				return 0, err
			}
			if kind != websocket.BinaryMessage {
				return 0, fmt.Errorf("realtime/mqtt: websocket message type %d is not binary", kind)
			}
			c.frame = r
		}
		n, err := c.frame.Read(p)
		if errors.Is(err, io.EOF) {
			c.frame = nil
			if n == 0 {
				continue
			}
			return n, nil
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) SetDeadline(t time.Time) error {
	return multierr.Append(c.SetReadDeadline(t), c.SetWriteDeadline(t))
}
