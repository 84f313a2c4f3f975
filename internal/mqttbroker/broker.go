// Package mqttbroker is a small embedded MQTT v3.1.1 broker. Upstream
// scanners publish events on it and notification consumers subscribe to
// their topics. It supports QoS 0 and 1 publishes from clients, wildcard
// subscriptions and QoS 0 delivery.
package mqttbroker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Message is a publish received from a client.
type Message struct {
	ClientID string
	Topic    string
	Payload  []byte
}

// Handler is invoked for each received publish.
type Handler func(context.Context, Message)

type session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writeMu  sync.Mutex
	clientID string
	closed   atomic.Bool

	subMu   sync.RWMutex
	filters map[string]struct{}
}

func newSession(conn net.Conn) *session {
	return &session{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		filters: make(map[string]struct{}),
	}
}

func (s *session) wants(topic string) bool {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for f := range s.filters {
		if Match(f, topic) {
			return true
		}
	}
	return false
}

func (s *session) subscribe(filter string) {
	s.subMu.Lock()
	s.filters[filter] = struct{}{}
	s.subMu.Unlock()
}

func (s *session) unsubscribe(filter string) {
	s.subMu.Lock()
	delete(s.filters, filter)
	s.subMu.Unlock()
}

func (s *session) write(packet []byte) error {
	if s.closed.Load() {
		return net.ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := s.conn.Write(packet)
	return err
}

// Broker accepts MQTT clients and hands every publish to its Handler.
type Broker struct {
	logger       *slog.Logger
	listener     net.Listener
	handler      atomic.Value // stores Handler
	mu           sync.Mutex
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc

	received atomic.Uint64

	clientsMu sync.RWMutex
	clients   map[*session]struct{}
}

// New constructs a broker with the supplied logger.
func New(logger *slog.Logger) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		logger:  logger.With("component", "mqtt"),
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[*session]struct{}),
	}
	b.handler.Store(Handler(func(context.Context, Message) {}))
	return b
}

// Start begins listening for MQTT clients on the provided bind address.
// The returned channel is closed once the accept loop terminates; fatal
// errors are sent on it.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)
	b.logger.Info("mqtt broker listening", "addr", ln.Addr().String())

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(errCh)
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.shuttingDown.Load() {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					b.logger.Warn("accept timeout", "error", err)
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				return
			}

			s := newSession(conn)
			b.addClient(s)

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.serve(s)
			}()
		}
	}()

	return errCh, nil
}

// Addr returns the listening address, or nil before Start.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop shuts down the broker and releases resources.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	b.cancel()

	b.mu.Lock()
	ln := b.listener
	b.listener = nil
	b.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	b.clientsMu.Lock()
	for s := range b.clients {
		s.closed.Store(true)
		_ = s.conn.Close()
	}
	b.clients = make(map[*session]struct{})
	b.clientsMu.Unlock()

	b.wg.Wait()
	return nil
}

// SetPublishHandler installs the function invoked for each received publish.
func (b *Broker) SetPublishHandler(h Handler) {
	if h == nil {
		h = func(context.Context, Message) {}
	}
	b.handler.Store(h)
}

// Clients returns the number of connected clients.
func (b *Broker) Clients() int {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	return len(b.clients)
}

// Received returns the number of publishes received from clients.
func (b *Broker) Received() uint64 { return b.received.Load() }

// Publish sends a QoS 0 message to every client subscribed to topic.
func (b *Broker) Publish(topic string, payload []byte) error {
	packet, err := encodePublish(topic, payload)
	if err != nil {
		return err
	}
	b.fanOut(topic, packet, nil)
	return nil
}

func (b *Broker) fanOut(topic string, packet []byte, exclude *session) {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()

	for s := range b.clients {
		if s == exclude || !s.wants(topic) {
			continue
		}
		if err := s.write(packet); err != nil {
			b.logger.Debug("forward publish failed", "client", s.clientID, "error", err)
		}
	}
}

func (b *Broker) addClient(s *session) {
	b.clientsMu.Lock()
	b.clients[s] = struct{}{}
	b.clientsMu.Unlock()
}

func (b *Broker) removeClient(s *session) {
	b.clientsMu.Lock()
	delete(b.clients, s)
	b.clientsMu.Unlock()
}

func (b *Broker) serve(s *session) {
	defer func() {
		s.closed.Store(true)
		b.removeClient(s)
		_ = s.conn.Close()
	}()

	connected := false
	for {
		header, err := s.reader.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				b.logger.Debug("read header", "error", err)
			}
			return
		}

		remaining, err := readLength(s.reader)
		if err != nil {
			b.logger.Debug("read remaining length", "error", err)
			return
		}

		body := make([]byte, remaining)
		if _, err := io.ReadFull(s.reader, body); err != nil {
			b.logger.Debug("read packet body", "error", err)
			return
		}

		kind := header >> 4
		if !connected && kind != packetConnect {
			b.logger.Debug("packet before connect", "type", kind)
			return
		}

		switch kind {
		case packetConnect:
			if err := b.connect(s, body); err != nil {
				b.logger.Debug("connect", "error", err)
				return
			}
			connected = true
		case packetPublish:
			p, err := decodePublish(header, body)
			if err != nil {
				b.logger.Debug("decode publish", "error", err)
				return
			}
			if p.qos == 1 {
				if err := s.write(ack(packetPubAck<<4, p.id)); err != nil {
					return
				}
			}
			b.received.Add(1)
			msg := Message{ClientID: s.clientID, Topic: p.topic, Payload: p.payload}
			if h, ok := b.handler.Load().(Handler); ok {
				safeInvoke(h, b.ctx, msg, b.logger)
			}
			if packet, err := encodePublish(p.topic, p.payload); err == nil {
				b.fanOut(p.topic, packet, s)
			}
		case packetSubscribe:
			if err := b.subscribe(s, body); err != nil {
				b.logger.Debug("subscribe", "error", err)
				return
			}
		case packetUnsubscribe:
			if err := b.unsubscribe(s, body); err != nil {
				b.logger.Debug("unsubscribe", "error", err)
				return
			}
		case packetPingReq:
			if err := s.write([]byte{0xD0, 0x00}); err != nil {
				return
			}
		case packetDisconnect:
			return
		default:
			b.logger.Debug("unsupported packet", "type", kind)
			return
		}
	}
}

func (b *Broker) connect(s *session, body []byte) error {
	rd := packetReader(body)

	proto, err := rd.str()
	if err != nil {
		return fmt.Errorf("read protocol name: %w", err)
	}
	if proto != "MQTT" {
		return fmt.Errorf("unsupported protocol %q", proto)
	}

	level, err := rd.next()
	if err != nil {
		return fmt.Errorf("read protocol level: %w", err)
	}
	if level != 4 {
		return fmt.Errorf("unsupported protocol level %d", level)
	}

	flags, err := rd.next()
	if err != nil {
		return fmt.Errorf("read connect flags: %w", err)
	}
	// Only the clean session flag is accepted: no will, username or password.
	if flags&^0x02 != 0 {
		return fmt.Errorf("unsupported connect flags %08b", flags)
	}

	if _, err := rd.u16(); err != nil {
		return fmt.Errorf("read keepalive: %w", err)
	}

	clientID, err := rd.str()
	if err != nil {
		return fmt.Errorf("read client id: %w", err)
	}
	if clientID == "" {
		clientID = fmt.Sprintf("anon-%d", time.Now().UnixNano())
	}
	s.clientID = clientID

	if err := s.write(ack(0x20, 0)); err != nil {
		return fmt.Errorf("write connack: %w", err)
	}
	b.logger.Debug("client connected", "client", clientID)
	return nil
}

func (b *Broker) subscribe(s *session, body []byte) error {
	rd := packetReader(body)

	id, err := rd.u16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}

	var granted []byte
	for rd.remaining() > 0 {
		filter, err := rd.str()
		if err != nil {
			return fmt.Errorf("read topic filter: %w", err)
		}
		if _, err := rd.next(); err != nil {
			return fmt.Errorf("read qos: %w", err)
		}
		s.subscribe(filter)
		// Deliveries are always QoS 0.
		granted = append(granted, 0x00)
	}
	if len(granted) == 0 {
		return fmt.Errorf("subscribe without topics")
	}
	return s.write(encodeSubAck(id, granted))
}

func (b *Broker) unsubscribe(s *session, body []byte) error {
	rd := packetReader(body)
	id, err := rd.u16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}
	for rd.remaining() > 0 {
		filter, err := rd.str()
		if err != nil {
			return fmt.Errorf("read topic filter: %w", err)
		}
		s.unsubscribe(filter)
	}
	return s.write(ack(0xB0, id))
}

func safeInvoke(h Handler, ctx context.Context, msg Message, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("publish handler panic", "topic", msg.Topic, "panic", r)
		}
	}()
	h(ctx, msg)
}
