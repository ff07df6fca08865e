// ABOUTME: Listener side transport holding a single host connection
// ABOUTME: Dials the host, performs the hello handshake and relays events
package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/airly-sync/airly-go/pkg/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// ClientConfig holds listener transport configuration
type ClientConfig struct {
	PeerID string // generated when empty
	Name   string
	Options
}

// Client connects a listener to one host
type Client struct {
	config ClientConfig
	opts   Options
	id     PeerID
	logger *logrus.Entry

	mu   sync.RWMutex
	host *peerConn

	events   chan Event
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ Transport = (*Client)(nil)

// NewClient creates a listener transport
func NewClient(config ClientConfig) *Client {
	id := config.PeerID
	if id == "" {
		id = uuid.New().String()
	}
	return &Client{
		config: config,
		opts:   config.Options.withDefaults(),
		id:     PeerID(id),
		logger: logrus.WithField("component", "TransportClient"),
		events: make(chan Event, eventBuffer),
		stop:   make(chan struct{}),
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.stop:
	}
}

// ID returns this listener's peer id
func (c *Client) ID() PeerID {
	return c.id
}

// Connect dials addr (host:port) and completes the handshake. Any previous
// host connection is dropped first.
func (c *Client) Connect(ctx context.Context, addr string) error {
	select {
	case <-c.stop:
		return fmt.Errorf("client closed")
	default:
	}
	c.DisconnectAll()
	c.wg.Wait()

	u := url.URL{Scheme: "ws", Host: addr, Path: c.opts.Path}
	c.logger.WithField("url", u.String()).Info("Connecting to host")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	hello := protocol.Command{Kind: protocol.KindHello, PeerID: string(c.id), Name: c.config.Name}
	if err := writeCommand(conn, hello, c.opts.HandshakeTimeout); err != nil {
		conn.Close()
		return fmt.Errorf("handshake failed: %w", err)
	}
	welcome, err := readCommand(conn, c.opts.HandshakeTimeout)
	if err != nil {
		conn.Close()
		return fmt.Errorf("handshake failed: %w", err)
	}
	if welcome.Kind != protocol.KindWelcome {
		conn.Close()
		return fmt.Errorf("handshake failed: expected welcome, got %s", welcome.Kind)
	}

	peer := Peer{ID: PeerID(welcome.PeerID), Name: welcome.Name, Addr: addr}
	pc := newPeerConn(peer, conn, c.opts, c.logger)

	c.mu.Lock()
	c.host = pc
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"host": peer.ID,
		"name": peer.Name,
	}).Info("Handshake complete with host")
	c.emit(Event{Kind: PeerConnected, Peer: peer})

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		pc.writeLoop()
	}()
	go func() {
		defer c.wg.Done()
		pc.readLoop(func(cmd protocol.Command, receivedAt int64) {
			c.emit(Event{Kind: MessageReceived, Peer: peer, Command: cmd, ReceivedAt: receivedAt})
		})

		c.mu.Lock()
		if c.host == pc {
			c.host = nil
		}
		c.mu.Unlock()
		c.logger.WithField("host", peer.ID).Info("Host connection closed")
		c.emit(Event{Kind: PeerDisconnected, Peer: peer})
	}()
	return nil
}

// Host returns the connected host, if any
func (c *Client) Host() (Peer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.host == nil || c.host.closed() {
		return Peer{}, false
	}
	return c.host.peer, true
}

// Connected reports whether the host connection is live
func (c *Client) Connected() bool {
	_, ok := c.Host()
	return ok
}

// Peers returns the host as the only peer
func (c *Client) Peers() []Peer {
	if p, ok := c.Host(); ok {
		return []Peer{p}
	}
	return nil
}

// Events delivers host connection and message events
func (c *Client) Events() <-chan Event {
	return c.events
}

// Send queues cmd for the host. to may be nil or name the host.
func (c *Client) Send(cmd protocol.Command, to []PeerID) error {
	f, err := protocol.EncodeFrame(cmd)
	if err != nil {
		return err
	}

	c.mu.RLock()
	host := c.host
	c.mu.RUnlock()

	if to == nil {
		if host == nil {
			return ErrNotConnected
		}
		return host.enqueue(f)
	}

	var errs error
	for _, id := range to {
		if host == nil || host.peer.ID != id {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", id, ErrNotConnected))
			continue
		}
		errs = multierr.Append(errs, host.enqueue(f))
	}
	return errs
}

// DisconnectAll closes the host connection
func (c *Client) DisconnectAll() {
	c.mu.RLock()
	host := c.host
	c.mu.RUnlock()
	if host != nil {
		host.close()
	}
}

// Close disconnects and waits for the connection goroutines to exit
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.DisconnectAll()
	c.wg.Wait()
	return nil
}
