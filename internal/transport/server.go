// ABOUTME: Host side transport serving listener WebSocket connections
// ABOUTME: Handles hello/welcome handshake, peer registry and fan-out sends
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/airly-sync/airly-go/pkg/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// ServerConfig holds host transport configuration
type ServerConfig struct {
	Port int // 0 picks a free port
	Name string
	Options
}

// Server accepts listener connections
type Server struct {
	config ServerConfig
	opts   Options
	hostID PeerID
	logger *logrus.Entry

	upgrader   websocket.Upgrader
	mux        *http.ServeMux
	httpServer *http.Server
	listener   net.Listener

	peers   map[PeerID]*peerConn
	peersMu sync.RWMutex

	events chan Event
	stop   chan struct{}

	stopOnce   sync.Once
	shutdownMu sync.RWMutex
	isShutdown bool
	wg         sync.WaitGroup
}

var _ Transport = (*Server)(nil)

// NewServer creates a host transport
func NewServer(config ServerConfig) *Server {
	s := &Server{
		config: config,
		opts:   config.Options.withDefaults(),
		hostID: PeerID(uuid.New().String()),
		logger: logrus.WithField("component", "TransportServer"),
		mux:    http.NewServeMux(),
		peers:  make(map[PeerID]*peerConn),
		events: make(chan Event, eventBuffer),
		stop:   make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// LAN service without browser clients
			return true
		},
	}
	s.mux.HandleFunc(s.opts.Path, s.handleWebSocket)
	return s
}

// ID returns the host's peer id
func (s *Server) ID() PeerID {
	return s.hostID
}

// Handler exposes the WebSocket endpoint for embedding or tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on the configured port and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.httpServer = &http.Server{Handler: s.mux}

	s.logger.WithFields(logrus.Fields{
		"addr": ln.Addr().String(),
		"path": s.opts.Path,
		"id":   s.hostID,
	}).Info("WebSocket server listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("HTTP server failed")
		}
	}()
	return nil
}

// Port returns the bound port after Start
func (s *Server) Port() int {
	if s.listener == nil {
		return s.config.Port
	}
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return s.config.Port
}

// Close stops accepting connections and drops every peer
func (s *Server) Close() error {
	var err error
	s.stopOnce.Do(func() {
		s.shutdownMu.Lock()
		s.isShutdown = true
		s.shutdownMu.Unlock()

		close(s.stop)
		s.DisconnectAll()

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = s.httpServer.Shutdown(ctx)
		}
		s.wg.Wait()
		s.logger.Info("Server stopped")
	})
	return err
}

// Events delivers peer and message events
func (s *Server) Events() <-chan Event {
	return s.events
}

// Peers returns connected listeners sorted by name
func (s *Server) Peers() []Peer {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()

	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p.peer)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Send queues cmd for the listed peers, or all peers when to is nil
func (s *Server) Send(cmd protocol.Command, to []PeerID) error {
	f, err := protocol.EncodeFrame(cmd)
	if err != nil {
		return err
	}

	s.peersMu.RLock()
	targets := make([]*peerConn, 0, len(s.peers))
	var errs error
	if to == nil {
		for _, p := range s.peers {
			targets = append(targets, p)
		}
	} else {
		for _, id := range to {
			p, ok := s.peers[id]
			if !ok {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", id, ErrNotConnected))
				continue
			}
			targets = append(targets, p)
		}
	}
	s.peersMu.RUnlock()

	for _, p := range targets {
		errs = multierr.Append(errs, p.enqueue(f))
	}

	if errs != nil {
		s.logger.WithFields(logrus.Fields{
			"command": cmd.String(),
			"error":   errs,
		}).Warn("Send incomplete")
	}
	return errs
}

// Disconnect drops one peer
func (s *Server) Disconnect(id PeerID) {
	s.peersMu.RLock()
	p, ok := s.peers[id]
	s.peersMu.RUnlock()
	if ok {
		p.close()
	}
}

// DisconnectAll drops every connected peer
func (s *Server) DisconnectAll() {
	s.peersMu.RLock()
	conns := make([]*peerConn, 0, len(s.peers))
	for _, p := range s.peers {
		conns = append(conns, p)
	}
	s.peersMu.RUnlock()

	for _, p := range conns {
		p.close()
	}
}

func (s *Server) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.stop:
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	shutdown := s.isShutdown
	s.shutdownMu.RUnlock()
	if shutdown {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("WebSocket upgrade error")
		return
	}

	s.logger.WithField("remote", r.RemoteAddr).Debug("New WebSocket connection")
	s.handleConnection(conn, r.RemoteAddr)
}

func (s *Server) handleConnection(conn *websocket.Conn, remote string) {
	hello, err := readCommand(conn, s.opts.HandshakeTimeout)
	if err != nil {
		s.logger.WithError(err).Warn("Error reading hello")
		conn.Close()
		return
	}
	if hello.Kind != protocol.KindHello {
		s.logger.WithField("command", hello.Kind).Warn("Expected hello")
		conn.Close()
		return
	}

	peer := Peer{ID: PeerID(hello.PeerID), Name: hello.Name, Addr: remote}
	if peer.Name == "" {
		peer.Name = remote
	}
	pc := newPeerConn(peer, conn, s.opts, s.logger)

	// a reconnecting listener replaces its stale connection; wait for the old
	// one to report its disconnect so events stay ordered
	for {
		s.peersMu.Lock()
		old, exists := s.peers[peer.ID]
		if !exists {
			s.peers[peer.ID] = pc
			s.peersMu.Unlock()
			break
		}
		s.peersMu.Unlock()

		s.logger.WithField("peer", peer.ID).Info("Peer reconnected, replacing old connection")
		old.close()
		select {
		case <-old.finished:
		case <-time.After(s.opts.HandshakeTimeout):
			s.logger.WithField("peer", peer.ID).Warn("Old connection did not close, rejecting")
			conn.Close()
			return
		}
	}
	defer close(pc.finished)

	welcome := protocol.Command{Kind: protocol.KindWelcome, PeerID: string(s.hostID), Name: s.config.Name}
	if err := writeCommand(conn, welcome, s.opts.HandshakeTimeout); err != nil {
		s.logger.WithError(err).Warn("Error sending welcome")
		s.removePeer(pc)
		pc.close()
		return
	}

	s.logger.WithFields(logrus.Fields{
		"peer": peer.ID,
		"name": peer.Name,
	}).Info("Listener connected")
	s.emit(Event{Kind: PeerConnected, Peer: peer})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		pc.writeLoop()
	}()

	pc.readLoop(func(cmd protocol.Command, receivedAt int64) {
		s.emit(Event{Kind: MessageReceived, Peer: peer, Command: cmd, ReceivedAt: receivedAt})
	})

	s.removePeer(pc)
	s.logger.WithField("peer", peer.ID).Info("Listener disconnected")
	s.emit(Event{Kind: PeerDisconnected, Peer: peer})
}

func (s *Server) removePeer(pc *peerConn) {
	s.peersMu.Lock()
	if cur, ok := s.peers[pc.peer.ID]; ok && cur == pc {
		delete(s.peers, pc.peer.ID)
	}
	s.peersMu.Unlock()
}
