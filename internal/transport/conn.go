// ABOUTME: One WebSocket connection to a peer
// ABOUTME: Ordered writer goroutine with ping keepalive and a stamping reader
package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/airly-sync/airly-go/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var errSendBufferFull = errors.New("peer send buffer full")

type peerConn struct {
	peer   Peer
	conn   *websocket.Conn
	opts   Options
	logger *logrus.Entry

	send      chan protocol.Frame
	done      chan struct{}
	finished  chan struct{} // closed once the owner has reported the disconnect
	closeOnce sync.Once
}

func newPeerConn(peer Peer, conn *websocket.Conn, opts Options, logger *logrus.Entry) *peerConn {
	conn.SetReadLimit(protocol.MaxFrameSize)
	return &peerConn{
		peer:     peer,
		conn:     conn,
		opts:     opts,
		logger:   logger.WithField("peer", peer.ID),
		send:     make(chan protocol.Frame, opts.SendBuffer),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// enqueue hands a frame to the writer without blocking
func (p *peerConn) enqueue(f protocol.Frame) error {
	select {
	case <-p.done:
		return fmt.Errorf("%s: %w", p.peer.ID, ErrNotConnected)
	default:
	}

	select {
	case p.send <- f:
		return nil
	case <-p.done:
		return fmt.Errorf("%s: %w", p.peer.ID, ErrNotConnected)
	default:
		return fmt.Errorf("%s: %w", p.peer.ID, errSendBufferFull)
	}
}

// writeLoop owns all writes to the socket
func (p *peerConn) writeLoop() {
	ticker := time.NewTicker(p.opts.PingInterval)
	defer ticker.Stop()
	defer p.close()

	for {
		select {
		case f := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(p.opts.WriteTimeout))
			if err := p.writeFrame(f); err != nil {
				p.logger.WithError(err).Warn("Error writing frame")
				return
			}

		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				return
			}

		case <-p.done:
			return
		}
	}
}

func (p *peerConn) writeFrame(f protocol.Frame) error {
	w, err := p.conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return err
	}
	if err := protocol.WriteFrame(w, f); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// readLoop delivers decoded commands until the connection fails. Malformed
// frames are dropped and the connection stays open.
func (p *peerConn) readLoop(deliver func(cmd protocol.Command, receivedAt int64)) {
	defer p.close()

	for {
		msgType, r, err := p.conn.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				p.logger.WithError(err).Warn("WebSocket error")
			}
			return
		}
		receivedAt := p.opts.Now()

		if msgType != websocket.BinaryMessage {
			p.logger.WithField("type", msgType).Warn("Dropping non-binary message")
			continue
		}

		f, err := protocol.ReadFrame(r)
		if err != nil {
			p.logger.WithError(err).Warn("Dropping malformed frame")
			continue
		}
		cmd, err := protocol.DecodeFrame(f)
		if err != nil {
			p.logger.WithError(err).Warn("Dropping undecodable command")
			continue
		}

		p.logger.WithField("command", cmd.String()).Debug("Received")
		deliver(cmd, receivedAt)
	}
}

func (p *peerConn) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		p.conn.Close()
	})
}

func (p *peerConn) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// handshake frames are written and read synchronously before the loops start

func writeCommand(conn *websocket.Conn, cmd protocol.Command, timeout time.Duration) error {
	data, err := protocol.Encode(cmd)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(timeout))
	defer conn.SetWriteDeadline(time.Time{})
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func readCommand(conn *websocket.Conn, timeout time.Duration) (protocol.Command, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.Command{}, err
	}
	return protocol.Decode(data)
}
