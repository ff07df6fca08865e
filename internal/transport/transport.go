// ABOUTME: Transport contract shared by the host server and listener client
// ABOUTME: Peer identities, connection events and fan-out send semantics
package transport

import (
	"time"

	clocksync "github.com/airly-sync/airly-go/internal/sync"
	"github.com/airly-sync/airly-go/pkg/protocol"
)

const (
	// DefaultPath is the WebSocket endpoint served by hosts
	DefaultPath = "/airly"

	defaultSendBuffer       = 64
	defaultPingInterval     = 30 * time.Second
	defaultWriteTimeout     = 30 * time.Second
	defaultHandshakeTimeout = 5 * time.Second
	eventBuffer             = 256
)

// ErrNotConnected is returned when sending to a peer that is not connected
var ErrNotConnected = clocksync.ErrNotConnected

// PeerID identifies a connected device
type PeerID string

// Peer describes the remote end of a connection
type Peer struct {
	ID   PeerID
	Name string
	Addr string
}

// EventKind discriminates transport events
type EventKind int

const (
	PeerConnected EventKind = iota
	PeerDisconnected
	MessageReceived
)

func (k EventKind) String() string {
	switch k {
	case PeerConnected:
		return "peer-connected"
	case PeerDisconnected:
		return "peer-disconnected"
	case MessageReceived:
		return "message-received"
	}
	return "unknown"
}

// Event is emitted on the transport's event channel
type Event struct {
	Kind    EventKind
	Peer    Peer
	Command protocol.Command
	// ReceivedAt is the local clock reading taken when the message came off
	// the socket, before decoding or queueing
	ReceivedAt int64
}

// Transport moves commands between this device and its peers
type Transport interface {
	// Send queues cmd for every peer in to, or every connected peer when to is
	// nil. Delivery is fire-and-forget; per-peer order is preserved. Peers that
	// are not connected yield ErrNotConnected in the aggregated error while the
	// rest are still served.
	Send(cmd protocol.Command, to []PeerID) error
	Peers() []Peer
	Events() <-chan Event
	DisconnectAll()
}

// Options shared by both ends of a connection
type Options struct {
	Path             string
	SendBuffer       int
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	Now              func() int64 // local clock used to stamp receipt
}

func (o Options) withDefaults() Options {
	if o.Path == "" {
		o.Path = DefaultPath
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = defaultSendBuffer
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.Now == nil {
		o.Now = clocksync.LocalNanos
	}
	return o
}
