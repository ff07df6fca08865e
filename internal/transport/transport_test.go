// ABOUTME: Tests for the WebSocket transport
// ABOUTME: Runs host and listener over httptest and checks events, ordering and errors
package transport

import (
	"context"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/airly-sync/airly-go/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHost(t *testing.T) (*Server, string) {
	t.Helper()
	s := NewServer(ServerConfig{Name: "Living Room"})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, strings.TrimPrefix(ts.URL, "http://")
}

func connectListener(t *testing.T, addr, name string) *Client {
	t.Helper()
	c := NewClient(ClientConfig{Name: name})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx, addr))
	t.Cleanup(func() { c.Close() })
	return c
}

func waitEvent(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestHandshakeAndEvents(t *testing.T) {
	s, addr := startHost(t)
	c := connectListener(t, addr, "Kitchen")

	ev := waitEvent(t, s.Events(), PeerConnected)
	assert.Equal(t, c.ID(), ev.Peer.ID)
	assert.Equal(t, "Kitchen", ev.Peer.Name)

	ev = waitEvent(t, c.Events(), PeerConnected)
	assert.Equal(t, s.ID(), ev.Peer.ID)
	assert.Equal(t, "Living Room", ev.Peer.Name)

	require.Len(t, s.Peers(), 1)
	host, ok := c.Host()
	require.True(t, ok)
	assert.Equal(t, s.ID(), host.ID)
}

func TestSendBothWays(t *testing.T) {
	s, addr := startHost(t)
	c := connectListener(t, addr, "Kitchen")
	waitEvent(t, s.Events(), PeerConnected)

	require.NoError(t, s.Send(protocol.Pause(10, "Song"), nil))
	ev := waitEvent(t, c.Events(), MessageReceived)
	assert.Equal(t, protocol.KindPause, ev.Command.Kind)
	assert.Equal(t, int64(10), ev.Command.TimeToExecute)
	assert.NotZero(t, ev.ReceivedAt)

	require.NoError(t, c.Send(protocol.Command{Kind: protocol.KindStatus}, nil))
	ev = waitEvent(t, s.Events(), MessageReceived)
	assert.Equal(t, protocol.KindStatus, ev.Command.Kind)
	assert.Equal(t, c.ID(), ev.Peer.ID)
}

func TestSendPreservesOrder(t *testing.T) {
	s, addr := startHost(t)
	c := connectListener(t, addr, "Kitchen")
	ev := waitEvent(t, s.Events(), PeerConnected)

	file := []byte(strings.Repeat("audio", 10000))
	const n = 30
	for i := 1; i <= n; i++ {
		if i == n/2 {
			require.NoError(t, s.Send(protocol.Load(protocol.SongItem{Title: "Big"}, file), []PeerID{ev.Peer.ID}))
		}
		require.NoError(t, s.Send(protocol.Pause(int64(i), "Song"), []PeerID{ev.Peer.ID}))
	}

	next := int64(1)
	sawLoad := false
	for next <= n {
		got := waitEvent(t, c.Events(), MessageReceived)
		if got.Command.Kind == protocol.KindLoad {
			assert.Equal(t, int64(n/2), next, "load delivered in send order")
			assert.Equal(t, file, got.Command.File)
			sawLoad = true
			continue
		}
		assert.Equal(t, next, got.Command.TimeToExecute)
		next++
	}
	assert.True(t, sawLoad)
}

func TestSendToUnknownPeer(t *testing.T) {
	s, addr := startHost(t)
	c := connectListener(t, addr, "Kitchen")
	waitEvent(t, s.Events(), PeerConnected)

	err := s.Send(protocol.Pause(1, "Song"), []PeerID{"missing", c.ID()})
	assert.ErrorIs(t, err, ErrNotConnected)

	ev := waitEvent(t, c.Events(), MessageReceived)
	assert.Equal(t, protocol.KindPause, ev.Command.Kind, "connected peer still served")
}

func TestSendEncodingError(t *testing.T) {
	s, _ := startHost(t)
	err := s.Send(protocol.Command{Kind: protocol.KindLoad}, nil)
	assert.ErrorIs(t, err, protocol.ErrEncoding)
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	s, addr := startHost(t)

	u := url.URL{Scheme: "ws", Host: addr, Path: DefaultPath}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, writeCommand(conn, protocol.Command{Kind: protocol.KindHello, PeerID: "raw", Name: "Raw"}, time.Second))
	welcome, err := readCommand(conn, time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindWelcome, welcome.Kind)
	waitEvent(t, s.Events(), PeerConnected)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hi")))
	require.NoError(t, writeCommand(conn, protocol.Command{Kind: protocol.KindGetSong}, time.Second))

	ev := waitEvent(t, s.Events(), MessageReceived)
	assert.Equal(t, protocol.KindGetSong, ev.Command.Kind)
	assert.Len(t, s.Peers(), 1)
}

func TestRejectsMissingHello(t *testing.T) {
	s, addr := startHost(t)

	u := url.URL{Scheme: "ws", Host: addr, Path: DefaultPath}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, writeCommand(conn, protocol.Command{Kind: protocol.KindStatus}, time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	assert.Empty(t, s.Peers())
}

func TestListenerDisconnect(t *testing.T) {
	s, addr := startHost(t)
	c := connectListener(t, addr, "Kitchen")
	waitEvent(t, s.Events(), PeerConnected)

	require.NoError(t, c.Close())

	ev := waitEvent(t, s.Events(), PeerDisconnected)
	assert.Equal(t, c.ID(), ev.Peer.ID)
	assert.Empty(t, s.Peers())

	err := s.Send(protocol.Pause(1, "Song"), []PeerID{c.ID()})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestHostDisconnectAll(t *testing.T) {
	s, addr := startHost(t)
	c := connectListener(t, addr, "Kitchen")
	waitEvent(t, s.Events(), PeerConnected)
	waitEvent(t, c.Events(), PeerConnected)

	s.DisconnectAll()

	waitEvent(t, c.Events(), PeerDisconnected)
	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.Send(protocol.Command{Kind: protocol.KindStatus}, nil), ErrNotConnected)
}

func TestReconnect(t *testing.T) {
	s, addr := startHost(t)
	c := connectListener(t, addr, "Kitchen")
	waitEvent(t, s.Events(), PeerConnected)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx, addr))

	waitEvent(t, s.Events(), PeerDisconnected)
	waitEvent(t, s.Events(), PeerConnected)
	assert.True(t, c.Connected())
}
