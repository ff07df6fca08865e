// ABOUTME: Clock probes carried over the listener's host connection
// ABOUTME: Matches probe replies to waiting calibration rounds by sequence number
package playback

import (
	"context"
	"sync"

	clocksync "github.com/airly-sync/airly-go/internal/sync"
	"github.com/airly-sync/airly-go/internal/transport"
	"github.com/airly-sync/airly-go/pkg/protocol"
)

// HostLink is the listener's connection to its host
type HostLink interface {
	transport.Transport
	Connected() bool
}

// HostProber implements clocksync.Prober over a HostLink
type HostProber struct {
	link HostLink

	mu      sync.Mutex
	seq     uint64
	waiting map[uint64]chan clocksync.ProbeReply
}

var _ clocksync.Prober = (*HostProber)(nil)

// NewHostProber creates a prober whose replies arrive through Deliver
func NewHostProber(link HostLink) *HostProber {
	return &HostProber{
		link:    link,
		waiting: make(map[uint64]chan clocksync.ProbeReply),
	}
}

func (p *HostProber) Connected() bool {
	return p.link.Connected()
}

func (p *HostProber) Probe(ctx context.Context, t0 int64) (clocksync.ProbeReply, error) {
	reply := make(chan clocksync.ProbeReply, 1)

	p.mu.Lock()
	p.seq++
	seq := p.seq
	p.waiting[seq] = reply
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.waiting, seq)
		p.mu.Unlock()
	}()

	if err := p.link.Send(protocol.Command{Kind: protocol.KindProbe, Seq: seq, T0: t0}, nil); err != nil {
		return clocksync.ProbeReply{}, err
	}

	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return clocksync.ProbeReply{}, ctx.Err()
	}
}

// Deliver hands a probeReply to its round with the local time it came off
// the connection. Late replies for probes that already timed out are dropped.
func (p *HostProber) Deliver(cmd protocol.Command, receivedAt int64) bool {
	p.mu.Lock()
	reply, ok := p.waiting[cmd.Seq]
	delete(p.waiting, cmd.Seq)
	p.mu.Unlock()

	if !ok {
		return false
	}
	reply <- clocksync.ProbeReply{T0: cmd.T0, T1: cmd.T1, T2: cmd.T2, T3: receivedAt}
	return true
}
