// ABOUTME: Per-peer calibration tracking and network-time scheduling
// ABOUTME: Runs actions at exact network times and when peers finish calibrating
package coordinator

import (
	"sync"
	"time"

	clocksync "github.com/airly-sync/airly-go/internal/sync"
	"github.com/airly-sync/airly-go/internal/transport"
	"github.com/sirupsen/logrus"
)

// Clock converts network time to the local clock
type Clock interface {
	Now() int64
	NetworkToLocal(network int64) int64
}

// Requester asks peers to start a calibration round
type Requester interface {
	RequestCalibration(ids []transport.PeerID) error
}

// RequesterFunc adapts a function to Requester
type RequesterFunc func(ids []transport.PeerID) error

func (f RequesterFunc) RequestCalibration(ids []transport.PeerID) error {
	return f(ids)
}

// PeerInfo is a snapshot of one peer
type PeerInfo struct {
	ID     transport.PeerID
	State  clocksync.State
	Offset int64
	Delay  int64
}

type peerState struct {
	state   clocksync.State
	offset  int64
	delay   int64
	actions map[*Action]struct{}

	// deadline fails a round the peer never reports; round invalidates a
	// timer that fired after the peer answered
	deadline *time.Timer
	round    uint64
}

type wait struct {
	pending map[transport.PeerID]struct{}
	each    func(transport.PeerID)
	all     func()
}

// Coordinator owns the calibration state of every connected peer
type Coordinator struct {
	mu        sync.Mutex
	clock     Clock
	requester Requester
	logger    *logrus.Entry

	peers   map[transport.PeerID]*peerState
	waits   map[*wait]struct{}
	actions map[*Action]struct{}

	// calibrationDeadline bounds how long a peer may stay Calibrating; zero
	// waits forever
	calibrationDeadline time.Duration
}

// New creates a coordinator. requester may be nil on devices that never ask
// others to calibrate.
func New(clock Clock, requester Requester) *Coordinator {
	return &Coordinator{
		clock:     clock,
		requester: requester,
		logger:    logrus.WithField("component", "Coordinator"),
		peers:     make(map[transport.PeerID]*peerState),
		waits:     make(map[*wait]struct{}),
		actions:   make(map[*Action]struct{}),
	}
}

// SetCalibrationDeadline bounds every later calibration round. A peer still
// Calibrating when it passes is marked failed so waits on it are released.
func (c *Coordinator) SetCalibrationDeadline(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calibrationDeadline = d
}

// AddPeer starts tracking a newly connected peer as uncalibrated
func (c *Coordinator) AddPeer(id transport.PeerID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.peers[id]; ok {
		return
	}
	c.peers[id] = &peerState{
		state:   clocksync.StateUncalibrated,
		actions: make(map[*Action]struct{}),
	}
	c.logger.WithField("peer", id).Debug("Peer added")
}

// RemovePeer forgets a disconnected peer: its scheduled actions are cancelled
// and it no longer holds up any wait
func (c *Coordinator) RemovePeer(id transport.PeerID) {
	c.mu.Lock()
	ps, ok := c.peers[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.peers, id)
	stopDeadline(ps)

	var cancelled []*Action
	for a := range ps.actions {
		cancelled = append(cancelled, a)
	}
	fire := c.resolveLocked(id, false)
	c.mu.Unlock()

	for _, a := range cancelled {
		a.Cancel()
	}
	c.logger.WithFields(logrus.Fields{
		"peer":      id,
		"cancelled": len(cancelled),
	}).Info("Peer removed")
	runAll(fire)
}

// State returns a peer's calibration state; unknown peers are Disconnected
func (c *Coordinator) State(id transport.PeerID) clocksync.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ps, ok := c.peers[id]; ok {
		return ps.state
	}
	return clocksync.StateDisconnected
}

// Peers returns a snapshot of every tracked peer
func (c *Coordinator) Peers() []PeerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PeerInfo, 0, len(c.peers))
	for id, ps := range c.peers {
		out = append(out, PeerInfo{ID: id, State: ps.state, Offset: ps.offset, Delay: ps.delay})
	}
	return out
}

// PeerIDs returns every tracked peer
func (c *Coordinator) PeerIDs() []transport.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]transport.PeerID, 0, len(c.peers))
	for id := range c.peers {
		out = append(out, id)
	}
	return out
}

// AskPeersToCalibrate marks the peers Calibrating and sends the request.
// It does not wait for the rounds to finish.
func (c *Coordinator) AskPeersToCalibrate(ids []transport.PeerID) {
	c.mu.Lock()
	asked := make([]transport.PeerID, 0, len(ids))
	for _, id := range ids {
		ps, ok := c.peers[id]
		if !ok {
			continue
		}
		ps.state = clocksync.StateCalibrating
		c.startDeadlineLocked(id, ps)
		asked = append(asked, id)
	}
	c.mu.Unlock()

	if len(asked) == 0 || c.requester == nil {
		return
	}

	c.logger.WithField("peers", len(asked)).Info("Asking peers to calibrate")
	if err := c.requester.RequestCalibration(asked); err != nil {
		c.logger.WithError(err).Warn("Calibration request incomplete")
	}
}

// MarkCalibrating records that a peer started a round on its own
func (c *Coordinator) MarkCalibrating(id transport.PeerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ps, ok := c.peers[id]; ok {
		ps.state = clocksync.StateCalibrating
		c.startDeadlineLocked(id, ps)
	}
}

// MarkCalibrated records a finished round and releases waits on the peer
func (c *Coordinator) MarkCalibrated(id transport.PeerID, offset, delay int64) {
	c.mu.Lock()
	ps, ok := c.peers[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	stopDeadline(ps)
	ps.state = clocksync.StateCalibrated
	ps.offset = offset
	ps.delay = delay
	fire := c.resolveLocked(id, true)
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"peer":   id,
		"offset": time.Duration(offset),
		"rtt":    time.Duration(delay),
	}).Info("Peer calibrated")
	runAll(fire)
}

// MarkCalibrationFailed returns the peer to Uncalibrated. Waits on it are
// released anyway so playback proceeds unsynced instead of hanging.
func (c *Coordinator) MarkCalibrationFailed(id transport.PeerID) {
	c.mu.Lock()
	ps, ok := c.peers[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	fire := c.failLocked(id, ps)
	c.mu.Unlock()

	c.logger.WithField("peer", id).Warn("Peer calibration failed, proceeding unsynced")
	runAll(fire)
}

func (c *Coordinator) failLocked(id transport.PeerID, ps *peerState) []func() {
	stopDeadline(ps)
	ps.state = clocksync.StateUncalibrated
	return c.resolveLocked(id, true)
}

func (c *Coordinator) startDeadlineLocked(id transport.PeerID, ps *peerState) {
	stopDeadline(ps)
	if c.calibrationDeadline <= 0 {
		return
	}
	round := ps.round
	ps.deadline = time.AfterFunc(c.calibrationDeadline, func() {
		c.calibrationExpired(id, round)
	})
}

func stopDeadline(ps *peerState) {
	ps.round++
	if ps.deadline != nil {
		ps.deadline.Stop()
		ps.deadline = nil
	}
}

func (c *Coordinator) calibrationExpired(id transport.PeerID, round uint64) {
	c.mu.Lock()
	ps, ok := c.peers[id]
	if !ok || ps.round != round || ps.state != clocksync.StateCalibrating {
		c.mu.Unlock()
		return
	}
	fire := c.failLocked(id, ps)
	c.mu.Unlock()

	c.logger.WithField("peer", id).Warn("Peer never reported calibration, proceeding unsynced")
	runAll(fire)
}

// WhenAllPeersCalibrate runs fn once after every listed peer that is still
// connected has finished calibrating. Peers that disconnect stop counting.
// If nothing is outstanding fn runs before this returns.
func (c *Coordinator) WhenAllPeersCalibrate(ids []transport.PeerID, fn func()) {
	c.mu.Lock()
	w := &wait{pending: make(map[transport.PeerID]struct{}), all: fn}
	for _, id := range ids {
		ps, ok := c.peers[id]
		if ok && ps.state != clocksync.StateCalibrated {
			w.pending[id] = struct{}{}
		}
	}
	if len(w.pending) == 0 {
		c.mu.Unlock()
		fn()
		return
	}
	c.waits[w] = struct{}{}
	c.mu.Unlock()
}

// WhenEachPeerCalibrates runs fn for every listed peer as it finishes
// calibrating; already calibrated peers are reported before this returns
func (c *Coordinator) WhenEachPeerCalibrates(ids []transport.PeerID, fn func(transport.PeerID)) {
	c.mu.Lock()
	w := &wait{pending: make(map[transport.PeerID]struct{}), each: fn}
	var ready []transport.PeerID
	for _, id := range ids {
		ps, ok := c.peers[id]
		if !ok {
			continue
		}
		if ps.state == clocksync.StateCalibrated {
			ready = append(ready, id)
			continue
		}
		w.pending[id] = struct{}{}
	}
	if len(w.pending) > 0 {
		c.waits[w] = struct{}{}
	}
	c.mu.Unlock()

	for _, id := range ready {
		fn(id)
	}
}

// resolveLocked drops id from every wait and returns the callbacks now due.
// each-waits only fire when the peer finished a round.
func (c *Coordinator) resolveLocked(id transport.PeerID, finished bool) []func() {
	var fire []func()
	for w := range c.waits {
		if _, ok := w.pending[id]; !ok {
			continue
		}
		delete(w.pending, id)

		if w.each != nil && finished {
			each := w.each
			fire = append(fire, func() { each(id) })
		}
		if len(w.pending) == 0 {
			delete(c.waits, w)
			if w.all != nil {
				fire = append(fire, w.all)
			}
		}
	}
	return fire
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// Action is a scheduled callback
type Action struct {
	c     *Coordinator
	peer  transport.PeerID
	timer *time.Timer
	fn    func()

	mu   sync.Mutex
	done bool
}

// Cancel prevents the action from running. It reports whether the action
// was still pending.
func (a *Action) Cancel() bool {
	if !a.finish() {
		return false
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	return true
}

// finish claims the action; only the first caller wins
func (a *Action) finish() bool {
	a.mu.Lock()
	if a.done {
		a.mu.Unlock()
		return false
	}
	a.done = true
	a.mu.Unlock()

	a.c.forget(a)
	return true
}

func (a *Action) run() {
	if a.finish() {
		a.fn()
	}
}

// RunAtExactTime schedules fn at a network time. It never blocks; a deadline
// already in the past fires immediately.
func (c *Coordinator) RunAtExactTime(networkTime int64, fn func()) *Action {
	return c.schedule("", networkTime, fn)
}

// RunAtExactTimeFor is RunAtExactTime bound to a peer: the action is cancelled
// when the peer is removed
func (c *Coordinator) RunAtExactTimeFor(peer transport.PeerID, networkTime int64, fn func()) *Action {
	return c.schedule(peer, networkTime, fn)
}

func (c *Coordinator) schedule(peer transport.PeerID, networkTime int64, fn func()) *Action {
	a := &Action{c: c, peer: peer, fn: fn}

	c.mu.Lock()
	if peer != "" {
		ps, ok := c.peers[peer]
		if !ok {
			c.mu.Unlock()
			a.done = true
			c.logger.WithField("peer", peer).Debug("Not scheduling for unknown peer")
			return a
		}
		ps.actions[a] = struct{}{}
	}
	c.actions[a] = struct{}{}

	delay := time.Duration(c.clock.NetworkToLocal(networkTime) - c.clock.Now())
	if delay < 0 {
		delay = 0
	}
	// timer is assigned under the lock so Cancel never sees it half set
	a.timer = time.AfterFunc(delay, a.run)
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"at":    networkTime,
		"delay": delay,
	}).Debug("Action scheduled")
	return a
}

func (c *Coordinator) forget(a *Action) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.actions, a)
	if a.peer != "" {
		if ps, ok := c.peers[a.peer]; ok {
			delete(ps.actions, a)
		}
	}
}

// CancelAll drops every scheduled action and pending wait
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	actions := make([]*Action, 0, len(c.actions))
	for a := range c.actions {
		actions = append(actions, a)
	}
	c.waits = make(map[*wait]struct{})
	for _, ps := range c.peers {
		stopDeadline(ps)
	}
	c.mu.Unlock()

	for _, a := range actions {
		a.Cancel()
	}
}

// Pending returns the number of scheduled actions not yet run
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.actions)
}
