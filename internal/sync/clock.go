// ABOUTME: Clock synchronization between a listener and its host
// ABOUTME: Runs probe rounds, keeps the min-delay offset and converts to network time
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrNotConnected is returned when calibration is requested against a peer
	// whose connection is not live
	ErrNotConnected = errors.New("peer not connected")

	// ErrCalibrationTimeout is returned when a probe could not be completed
	// within the allowed attempts
	ErrCalibrationTimeout = errors.New("calibration timed out")
)

// Role decides who defines network time
type Role int

const (
	// RoleListener translates its clock to the host's
	RoleListener Role = iota
	// RoleHost defines network time as its own clock (offset 0)
	RoleHost
)

// State is the calibration state of a peer connection
type State int

const (
	StateUncalibrated State = iota
	StateCalibrating
	StateCalibrated
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUncalibrated:
		return "uncalibrated"
	case StateCalibrating:
		return "calibrating"
	case StateCalibrated:
		return "calibrated"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Quality represents sync quality
type Quality int

const (
	QualityGood Quality = iota
	QualityDegraded
	QualityLost
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityDegraded:
		return "degraded"
	}
	return "lost"
}

// Prober carries probes to the peer whose clock we calibrate against
type Prober interface {
	// Connected reports whether the underlying connection is live
	Connected() bool
	// Probe sends t0 and blocks until the matching reply arrives or ctx ends
	Probe(ctx context.Context, t0 int64) (ProbeReply, error)
}

// Config holds calibration tuning
type Config struct {
	Role          Role
	Probes        int           // samples per round
	ProbeTimeout  time.Duration // wait per probe
	MaxAttempts   int           // tries per sample before the round fails
	ProbeInterval time.Duration // pause between probes
	MaxAge        time.Duration // after this long without a round quality is lost
	Now           func() int64  // local clock, defaults to LocalNanos
}

// DefaultConfig returns the default listener calibration settings
func DefaultConfig() Config {
	return Config{
		Role:          RoleListener,
		Probes:        8,
		ProbeTimeout:  500 * time.Millisecond,
		MaxAttempts:   3,
		ProbeInterval: 20 * time.Millisecond,
		MaxAge:        5 * time.Minute,
	}
}

// Result describes a finished calibration round
type Result struct {
	Generation uint64
	Offset     int64 // ns, host minus local
	Delay      int64 // ns, round trip of the chosen sample
	Samples    int
	Err        error

	set []Sample
}

// ClockSync estimates the offset to the host clock and converts between local
// and network time
type ClockSync struct {
	mu     sync.RWMutex
	config Config
	now    func() int64
	logger *logrus.Entry

	offset   int64 // ns, host - local
	rtt      int64 // ns, delay of the authoritative sample
	quality  Quality
	state    State
	synced   bool // at least one round completed
	lastSync time.Time
	samples  []Sample // last completed round

	generation  uint64
	cancelRound context.CancelFunc

	results chan Result
}

// NewClockSync creates a new clock synchronizer
func NewClockSync(config Config) *ClockSync {
	defaults := DefaultConfig()
	if config.Probes <= 0 {
		config.Probes = defaults.Probes
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = defaults.ProbeTimeout
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.MaxAge <= 0 {
		config.MaxAge = defaults.MaxAge
	}
	now := config.Now
	if now == nil {
		now = LocalNanos
	}

	cs := &ClockSync{
		config:  config,
		now:     now,
		logger:  logrus.WithField("component", "ClockSync"),
		quality: QualityLost,
		state:   StateUncalibrated,
		results: make(chan Result, 8),
	}
	if config.Role == RoleHost {
		cs.quality = QualityGood
		cs.state = StateCalibrated
		cs.synced = true
	}
	return cs
}

// Results delivers the outcome of every round started with BeginCalibration
// that was not superseded by a later call
func (cs *ClockSync) Results() <-chan Result {
	return cs.results
}

// BeginCalibration starts a probe round against p in the background.
// Calling it while a round is running restarts calibration and the in-flight
// samples are discarded.
func (cs *ClockSync) BeginCalibration(ctx context.Context, p Prober) error {
	gen, roundCtx, cancel, err := cs.startRound(ctx, p)
	if err != nil {
		return err
	}

	go func() {
		defer cancel()
		res := cs.runRound(roundCtx, p)
		res.Generation = gen
		if !cs.finish(gen, res) {
			return
		}
		select {
		case cs.results <- res:
		case <-ctx.Done():
		}
	}()
	return nil
}

// Calibrate runs one probe round synchronously
func (cs *ClockSync) Calibrate(ctx context.Context, p Prober) (Result, error) {
	gen, roundCtx, cancel, err := cs.startRound(ctx, p)
	if err != nil {
		return Result{}, err
	}
	defer cancel()

	res := cs.runRound(roundCtx, p)
	res.Generation = gen
	cs.finish(gen, res)
	return res, res.Err
}

// Cancel abandons any running round, e.g. when the host connection drops.
// The last known offset is kept.
func (cs *ClockSync) Cancel() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.cancelRound != nil {
		cs.cancelRound()
		cs.cancelRound = nil
	}
	cs.generation++
	if cs.config.Role != RoleHost {
		cs.state = StateUncalibrated
	}
}

func (cs *ClockSync) startRound(ctx context.Context, p Prober) (uint64, context.Context, context.CancelFunc, error) {
	if cs.config.Role == RoleHost {
		return 0, nil, nil, fmt.Errorf("host clock is the network reference")
	}
	if p == nil || !p.Connected() {
		return 0, nil, nil, ErrNotConnected
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.cancelRound != nil {
		cs.logger.Debug("Restarting calibration, discarding in-flight samples")
		cs.cancelRound()
	}
	cs.generation++
	roundCtx, cancel := context.WithCancel(ctx)
	cs.cancelRound = cancel
	cs.state = StateCalibrating

	return cs.generation, roundCtx, cancel, nil
}

// runRound collects config.Probes samples and picks the authoritative one
func (cs *ClockSync) runRound(ctx context.Context, p Prober) Result {
	samples := make([]Sample, 0, cs.config.Probes)

	for len(samples) < cs.config.Probes {
		s, err := cs.probeWithRetry(ctx, p)
		if err != nil {
			return Result{Samples: len(samples), Err: err}
		}
		samples = append(samples, s)

		if cs.config.ProbeInterval > 0 && len(samples) < cs.config.Probes {
			select {
			case <-time.After(cs.config.ProbeInterval):
			case <-ctx.Done():
				return Result{Samples: len(samples), Err: ctx.Err()}
			}
		}
	}

	best, err := SelectBest(samples)
	if err != nil {
		return Result{Err: err}
	}

	return Result{
		Offset:  best.Offset(),
		Delay:   best.Delay(),
		Samples: len(samples),
		set:     samples,
	}
}

func (cs *ClockSync) probeWithRetry(ctx context.Context, p Prober) (Sample, error) {
	var lastErr error

	for attempt := 1; attempt <= cs.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Sample{}, err
		}

		probeCtx, cancel := context.WithTimeout(ctx, cs.config.ProbeTimeout)
		t0 := cs.now()
		reply, err := p.Probe(probeCtx, t0)
		t3 := cs.now()
		cancel()

		if err != nil {
			if errors.Is(err, ErrNotConnected) {
				return Sample{}, err
			}
			if ctx.Err() != nil {
				return Sample{}, ctx.Err()
			}
			lastErr = err
			cs.logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"error":   err,
			}).Warn("Probe failed")
			continue
		}

		if reply.T0 != t0 {
			lastErr = fmt.Errorf("reply for t0=%d, expected %d", reply.T0, t0)
			continue
		}

		// a stamp taken at the socket keeps our own queueing out of the delay
		if reply.T3 >= t0 && reply.T3 > 0 && reply.T3 <= t3 {
			t3 = reply.T3
		}

		s := Sample{T0: t0, T1: reply.T1, T2: reply.T2, T3: t3}
		if s.Delay() < 0 {
			lastErr = fmt.Errorf("negative round trip %dns", s.Delay())
			cs.logger.WithField("delay", s.Delay()).Warn("Discarding sample with negative delay")
			continue
		}
		return s, nil
	}

	return Sample{}, fmt.Errorf("%w after %d attempts: %v", ErrCalibrationTimeout, cs.config.MaxAttempts, lastErr)
}

// finish applies a round result unless a newer round superseded it
func (cs *ClockSync) finish(gen uint64, res Result) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if gen != cs.generation {
		return false
	}
	cs.cancelRound = nil

	if res.Err != nil {
		// keep the previous offset; callers proceed unsynced
		cs.state = StateUncalibrated
		cs.logger.WithFields(logrus.Fields{
			"samples": res.Samples,
			"offset":  cs.offset,
			"error":   res.Err,
		}).Warn("Calibration failed, keeping last offset")
		return true
	}

	cs.offset = res.Offset
	cs.rtt = res.Delay
	cs.samples = res.set
	cs.synced = true
	cs.state = StateCalibrated
	cs.lastSync = time.Now()
	if time.Duration(res.Delay) < 50*time.Millisecond {
		cs.quality = QualityGood
	} else {
		cs.quality = QualityDegraded
	}

	cs.logger.WithFields(logrus.Fields{
		"offset":  time.Duration(cs.offset),
		"rtt":     time.Duration(cs.rtt),
		"samples": res.Samples,
	}).Info("Calibration complete")
	return true
}

// HandleProbe answers a probe on the responder side. receivedAt should be
// stamped as soon as the probe was read off the connection.
func (cs *ClockSync) HandleProbe(t0, receivedAt int64) ProbeReply {
	return ProbeReply{
		T0: t0,
		T1: cs.LocalToNetwork(receivedAt),
		T2: cs.NetworkTime(),
	}
}

// Now returns the local clock
func (cs *ClockSync) Now() int64 {
	return cs.now()
}

// NetworkTime returns the current time in the host's reference frame. Before
// any round completes it falls back to the last estimate (zero offset).
func (cs *ClockSync) NetworkTime() int64 {
	return cs.LocalToNetwork(cs.now())
}

// LocalToNetwork converts a local timestamp to network time
func (cs *ClockSync) LocalToNetwork(local int64) int64 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return local + cs.offset
}

// NetworkToLocal converts a network timestamp to the local clock
func (cs *ClockSync) NetworkToLocal(network int64) int64 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return network - cs.offset
}

// Offset returns the current offset in nanoseconds
func (cs *ClockSync) Offset() int64 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.offset
}

// IsCalibrating reports whether a round is in flight
func (cs *ClockSync) IsCalibrating() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.state == StateCalibrating
}

// State returns the calibration state
func (cs *ClockSync) State() State {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.state
}

// Synced reports whether any round has ever completed
func (cs *ClockSync) Synced() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.synced
}

// LastSamples returns a copy of the samples from the last completed round
func (cs *ClockSync) LastSamples() []Sample {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make([]Sample, len(cs.samples))
	copy(out, cs.samples)
	return out
}

// Stats returns sync statistics
func (cs *ClockSync) Stats() (offset, rtt int64, quality Quality) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.offset, cs.rtt, cs.quality
}

// CheckQuality updates quality based on time since last sync
func (cs *ClockSync) CheckQuality() Quality {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.config.Role == RoleHost {
		return cs.quality
	}
	if !cs.synced || time.Since(cs.lastSync) > cs.config.MaxAge {
		cs.quality = QualityLost
	}

	return cs.quality
}
