// ABOUTME: Round-trip probe samples and offset math
// ABOUTME: NTP-style delay/offset per sample and min-delay sample selection
package sync

import (
	"errors"
	"time"
)

// Sample is one completed probe exchange. All timestamps are nanoseconds:
// T0 and T3 on the initiator's clock, T1 and T2 on the responder's clock.
type Sample struct {
	T0 int64 // initiator send
	T1 int64 // responder receive
	T2 int64 // responder send
	T3 int64 // initiator receive
}

// Delay returns the round-trip network delay, excluding responder processing time
func (s Sample) Delay() int64 {
	delay, _ := calculateOffset(s.T0, s.T1, s.T2, s.T3)
	return delay
}

// Offset returns the estimated responder-minus-initiator clock offset
func (s Sample) Offset() int64 {
	_, offset := calculateOffset(s.T0, s.T1, s.T2, s.T3)
	return offset
}

// calculateOffset computes round-trip delay and clock offset
func calculateOffset(t0, t1, t2, t3 int64) (delay, offset int64) {
	delay = (t3 - t0) - (t2 - t1)

	// positive = responder ahead of initiator
	offset = ((t1 - t0) + (t2 - t3)) / 2

	return
}

var errNoSamples = errors.New("no samples")

// SelectBest returns the sample with the smallest round-trip delay.
// Ties go to the earliest sample so the choice is deterministic.
func SelectBest(samples []Sample) (Sample, error) {
	if len(samples) == 0 {
		return Sample{}, errNoSamples
	}

	best := samples[0]
	for _, s := range samples[1:] {
		if s.Delay() < best.Delay() {
			best = s
		}
	}
	return best, nil
}

// ProbeReply is the responder's answer to a probe
type ProbeReply struct {
	T0 int64 // echoed initiator send time
	T1 int64
	T2 int64
	T3 int64 // local receive time when the carrier stamps it, else 0
}

var epoch = time.Now()

// LocalNanos returns the local monotonic clock in nanoseconds, anchored at the
// Unix epoch time captured when the process started. Wall clock steps after
// startup do not affect it.
func LocalNanos() int64 {
	return epoch.UnixNano() + int64(time.Since(epoch))
}
