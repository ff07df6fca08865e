// ABOUTME: Audio device abstraction backed by oto
// ABOUTME: One process-wide oto context hands out players fed from PCM readers
package engine

import (
	"fmt"
	"io"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/sirupsen/logrus"
)

// Player plays PCM read from a source
type Player interface {
	Play()
	Pause()
	IsPlaying() bool
	// BufferedSize is the number of bytes read from the source but not yet heard
	BufferedSize() int
	Close() error
}

// Output creates players for 16-bit stereo PCM at a fixed sample rate
type Output interface {
	NewPlayer(src io.Reader) Player
	SampleRate() int
	Close() error
}

type otoOutput struct {
	ctx  *oto.Context
	rate int
}

// NewOtoOutput opens the audio device. oto allows a single context per
// process, so the engine picks one rate and resamples everything to it.
func NewOtoOutput(sampleRate int, bufferSize time.Duration) (Output, error) {
	op := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   bufferSize,
	}

	ctx, readyChan, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("failed to create oto context: %w", err)
	}
	<-readyChan

	logrus.WithField("component", "Output").WithFields(logrus.Fields{
		"rate":     sampleRate,
		"channels": channels,
	}).Info("Audio output initialized")

	return &otoOutput{ctx: ctx, rate: sampleRate}, nil
}

func (o *otoOutput) NewPlayer(src io.Reader) Player {
	return o.ctx.NewPlayer(src)
}

func (o *otoOutput) SampleRate() int {
	return o.rate
}

func (o *otoOutput) Close() error {
	return o.ctx.Suspend()
}
