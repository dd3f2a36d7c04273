// Package decoder provides a synthetic frame source standing in for
// the real video/audio demuxer and decoder, which this module treats
// as an external collaborator specified only at its interface: push
// VideoFrame records into FrameServer.InsertNewFrame, then call
// SetDraining once and drop the reference.
package decoder

import (
	"time"

	"github.com/facepipe/frameserver/internal/frameserver"
)

// Source produces VideoFrame records in frame-number order. Next
// returns ok == false once the stream is exhausted.
type Source interface {
	Next() (vf frameserver.VideoFrame, ok bool, err error)
}

// FakeSource generates a fixed number of synthetic frames at a fixed
// cadence, each a solid-color image whose shade increments by frame
// number, standing in for the decoder described in the FakeSource-style
// test fixtures this module has no real camera or file backend for.
type FakeSource struct {
	Width, Height int
	FrameDuration time.Duration
	Count         int

	emitted int
	clock   float64
}

// NewFakeSource builds a FakeSource emitting count frames of the given
// dimensions, each spanning frameDuration seconds of synthetic
// timeline.
func NewFakeSource(width, height, count int, frameDuration time.Duration) *FakeSource {
	return &FakeSource{Width: width, Height: height, FrameDuration: frameDuration, Count: count}
}

func (s *FakeSource) Next() (frameserver.VideoFrame, bool, error) {
	if s.emitted >= s.Count {
		return frameserver.VideoFrame{}, false, nil
	}
	img := frameserver.NewImage(s.Width, s.Height, 1)
	shade := byte(s.emitted % 256)
	for i := range img.Pix {
		img.Pix[i] = shade
	}

	start := s.clock
	durationSeconds := s.FrameDuration.Seconds()
	end := start + durationSeconds
	s.clock = end
	s.emitted++

	return frameserver.VideoFrame{
		Image:      img,
		Timestamps: frameserver.FrameTimestamps{Start: start, EstimatedEnd: end},
	}, true, nil
}

// Pump reads every frame from src and inserts it into fs, sleeping
// between insertions to approximate real-time pacing when pace is
// true, then calls fs.SetDraining exactly once. It returns the number
// of frames inserted and the first insertion error encountered, if any.
func Pump(fs *frameserver.FrameServer, src Source, pace bool) (int, error) {
	defer fs.SetDraining()

	count := 0
	for {
		vf, ok, err := src.Next()
		if err != nil {
			return count, err
		}
		if !ok {
			return count, nil
		}
		if _, err := fs.InsertNewFrame(vf); err != nil {
			return count, err
		}
		count++
		if pace {
			seconds := vf.Timestamps.EstimatedEnd - vf.Timestamps.Start
			time.Sleep(time.Duration(seconds * float64(time.Second)))
		}
	}
}
