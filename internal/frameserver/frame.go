package frameserver

import "sync"

// FrameTimestamps carries the timing metadata a decoder attaches to a
// frame: when capture started and when the frame is expected to finish
// its on-screen life, both as seconds since an arbitrary session epoch.
type FrameTimestamps struct {
	Start        float64
	EstimatedEnd float64
}

// VideoFrame is what a decoder hands to FrameServer.InsertNewFrame: the
// native-resolution image plus its timestamps. Everything else
// (detection image, preview image, checkpoints) is FrameServer's job to
// derive and own.
type VideoFrame struct {
	Image      *Image
	Timestamps FrameTimestamps
}

type checkpointSet map[string]bool

func (c checkpointSet) allSatisfied() bool {
	for _, v := range c {
		if !v {
			return false
		}
	}
	return true
}

// WorkingFrame is a single frame's full lifecycle record: its images,
// its current state, and the per-state checkpoint set the herder
// consults before advancing it. Every field except the preview image is
// owned by the FrameServer mutex; callers never hold a WorkingFrame
// across a FrameServer call that might mutate it concurrently.
type WorkingFrame struct {
	number     uint64
	timestamps FrameTimestamps

	nativeImage    *Image
	detectionImage *Image

	previewMu    sync.Mutex
	previewImage *Image

	state       State
	checkpoints [numStates]checkpointSet
}

func newWorkingFrame(number uint64, vf VideoFrame, detectionImage, previewImage *Image, checkpointKeys [numStates][]string) *WorkingFrame {
	f := &WorkingFrame{
		number:         number,
		timestamps:     vf.Timestamps,
		nativeImage:    vf.Image,
		detectionImage: detectionImage,
		previewImage:   previewImage,
		state:          New,
	}
	for s := 0; s < numStates; s++ {
		set := make(checkpointSet, len(checkpointKeys[s]))
		for _, key := range checkpointKeys[s] {
			set[key] = false
		}
		f.checkpoints[s] = set
	}
	return f
}

// Number is the frame's monotonically increasing identifier.
func (f *WorkingFrame) Number() uint64 { return f.number }

// Timestamps returns the frame's capture timing metadata.
func (f *WorkingFrame) Timestamps() FrameTimestamps { return f.timestamps }

// State returns the frame's current pipeline state.
func (f *WorkingFrame) State() State { return f.state }

// NativeImage is the full-resolution captured image.
func (f *WorkingFrame) NativeImage() *Image { return f.nativeImage }

// DetectionImage is the downscaled image analyzers run detection over.
func (f *WorkingFrame) DetectionImage() *Image { return f.detectionImage }

// WithPreviewImage runs fn with the preview image locked, letting
// renderer pools annotate it without blocking the herder, which never
// touches previewImage itself except through this same lock.
func (f *WorkingFrame) WithPreviewImage(fn func(img *Image)) {
	f.previewMu.Lock()
	defer f.previewMu.Unlock()
	fn(f.previewImage)
}

func (f *WorkingFrame) releaseImages() {
	f.nativeImage.Release()
	f.detectionImage.Release()
	f.previewMu.Lock()
	f.previewImage.Release()
	f.previewMu.Unlock()
}

func (f *WorkingFrame) checkpointsSatisfiedForCurrentState() bool {
	return f.checkpoints[f.state].allSatisfied()
}
