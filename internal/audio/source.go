// Package audio implements C5: per-track conversion of conferencing-SDK
// audio frames into 16 kHz mono 16-bit PCM for the matching STT client.
package audio

import (
	"context"
	"fmt"
	"sync"

	"github.com/vollawetscher/media-worker/internal/logging"
)

// Frame is one audio frame pulled from the conferencing SDK, already at the
// target sample rate but possibly multi-channel.
type Frame struct {
	Samples  []int16
	Channels int
}

// Sink receives the converted mono PCM for each frame, as raw little-endian
// bytes ready to hand to the STT client's SendAudio.
type Sink interface {
	SendAudio(pcm []byte)
}

// FrameSource is anything that yields a sequence of frames until it is
// exhausted, cancelled, or closed. The conferencing SDK's per-track audio
// reader implements this.
type FrameSource interface {
	Next(ctx context.Context) (Frame, error)
}

// initialBufferSamples is the starting heuristic for the reused downmix
// buffer: 4800 samples is ~300ms at 16kHz.
const initialBufferSamples = 4800

// Source is the per-track producer task. Run executes on its own goroutine;
// Stop is called from the teardown goroutine, so stopped/mixBuf/byteBuf are
// guarded by mu rather than left as plain fields, matching stt.Client's
// locking discipline.
type Source struct {
	src   FrameSource
	sink  Sink
	track string

	mu      sync.Mutex
	mixBuf  []int16
	byteBuf []byte
	stopped bool
}

// New constructs a Source for one participant track.
func New(src FrameSource, sink Sink, track string) *Source {
	return &Source{
		src:     src,
		sink:    sink,
		track:   track,
		mixBuf:  make([]int16, initialBufferSamples),
		byteBuf: make([]byte, initialBufferSamples*2),
	}
}

// Run pulls frames until the source is exhausted, ctx is cancelled, or Stop
// is called. It is meant to run in its own goroutine, one per track.
func (s *Source) Run(ctx context.Context) {
	for {
		if s.isStopped() {
			return
		}
		frame, err := s.src.Next(ctx)
		if err != nil {
			if !s.isStopped() {
				logging.Error(logging.CategoryAudio, "track %s: frame source error: %v", s.track, err)
			}
			return
		}
		s.process(frame)
	}
}

// Stop marks the source stopped and releases the reused buffers so per-track
// memory isn't retained past teardown. Safe to call concurrently with Run.
func (s *Source) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mixBuf = nil
	s.byteBuf = nil
	s.mu.Unlock()
}

func (s *Source) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Source) process(f Frame) {
	switch f.Channels {
	case 1:
		s.forward(f.Samples)
	case 2:
		s.downmixStereo(f.Samples)
	default:
		s.forwardFirstChannel(f.Samples, f.Channels)
	}
}

func (s *Source) forward(mono []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.ensureCapacity(len(mono))
	copy(s.mixBuf[:len(mono)], mono)
	s.emit(s.mixBuf[:len(mono)])
}

func (s *Source) downmixStereo(interleaved []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	n := len(interleaved) / 2
	s.ensureCapacity(n)
	for i := 0; i < n; i++ {
		left := int32(interleaved[2*i])
		right := int32(interleaved[2*i+1])
		s.mixBuf[i] = int16((left + right) / 2)
	}
	s.emit(s.mixBuf[:n])
}

func (s *Source) forwardFirstChannel(interleaved []int16, channels int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || channels <= 0 {
		return
	}
	n := len(interleaved) / channels
	s.ensureCapacity(n)
	for i := 0; i < n; i++ {
		s.mixBuf[i] = interleaved[i*channels]
	}
	s.emit(s.mixBuf[:n])
}

// ensureCapacity grows the reused buffers when a larger frame than any seen
// so far arrives; it never shrinks them, matching "sized to the largest
// frame seen". Callers hold mu.
func (s *Source) ensureCapacity(samples int) {
	if len(s.mixBuf) >= samples {
		return
	}
	s.mixBuf = make([]int16, samples)
	s.byteBuf = make([]byte, samples*2)
}

// emit converts mono samples to little-endian bytes using the reused
// scratch buffer, then hands the sink a fresh copy: the scratch buffer gets
// overwritten by the next frame before an async consumer is guaranteed to
// have read it, so the handoff itself can't alias it. Callers hold mu.
func (s *Source) emit(mono []int16) {
	need := len(mono) * 2
	if len(s.byteBuf) < need {
		s.byteBuf = make([]byte, need)
	}
	buf := s.byteBuf[:need]
	for i, sample := range mono {
		buf[2*i] = byte(sample)
		buf[2*i+1] = byte(sample >> 8)
	}
	out := make([]byte, need)
	copy(out, buf)
	s.sink.SendAudio(out)
}

// ErrStopped is available for a FrameSource implementation to signal a
// clean, caller-initiated stop rather than a transport error. Run treats it
// like any other error from Next.
var ErrStopped = fmt.Errorf("audio source stopped")
