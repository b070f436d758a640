package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFrameSource struct {
	mu     sync.Mutex
	frames []Frame
	idx    int
}

func (f *fakeFrameSource) Next(ctx context.Context) (Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.frames) {
		return Frame{}, errors.New("exhausted")
	}
	fr := f.frames[f.idx]
	f.idx++
	return fr, nil
}

type fakeAudioSink struct {
	mu    sync.Mutex
	sent  [][]byte
}

func (f *fakeAudioSink) SendAudio(pcm []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	f.sent = append(f.sent, cp)
}

func (f *fakeAudioSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func samplesFromBytes(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i : 2*i+2]))
	}
	return out
}

func TestSource_MonoForwardedUnchanged(t *testing.T) {
	src := &fakeFrameSource{frames: []Frame{{Samples: []int16{100, -200, 300}, Channels: 1}}}
	sink := &fakeAudioSink{}
	s := New(src, sink, "track-1")

	s.Run(context.Background())

	require.Equal(t, 1, sink.count())
	assert.Equal(t, []int16{100, -200, 300}, samplesFromBytes(sink.sent[0]))
}

func TestSource_StereoDownmixedByArithmeticMean(t *testing.T) {
	// left=100,right=200 -> mean 150; left=-100,right=-300 -> mean -200
	src := &fakeFrameSource{frames: []Frame{{Samples: []int16{100, 200, -100, -300}, Channels: 2}}}
	sink := &fakeAudioSink{}
	s := New(src, sink, "track-1")

	s.Run(context.Background())

	require.Equal(t, 1, sink.count())
	assert.Equal(t, []int16{150, -200}, samplesFromBytes(sink.sent[0]))
}

func TestSource_OtherChannelCountsForwardFirstChannel(t *testing.T) {
	// 3 channels, 2 frames: [c0,c1,c2, c0,c1,c2]
	src := &fakeFrameSource{frames: []Frame{{Samples: []int16{10, 20, 30, 40, 50, 60}, Channels: 3}}}
	sink := &fakeAudioSink{}
	s := New(src, sink, "track-1")

	s.Run(context.Background())

	require.Equal(t, 1, sink.count())
	assert.Equal(t, []int16{10, 40}, samplesFromBytes(sink.sent[0]))
}

func TestSource_BufferGrowsForLargerFrames(t *testing.T) {
	big := make([]int16, initialBufferSamples+100)
	for i := range big {
		big[i] = int16(i % 100)
	}
	src := &fakeFrameSource{frames: []Frame{{Samples: big, Channels: 1}}}
	sink := &fakeAudioSink{}
	s := New(src, sink, "track-1")

	s.Run(context.Background())

	require.Equal(t, 1, sink.count())
	assert.Len(t, samplesFromBytes(sink.sent[0]), len(big))
}

func TestSource_StopReleasesBuffersAndSwallowsLateErrors(t *testing.T) {
	src := &fakeFrameSource{frames: []Frame{{Samples: []int16{1, 2}, Channels: 1}}}
	sink := &fakeAudioSink{}
	s := New(src, sink, "track-1")

	s.Stop()
	assert.Nil(t, s.mixBuf)

	// Run after Stop should exit immediately without sending anything.
	s.Run(context.Background())
	assert.Equal(t, 0, sink.count())
}

// steadyFrameSource never errors, so Run keeps calling process() until ctx
// is cancelled — used to exercise Stop racing with an in-flight forward().
type steadyFrameSource struct{ frame Frame }

func (f *steadyFrameSource) Next(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	default:
		return f.frame, nil
	}
}

func TestSource_StopConcurrentWithRunDoesNotPanic(t *testing.T) {
	src := &steadyFrameSource{frame: Frame{Samples: []int16{1, 2, 3, 4}, Channels: 1}}
	sink := &fakeAudioSink{}
	s := New(src, sink, "track-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(time.Millisecond)
	s.Stop()
	cancel()
	<-done
}
