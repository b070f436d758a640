package conference

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	soxr "github.com/zaf/resample"
	opus "gopkg.in/hraban/opus.v2"

	"github.com/vollawetscher/media-worker/internal/audio"
)

// trackFrameSource adapts a subscribed LiveKit remote audio track into the
// audio.FrameSource C5 expects: Opus packets in, 16kHz mono PCM frames out.
// Grounded on the teacher's internal/bridge/ingress_track.go, retargeted from
// a 48kHz->24kHz conference resample to 48kHz->16kHz for the STT provider.
type trackFrameSource struct {
	track *webrtc.TrackRemote

	decoder      *opus.Decoder
	resampler    *soxr.Resampler
	resamplerBuf *bytes.Buffer

	rtpBuf    []byte
	pcm48k    []int16
	inputByte []byte
}

func newTrackFrameSource(track *webrtc.TrackRemote) (*trackFrameSource, error) {
	decoder, err := opus.NewDecoder(48000, 1)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}

	resamplerBuf := &bytes.Buffer{}
	resampler, err := soxr.New(resamplerBuf, 48000.0, 16000.0, 1, soxr.I16, soxr.HighQ)
	if err != nil {
		return nil, fmt.Errorf("create resampler: %w", err)
	}

	return &trackFrameSource{
		track:        track,
		decoder:      decoder,
		resampler:    resampler,
		resamplerBuf: resamplerBuf,
		rtpBuf:       make([]byte, 1500),
		pcm48k:       make([]int16, 960),
		inputByte:    make([]byte, 960*2),
	}, nil
}

// Next blocks on the track's RTP stream, decodes one Opus packet, and
// resamples it to 16kHz mono. DTX (empty payload) and zero-sample decodes are
// skipped by looping rather than returning an empty frame.
func (s *trackFrameSource) Next(ctx context.Context) (audio.Frame, error) {
	for {
		select {
		case <-ctx.Done():
			return audio.Frame{}, ctx.Err()
		default:
		}

		n, _, err := s.track.Read(s.rtpBuf)
		if err != nil {
			return audio.Frame{}, err
		}

		var packet rtp.Packet
		if err := packet.Unmarshal(s.rtpBuf[:n]); err != nil {
			continue
		}
		if len(packet.Payload) == 0 {
			continue
		}

		sampleCount, err := s.decoder.Decode(packet.Payload, s.pcm48k)
		if err != nil || sampleCount == 0 {
			continue
		}

		resampled, err := s.resampleTo16k(s.pcm48k[:sampleCount])
		if err != nil || len(resampled) == 0 {
			continue
		}

		return audio.Frame{Samples: resampled, Channels: 1}, nil
	}
}

func (s *trackFrameSource) resampleTo16k(samples48k []int16) ([]int16, error) {
	need := len(samples48k) * 2
	if cap(s.inputByte) < need {
		s.inputByte = make([]byte, need)
	}
	in := s.inputByte[:need]
	for i, sample := range samples48k {
		binary.LittleEndian.PutUint16(in[i*2:], uint16(sample))
	}

	s.resamplerBuf.Reset()
	if _, err := s.resampler.Write(in); err != nil {
		return nil, fmt.Errorf("resampler write: %w", err)
	}

	out := s.resamplerBuf.Bytes()
	if len(out) == 0 {
		return nil, nil
	}

	samples := make([]int16, len(out)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(out[i*2:]))
	}
	return samples, nil
}

func (s *trackFrameSource) close() {
	if s.resampler != nil {
		s.resampler.Close()
	}
}
