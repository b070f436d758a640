// Package stt implements C4: one client per participant track, holding a
// long-lived bidirectional stream to an external transcription provider.
package stt

import "encoding/json"

// EndOfStreamFrameKind names the two ways half-close can be signalled to the
// provider. The spec notes a historical ambiguity here (§9): one revision sent
// an empty-payload binary frame, another a JSON control message. Client.Stop
// always sends the empty-payload frame and does not read this type;
// EndOfStreamJSON is kept only as a documented alternative, not wired to any
// config flag.
type EndOfStreamFrameKind int

const (
	EndOfStreamEmptyFrame EndOfStreamFrameKind = iota
	EndOfStreamJSON
)

// AudioFormat describes the outbound PCM stream declared in StartRecognition.
type AudioFormat struct {
	Type         string `json:"type"`
	Encoding     string `json:"encoding"`
	SampleRate   int    `json:"sample_rate"`
	ChannelCount int    `json:"channel_count"`
}

// TranscriptionConfig declares language and provider behavior knobs.
type TranscriptionConfig struct {
	Language        string  `json:"language"`
	OperatingPoint  string  `json:"operating_point"`
	EnablePartials  bool    `json:"enable_partials"`
	MaxDelaySeconds float64 `json:"max_delay"`
}

// StartRecognition is the outbound control frame sent on open.
type StartRecognition struct {
	Message         string              `json:"message"`
	AudioFormat     AudioFormat         `json:"audio_format"`
	Transcription   TranscriptionConfig `json:"transcription_config"`
}

// NewStartRecognition builds the standard outbound handshake frame.
func NewStartRecognition(language string) StartRecognition {
	return StartRecognition{
		Message: "StartRecognition",
		AudioFormat: AudioFormat{
			Type:         "raw",
			Encoding:     "pcm_s16le",
			SampleRate:   16000,
			ChannelCount: 1,
		},
		Transcription: TranscriptionConfig{
			Language:        language,
			OperatingPoint:  "enhanced",
			EnablePartials:  false,
			MaxDelaySeconds: 2.0,
		},
	}
}

// inboundEnvelope is the minimal shape needed to dispatch on Message before
// unmarshaling the rest of the frame into a specific type.
type inboundEnvelope struct {
	Message string `json:"message"`
}

// alternative is one ASR hypothesis.
type alternative struct {
	Confidence float64 `json:"confidence"`
}

// result wraps the hypotheses for one recognized span.
type result struct {
	Alternatives []alternative `json:"alternatives"`
}

// addTranscriptMetadata carries the text and span boundaries.
type addTranscriptMetadata struct {
	Transcript string  `json:"transcript"`
	StartTime  float64 `json:"start_time"`
	EndTime    float64 `json:"end_time"`
}

// addTranscript is the inbound final-fragment frame.
type addTranscript struct {
	Message  string                `json:"message"`
	Metadata addTranscriptMetadata `json:"metadata"`
	Results  []result              `json:"results"`
}

func (a addTranscript) confidence() float64 {
	if len(a.Results) == 0 || len(a.Results[0].Alternatives) == 0 {
		return 0
	}
	return a.Results[0].Alternatives[0].Confidence
}

// providerError is the inbound Error frame.
type providerError struct {
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// providerWarning is the inbound Warning frame.
type providerWarning struct {
	Message string `json:"message"`
	Text    string `json:"warning"`
}

func parseInbound(raw []byte) (kind string, payload []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil
	}
	return env.Message, raw
}
