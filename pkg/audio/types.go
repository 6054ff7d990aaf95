package audio

import (
	"fmt"
	"time"
)

// FrameSize is the number of samples per capture frame. At 16 kHz one frame
// covers 256 ms of audio.
const FrameSize = 4096

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

var (
	// CaptureFormat is the format the realtime endpoint expects for
	// microphone input.
	CaptureFormat = Format{SampleRate: 16000, Channels: 1}

	// PlaybackFormat is the format of audio fragments produced by the
	// realtime endpoint.
	PlaybackFormat = Format{SampleRate: 24000, Channels: 1}
)

// MIMEType returns the raw PCM MIME type for f, e.g. "audio/pcm;rate=16000".
func (f Format) MIMEType() string {
	return fmt.Sprintf("audio/pcm;rate=%d", f.SampleRate)
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Blob is a transport-encoded chunk of audio: raw little-endian int16 PCM,
// base64-encoded, tagged with its MIME type.
type Blob struct {
	// MIMEType is e.g. "audio/pcm;rate=16000".
	MIMEType string

	// Data is the base64 (standard alphabet) encoding of the PCM bytes.
	Data string
}

// Buffer is decoded, schedulable audio. Channel data is held planar: one
// float32 slice per channel, samples in [-1, 1].
type Buffer struct {
	SampleRate int
	Channels   [][]float32
}

// Frames returns the number of sample frames in the buffer.
func (b Buffer) Frames() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the playback length of the buffer.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}
