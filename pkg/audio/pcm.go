package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMisalignedPCM is returned when a PCM payload is not a whole number of
// 16-bit sample frames.
var ErrMisalignedPCM = errors.New("audio: pcm length is not a multiple of the frame size")

// FloatToPCM16 converts float samples in [-1, 1] to little-endian int16 PCM
// by scaling with 32768. Values outside the int16 range saturate.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int32(s * 32768)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// PCM16ToFloat converts little-endian int16 PCM to float samples by dividing
// by 32768. A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}

// EncodeBlob packs samples as int16 PCM and base64-encodes them for
// transmission in format f.
func EncodeBlob(samples []float32, f Format) Blob {
	return Blob{
		MIMEType: f.MIMEType(),
		Data:     base64.StdEncoding.EncodeToString(FloatToPCM16(samples)),
	}
}

// DecodeBase64 decodes the transport encoding of an audio fragment.
func DecodeBase64(data string) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("audio: decode base64: %w", err)
	}
	return pcm, nil
}

// DecodeBuffer turns interleaved little-endian int16 PCM into a planar
// [Buffer] with the given sample rate and channel count.
func DecodeBuffer(pcm []byte, sampleRate, channels int) (Buffer, error) {
	if sampleRate <= 0 || channels <= 0 {
		return Buffer{}, fmt.Errorf("audio: invalid format %d Hz / %d channels", sampleRate, channels)
	}
	if len(pcm)%(2*channels) != 0 {
		return Buffer{}, fmt.Errorf("%w: %d bytes, %d channels", ErrMisalignedPCM, len(pcm), channels)
	}
	frames := len(pcm) / (2 * channels)
	buf := Buffer{
		SampleRate: sampleRate,
		Channels:   make([][]float32, channels),
	}
	for c := range channels {
		buf.Channels[c] = make([]float32, frames)
	}
	for i := range frames {
		for c := range channels {
			off := (i*channels + c) * 2
			buf.Channels[c][i] = float32(int16(binary.LittleEndian.Uint16(pcm[off:]))) / 32768
		}
	}
	return buf, nil
}

// DecodeBlob decodes a base64 PCM fragment into a playable buffer in format f.
func DecodeBlob(data string, f Format) (Buffer, error) {
	pcm, err := DecodeBase64(data)
	if err != nil {
		return Buffer{}, err
	}
	return DecodeBuffer(pcm, f.SampleRate, f.Channels)
}

// EncodePCM base64-encodes little-endian int16 PCM already in format f.
func EncodePCM(pcm []byte, f Format) Blob {
	return Blob{
		MIMEType: f.MIMEType(),
		Data:     base64.StdEncoding.EncodeToString(pcm),
	}
}
