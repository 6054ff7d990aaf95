// Package audio holds the PCM primitives shared by the capture and playback
// pipelines: formats, the base64 transport [Blob], the decoded [Buffer], and
// conversions between float samples and little-endian int16 PCM.
//
// Sub-packages:
//
//   - capture: microphone → gain → fixed-size frames → transport.
//   - playback: gapless scheduling of decoded fragments on an output clock.
//   - mock: deterministic clocks, microphones and outputs for tests.
package audio
