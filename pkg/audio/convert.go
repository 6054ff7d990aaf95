package audio

import "fmt"

// Resampler converts a mono float stream from one sample rate to another by
// linear interpolation. It keeps its phase and the last input sample between
// calls, so a stream cut into blocks of any size resamples exactly as it
// would in one piece. The most recent output sample is held back until the
// input sample after it arrives.
//
// A Resampler is not safe for concurrent use.
type Resampler struct {
	src, dst int64

	// pos is the position of the next output sample relative to the first
	// sample of the next block, in units of 1/dst input samples. It lies in
	// [-dst, src-dst) between calls; negative positions interpolate from prev.
	pos  int64
	prev float32
}

// NewResampler returns a Resampler from srcRate to dstRate. Equal or
// non-positive rates give a Resampler that passes blocks through.
func NewResampler(srcRate, dstRate int) *Resampler {
	return &Resampler{src: int64(srcRate), dst: int64(dstRate)}
}

func (r *Resampler) passthrough() bool {
	return r.src <= 0 || r.dst <= 0 || r.src == r.dst
}

// Process resamples the next block of the stream. The result may be in when
// the Resampler passes blocks through.
func (r *Resampler) Process(in []float32) []float32 {
	if r.passthrough() {
		return in
	}
	n := int64(len(in))
	if n == 0 {
		return nil
	}

	at := func(i int64) float32 {
		if i < 0 {
			return r.prev
		}
		return in[i]
	}

	limit := (n - 1) * r.dst
	out := make([]float32, 0, n*r.dst/r.src+1)
	for r.pos < limit {
		i := floorDiv(r.pos, r.dst)
		frac := float32(r.pos-i*r.dst) / float32(r.dst)
		s0, s1 := at(i), at(i+1)
		out = append(out, s0+(s1-s0)*frac)
		r.pos += r.src
	}
	r.pos -= n * r.dst
	r.prev = in[n-1]
	return out
}

// Reset forgets the stream position so the next block starts a new stream.
func (r *Resampler) Reset() {
	r.pos, r.prev = 0, 0
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && a < 0 {
		q--
	}
	return q
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
