// Package audio holds the PCM helpers shared by the pronunciation pipeline:
// sample-rate conversion, duration accounting, chunking for push streams and
// RIFF/WAVE framing for HTTP speech backends.
//
// All functions operate on little-endian signed 16-bit PCM.
package audio

import (
	"errors"
	"fmt"
	"time"
)

// BytesPerSample is the width of one signed 16-bit PCM sample.
const BytesPerSample = 2

// Sample rates accepted by [Validate]. Speech below narrowband telephony or
// above studio rates is rejected rather than resampled.
const (
	MinSampleRate = 8000
	MaxSampleRate = 48000
)

var (
	// ErrOddLength is returned when a PCM buffer cannot hold whole int16 samples.
	ErrOddLength = errors.New("audio: odd byte count in 16-bit PCM")

	// ErrSampleRate is returned for sample rates outside
	// [MinSampleRate, MaxSampleRate].
	ErrSampleRate = errors.New("audio: unsupported sample rate")
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable description, e.g. "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Validate reports whether pcm is a well-formed buffer in format f.
func Validate(pcm []byte, f Format) error {
	if err := ValidateRate(f.SampleRate); err != nil {
		return err
	}
	if f.Channels <= 0 {
		return fmt.Errorf("audio: channel count must be positive, got %d", f.Channels)
	}
	if len(pcm)%(BytesPerSample*f.Channels) != 0 {
		return ErrOddLength
	}
	return nil
}

// ValidateRate reports whether rate lies in [MinSampleRate, MaxSampleRate].
func ValidateRate(rate int) error {
	if rate < MinSampleRate || rate > MaxSampleRate {
		return fmt.Errorf("%w: %d Hz, want %d-%d Hz", ErrSampleRate, rate, MinSampleRate, MaxSampleRate)
	}
	return nil
}

// Duration returns the playback length of pcm in format f. Malformed formats
// yield zero.
func Duration(pcm []byte, f Format) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	frames := int64(len(pcm) / (BytesPerSample * f.Channels))
	return time.Duration(frames * int64(time.Second) / int64(f.SampleRate))
}

// Chunks splits pcm into slices of at most d playback time each. The slices
// alias pcm. A non-positive d returns pcm as a single chunk.
func Chunks(pcm []byte, f Format, d time.Duration) [][]byte {
	if len(pcm) == 0 {
		return nil
	}
	frameBytes := BytesPerSample * max(f.Channels, 1)
	size := int(int64(f.SampleRate)*int64(d)/int64(time.Second)) * frameBytes
	if size <= 0 || size >= len(pcm) {
		return [][]byte{pcm}
	}
	out := make([][]byte, 0, (len(pcm)+size-1)/size)
	for off := 0; off < len(pcm); off += size {
		end := min(off+size, len(pcm))
		out = append(out, pcm[off:end])
	}
	return out
}

// ToMono16 converts pcm from src to mono at dstRate. Conversion order is
// downmix first, then resample.
func ToMono16(pcm []byte, src Format, dstRate int) ([]byte, error) {
	if err := Validate(pcm, src); err != nil {
		return nil, err
	}
	switch src.Channels {
	case 1:
	case 2:
		pcm = StereoToMono(pcm)
	default:
		return nil, fmt.Errorf("audio: unsupported channel count %d", src.Channels)
	}
	return ResampleMono16(pcm, src.SampleRate, dstRate), nil
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		lSample := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		rSample := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (lSample + rSample) / 2

		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. If srcRate == dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
