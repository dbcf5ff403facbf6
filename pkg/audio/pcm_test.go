package audio_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/linguavox/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()
	stereo := samplesToBytes([]int16{100, 200, -100, -200})
	got := bytesToSamples(audio.StereoToMono(stereo))
	want := []int16{150, -150}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	t.Parallel()
	src := samplesToBytes(make([]int16, 48000))
	out := audio.ResampleMono16(src, 48000, 16000)
	if got := len(out) / 2; got != 16000 {
		t.Errorf("samples: got %d, want 16000", got)
	}
}

func TestResampleMono16_SameRate(t *testing.T) {
	t.Parallel()
	src := samplesToBytes([]int16{1, 2, 3})
	out := audio.ResampleMono16(src, 16000, 16000)
	if !bytes.Equal(out, src) {
		t.Error("same-rate resample should return input unchanged")
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		bytes int
		f     audio.Format
		want  time.Duration
	}{
		{"one second mono 16k", 32000, audio.Format{SampleRate: 16000, Channels: 1}, time.Second},
		{"half second stereo 48k", 96000, audio.Format{SampleRate: 48000, Channels: 2}, 500 * time.Millisecond},
		{"invalid format", 100, audio.Format{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := audio.Duration(make([]byte, tt.bytes), tt.f); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestChunks(t *testing.T) {
	t.Parallel()
	f := audio.Format{SampleRate: 16000, Channels: 1}
	pcm := make([]byte, 32000+100) // 1s + 50 samples
	chunks := audio.Chunks(pcm, f, 100*time.Millisecond)
	if len(chunks) != 11 {
		t.Fatalf("chunks: got %d, want 11", len(chunks))
	}
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	if total != len(pcm) {
		t.Errorf("chunks cover %d bytes, want %d", total, len(pcm))
	}
	if len(chunks[0]) != 3200 {
		t.Errorf("first chunk: got %d bytes, want 3200", len(chunks[0]))
	}
}

func TestToMono16_OddLength(t *testing.T) {
	t.Parallel()
	_, err := audio.ToMono16([]byte{1, 2, 3}, audio.Format{SampleRate: 16000, Channels: 1}, 16000)
	if !errors.Is(err, audio.ErrOddLength) {
		t.Fatalf("expected ErrOddLength, got %v", err)
	}
}

func TestWriteWAV_Header(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{1, 2, 3, 4})
	var buf bytes.Buffer
	if err := audio.WriteWAV(&buf, pcm, audio.Format{SampleRate: 16000, Channels: 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b := buf.Bytes()
	if len(b) != 44+len(pcm) {
		t.Fatalf("length: got %d, want %d", len(b), 44+len(pcm))
	}
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" || string(b[36:40]) != "data" {
		t.Error("missing RIFF/WAVE/data markers")
	}
	if got := binary.LittleEndian.Uint32(b[24:28]); got != 16000 {
		t.Errorf("sample rate: got %d", got)
	}
	if got := binary.LittleEndian.Uint32(b[40:44]); got != uint32(len(pcm)) {
		t.Errorf("data size: got %d", got)
	}
}

func TestToMono16_RejectsSampleRateOutOfRange(t *testing.T) {
	t.Parallel()
	pcm := make([]byte, 64<<10)
	for _, rate := range []int{0, 1, audio.MinSampleRate - 1, audio.MaxSampleRate + 1} {
		out, err := audio.ToMono16(pcm, audio.Format{SampleRate: rate, Channels: 1}, 16000)
		if !errors.Is(err, audio.ErrSampleRate) {
			t.Errorf("rate %d: err = %v, want ErrSampleRate", rate, err)
		}
		if out != nil {
			t.Errorf("rate %d: got %d bytes of output", rate, len(out))
		}
	}
	for _, rate := range []int{audio.MinSampleRate, audio.MaxSampleRate} {
		if _, err := audio.ToMono16(pcm, audio.Format{SampleRate: rate, Channels: 1}, 16000); err != nil {
			t.Errorf("rate %d: %v", rate, err)
		}
	}
}
