package audio

import (
	"encoding/binary"
	"io"
)

// wavHeaderSize is the size of a canonical 44-byte PCM RIFF/WAVE header.
const wavHeaderSize = 44

// WriteWAV writes pcm to w as a canonical 16-bit PCM WAVE file.
func WriteWAV(w io.Writer, pcm []byte, f Format) error {
	if err := Validate(pcm, f); err != nil {
		return err
	}
	var hdr [wavHeaderSize]byte
	blockAlign := f.Channels * BytesPerSample
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(36+len(pcm)))
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(hdr[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(f.SampleRate*blockAlign))
	binary.LittleEndian.PutUint16(hdr[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(hdr[34:36], 16)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(len(pcm)))

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(pcm)
	return err
}
