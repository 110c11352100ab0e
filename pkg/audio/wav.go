package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// wavHeaderSize is the size of the canonical 16-bit PCM WAV header.
const wavHeaderSize = 44

// EncodeWAV wraps raw 16-bit little-endian PCM in a canonical WAV header so
// the payload is self-describing across the upload boundary.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * 2
	out := make([]byte, wavHeaderSize+len(pcm))

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(out[20:22], 1)  // PCM format
	binary.LittleEndian.PutUint16(out[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(channels*2)) // block align
	binary.LittleEndian.PutUint16(out[34:36], 16)                 // bits per sample

	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[wavHeaderSize:], pcm)
	return out
}

// DecodeWAV extracts the PCM payload and format from a canonical 16-bit PCM
// WAV blob produced by [EncodeWAV] (or any encoder using the plain 44-byte
// layout). It rejects compressed or non-16-bit files.
func DecodeWAV(wav []byte) (pcm []byte, sampleRate, channels int, err error) {
	if len(wav) < wavHeaderSize {
		return nil, 0, 0, errors.New("wav: truncated header")
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, 0, 0, errors.New("wav: not a RIFF/WAVE file")
	}
	if format := binary.LittleEndian.Uint16(wav[20:22]); format != 1 {
		return nil, 0, 0, fmt.Errorf("wav: unsupported format %d (want PCM)", format)
	}
	if bits := binary.LittleEndian.Uint16(wav[34:36]); bits != 16 {
		return nil, 0, 0, fmt.Errorf("wav: unsupported bit depth %d (want 16)", bits)
	}
	channels = int(binary.LittleEndian.Uint16(wav[22:24]))
	sampleRate = int(binary.LittleEndian.Uint32(wav[24:28]))

	dataLen := int(binary.LittleEndian.Uint32(wav[40:44]))
	body := wav[wavHeaderSize:]
	if dataLen > len(body) {
		dataLen = len(body)
	}
	return body[:dataLen], sampleRate, channels, nil
}
