package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

func TestFrameSamplesMono(t *testing.T) {
	t.Parallel()

	data := make([]byte, 4)
	neg := int16(-16384)
	binary.LittleEndian.PutUint16(data[0:], uint16(int16(16384))) // 0.5
	binary.LittleEndian.PutUint16(data[2:], uint16(neg))          // -0.5

	got := Frame{Data: data, Channels: 1}.Samples()
	if len(got) != 2 {
		t.Fatalf("want 2 samples, got %d", len(got))
	}
	if math.Abs(float64(got[0])-0.5) > 1e-4 || math.Abs(float64(got[1])+0.5) > 1e-4 {
		t.Errorf("want [0.5 -0.5], got %v", got)
	}
}

func TestFrameSamplesStereoDownmix(t *testing.T) {
	t.Parallel()

	data := make([]byte, 4)
	binary.LittleEndian.PutUint16(data[0:], uint16(int16(16384))) // L: 0.5
	binary.LittleEndian.PutUint16(data[2:], uint16(int16(0)))     // R: 0.0

	got := Frame{Data: data, Channels: 2}.Samples()
	if len(got) != 1 {
		t.Fatalf("want 1 mono sample, got %d", len(got))
	}
	if math.Abs(float64(got[0])-0.25) > 1e-4 {
		t.Errorf("want 0.25, got %v", got[0])
	}
}

func TestWAVRoundTrip(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 2, 3, 4, 5, 6}
	wav := EncodeWAV(pcm, 16000, 1)

	gotPCM, rate, ch, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rate != 16000 || ch != 1 {
		t.Errorf("format: want 16000/1, got %d/%d", rate, ch)
	}
	if !bytes.Equal(gotPCM, pcm) {
		t.Errorf("payload mismatch: %v != %v", gotPCM, pcm)
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, _, _, err := DecodeWAV([]byte("not a wav file, far too short")); err == nil {
		t.Error("short garbage accepted")
	}
	bad := EncodeWAV([]byte{0, 0}, 8000, 1)
	copy(bad[0:4], "JUNK")
	if _, _, _, err := DecodeWAV(bad); err == nil {
		t.Error("bad magic accepted")
	}
}
