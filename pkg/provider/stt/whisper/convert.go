package whisper

import "encoding/binary"

// pcmToFloat32Mono converts 16-bit little-endian signed PCM into the
// normalized float32 mono samples whisper.cpp expects. Stereo input is
// downmixed by averaging the channel pair. A trailing odd byte is ignored.
func pcmToFloat32Mono(pcm []byte, channels int) []float32 {
	total := len(pcm) / 2
	if total == 0 {
		return nil
	}

	if channels == 2 {
		out := make([]float32, 0, total/2)
		for i := 0; i+3 < len(pcm); i += 4 {
			l := int16(binary.LittleEndian.Uint16(pcm[i:]))
			r := int16(binary.LittleEndian.Uint16(pcm[i+2:]))
			out = append(out, (float32(l)+float32(r))/2/32768.0)
		}
		return out
	}

	out := make([]float32, 0, total)
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(binary.LittleEndian.Uint16(pcm[i:]))
		out = append(out, float32(s)/32768.0)
	}
	return out
}
