package audio

// DecodePCM16 converts little-endian 16-bit signed PCM bytes into normalized
// float32 samples in [-1, 1). A trailing odd byte cannot form a sample and is
// dropped silently.
func DecodePCM16(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
		out[i] = float32(s) / 32768.0
	}
	return out
}

// EncodePCM16 converts normalized float32 samples into little-endian 16-bit
// signed PCM bytes. Samples outside [-1, 1] are clamped.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, f := range samples {
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		s := int16(f * 32767)
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}
