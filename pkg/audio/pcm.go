// Package audio provides analysis helpers for little-endian 16-bit mono PCM,
// the only encoding carried on the audio topics.
package audio

import "math"

// RMS returns the root-mean-square amplitude of a PCM16 chunk in the range
// [0, 32767]. Odd trailing bytes are ignored.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Peak returns the maximum absolute sample amplitude of a PCM16 chunk.
func Peak(pcm []byte) int {
	n := len(pcm) / 2
	peak := 0
	for i := 0; i < n; i++ {
		s := int(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return peak
}

// DurationMS returns the wall-clock duration of a PCM16 chunk at sampleRate.
func DurationMS(byteLen, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(byteLen) / 2 / float64(sampleRate) * 1000
}

// BytesForMS returns the PCM16 byte length of ms milliseconds at sampleRate.
func BytesForMS(ms, sampleRate int) int {
	return sampleRate * 2 * ms / 1000
}
