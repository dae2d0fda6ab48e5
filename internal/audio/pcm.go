package audio

import (
	"encoding/base64"
	"fmt"
	"math"
)

// DownmixMono collapses interleaved multi-channel PCM16 into normalized
// mono float samples in [-1, 1) by averaging the channels of each frame.
func DownmixMono(pcm []int16, channels int) []float64 {
	if channels <= 1 {
		out := make([]float64, len(pcm))
		for i, s := range pcm {
			out[i] = float64(s) / 32768.0
		}
		return out
	}
	frames := len(pcm) / channels
	out := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(pcm[i*channels+c])
		}
		out[i] = sum / float64(channels) / 32768.0
	}
	return out
}

// Resample converts samples from one rate to another by linear
// interpolation. Rates that already match return a copy.
func Resample(samples []float64, fromRate, toRate int) []float64 {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 || len(samples) == 0 {
		out := make([]float64, len(samples))
		copy(out, samples)
		return out
	}
	ratio := float64(fromRate) / float64(toRate)
	outLen := int(float64(len(samples)) / ratio)
	if outLen < 1 {
		outLen = 1
	}
	out := make([]float64, outLen)
	for i := range out {
		pos := float64(i) * ratio
		left := int(pos)
		if left >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := pos - float64(left)
		out[i] = samples[left]*(1-frac) + samples[left+1]*frac
	}
	return out
}

// RMS computes the root-mean-square amplitude of normalized samples.
func RMS(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// QuantizePCM16 converts normalized samples to 16-bit signed PCM,
// clamping anything outside the representable range.
func QuantizePCM16(samples []float64) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := s * 32767.0
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}

// EncodePCM16LE serializes samples as little-endian bytes.
func EncodePCM16LE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

// DecodePCM16LE parses little-endian PCM16 bytes back into samples.
// A trailing odd byte is rejected rather than silently dropped.
func DecodePCM16LE(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("pcm16 payload has odd length %d", len(data))
	}
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
	}
	return out, nil
}

// EncodeBase64PCM encodes samples the way the wire protocol expects:
// base64 over little-endian PCM16.
func EncodeBase64PCM(samples []int16) string {
	return base64.StdEncoding.EncodeToString(EncodePCM16LE(samples))
}

// DecodeBase64PCM reverses EncodeBase64PCM.
func DecodeBase64PCM(blob string) ([]int16, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("decode audio payload: %w", err)
	}
	return DecodePCM16LE(raw)
}
