package audio

import (
	"errors"
	"fmt"
)

// ErrMalformedAudio marks binary payloads that are not a whole number of
// PCM-16 samples. The condition is recoverable: the offending frame is
// rejected and the session continues.
var ErrMalformedAudio = errors.New("malformed audio payload")

// BytesToSamples decodes little-endian PCM-16 bytes into samples
func BytesToSamples(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: length %d is not a multiple of the sample width", ErrMalformedAudio, len(data))
	}

	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples, nil
}

// SamplesToBytes encodes samples into little-endian PCM-16 bytes
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[i*2] = byte(s)
		data[i*2+1] = byte(uint16(s) >> 8)
	}
	return data
}
