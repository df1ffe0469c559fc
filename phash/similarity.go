package phash

import (
	"errors"
	"fmt"
)

var ErrLengthMismatch = errors.New("fingerprints differ in length")

// HammingDistance counts the positions at which a and b differ.
func HammingDistance(a, b Fingerprint) (int, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrLengthMismatch, len(a), len(b))
	}
	distance := 0
	for i := 0; i < len(a); i++ {
		if a[i] != b[i] {
			distance++
		}
	}
	return distance, nil
}

// Similarity returns 1 - distance/len, in [0,1]. Two empty fingerprints are identical.
func Similarity(a, b Fingerprint) (float64, error) {
	distance, err := HammingDistance(a, b)
	if err != nil {
		return 0, err
	}
	if len(a) == 0 {
		return 1, nil
	}
	return 1 - float64(distance)/float64(len(a)), nil
}
