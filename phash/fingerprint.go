// Package phash derives average-hash fingerprints from images and scores how alike two
// fingerprints are.
package phash

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Side is the edge length of the sampling grid.
const Side = 8

// Bits is the fingerprint length.
const Bits = Side * Side

var (
	ErrImageDecode        = errors.New("image could not be decoded")
	ErrInvalidFingerprint = errors.New("invalid fingerprint")
)

// Fingerprint is a fixed-length bitstring over {'0','1'} in raster order.
type Fingerprint string

// ParseFingerprint validates a stored fingerprint.
func ParseFingerprint(s string) (Fingerprint, error) {
	if len(s) != Bits {
		return "", fmt.Errorf("%w: length %d, want %d", ErrInvalidFingerprint, len(s), Bits)
	}
	if strings.Trim(s, "01") != "" {
		return "", fmt.Errorf("%w: non-binary character", ErrInvalidFingerprint)
	}
	return Fingerprint(s), nil
}

// Hash decodes data and returns its average hash: the image is scaled to an 8x8
// grayscale grid and each sample contributes '1' when it is brighter than the grid mean.
func Hash(data []byte) (Fingerprint, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrImageDecode, err)
	}
	return HashImage(src), nil
}

// HashImage fingerprints an already decoded image.
func HashImage(src image.Image) Fingerprint {
	grid := image.NewGray(image.Rect(0, 0, Side, Side))
	draw.CatmullRom.Scale(grid, grid.Bounds(), src, src.Bounds(), draw.Src, nil)

	samples := make([]int, 0, Bits)
	sum := 0
	for y := 0; y < Side; y++ {
		for x := 0; x < Side; x++ {
			v := int(grid.GrayAt(x, y).Y)
			samples = append(samples, v)
			sum += v
		}
	}

	// v > sum/64 compared without division
	var b strings.Builder
	b.Grow(Bits)
	for _, v := range samples {
		if v*Bits > sum {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return Fingerprint(b.String())
}
