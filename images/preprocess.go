package images

import (
	"fmt"
	"image"

	"github.com/nfnt/resize"
)

// PrepareInput converts an image into planar CHW float32 data at the given
// spatial size, normalized to [0, 1], appended into dst. The destination
// slice must have room for 3*height*width floats starting at offset.
//
// Arguments:
//   - img: The decoded source image.
//   - width: Target width in pixels.
//   - height: Target height in pixels.
//   - dst: Destination slice, written in R-plane, G-plane, B-plane order.
//
// Returns:
//   - error: An error if dst is too small for one CHW image.
func PrepareInput(img image.Image, width, height int, dst []float32) error {
	channelSize := width * height
	if len(dst) < channelSize*3 {
		return fmt.Errorf("destination only holds %d floats, needs %d (make sure it's the right shape)",
			len(dst), channelSize*3)
	}
	red := dst[0:channelSize]
	green := dst[channelSize : channelSize*2]
	blue := dst[channelSize*2 : channelSize*3]

	// Lanczos3 matches the quality/speed tradeoff used for model inputs.
	img = resize.Resize(uint(width), uint(height), img, resize.Lanczos3)

	i := 0
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			red[i] = float32(r>>8) / 255.0
			green[i] = float32(g>>8) / 255.0
			blue[i] = float32(b>>8) / 255.0
			i++
		}
	}
	return nil
}
