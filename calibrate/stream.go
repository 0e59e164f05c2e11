// Package calibrate - calibration image streaming and the int8 entropy
// calibrator consumed during quantized builds.
package calibrate

import (
	"image"
	_ "image/jpeg" // register decoders for calibration images
	_ "image/png"
	"os"

	"github.com/nvr-ai/go-engine/images"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ImageStream supplies batches of preprocessed calibration images as NCHW
// float32 tensors at the network's input shape. Files are decoded lazily,
// one batch at a time; a trailing partial batch is dropped.
type ImageStream struct {
	batchSize int
	channels  int
	height    int
	width     int
	paths     []string
	next      int
}

// NewImageStream creates a stream over the given image paths.
//
// Arguments:
//   - batchSize: Images per batch; must match the profile's opt batch.
//   - inputShape: The network input's NCHW shape; batch dimension ignored.
//   - paths: Calibration image file paths.
//
// Returns:
//   - *ImageStream: The stream.
//   - error: An error if the arguments are unusable.
func NewImageStream(batchSize int, inputShape []int, paths []string) (*ImageStream, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	if len(inputShape) != 4 {
		return nil, errors.Errorf("input shape must be 4D NCHW, got %v", inputShape)
	}
	if inputShape[1] != 3 {
		return nil, errors.Errorf("calibration preprocessing expects 3-channel input, got %d", inputShape[1])
	}
	return &ImageStream{
		batchSize: batchSize,
		channels:  inputShape[1],
		height:    inputShape[2],
		width:     inputShape[3],
		paths:     paths,
	}, nil
}

// BatchSize returns the fixed images-per-batch count.
func (s *ImageStream) BatchSize() int { return s.batchSize }

// Batches returns how many full batches the path list yields.
func (s *ImageStream) Batches() int { return len(s.paths) / s.batchSize }

// Reset rewinds the stream to the first batch.
func (s *ImageStream) Reset() { s.next = 0 }

// Next decodes and preprocesses the next batch. Returns false when fewer
// than a full batch of paths remains.
func (s *ImageStream) Next() (*tensor.Dense, bool, error) {
	if s.next+s.batchSize > len(s.paths) {
		return nil, false, nil
	}

	chw := s.channels * s.height * s.width
	data := make([]float32, s.batchSize*chw)
	for i := 0; i < s.batchSize; i++ {
		path := s.paths[s.next+i]
		img, err := decodeImage(path)
		if err != nil {
			return nil, false, errors.Wrapf(err, "calibration image %s", path)
		}
		if err := images.PrepareInput(img, s.width, s.height, data[i*chw:(i+1)*chw]); err != nil {
			return nil, false, errors.Wrapf(err, "calibration image %s", path)
		}
	}
	s.next += s.batchSize

	batch := tensor.New(
		tensor.WithShape(s.batchSize, s.channels, s.height, s.width),
		tensor.WithBacking(data),
	)
	return batch, true, nil
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	return img, err
}
