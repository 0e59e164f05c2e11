package calibrate

import (
	"encoding/base64"
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// EntropyCalibrator binds a calibration image stream to a cache-table
// identity (model name + table path). It is constructed once per int8 build
// and must be closed when the compile call returns, on every exit path.
type EntropyCalibrator struct {
	stream    *ImageStream
	modelName string
	tablePath string
	closed    bool
}

// NewEntropyCalibrator creates a calibrator over stream. The table at
// tablePath caches computed scale factors keyed by model name, so repeated
// builds of the same model skip the calibration pass.
func NewEntropyCalibrator(stream *ImageStream, modelName, tablePath string) *EntropyCalibrator {
	return &EntropyCalibrator{stream: stream, modelName: modelName, tablePath: tablePath}
}

// BatchSize returns the stream's fixed batch size.
func (c *EntropyCalibrator) BatchSize() int { return c.stream.BatchSize() }

// Next draws the next preprocessed batch from the stream.
func (c *EntropyCalibrator) Next() (*tensor.Dense, bool, error) {
	if c.closed {
		return nil, false, errors.New("calibrator is closed")
	}
	return c.stream.Next()
}

// CacheKey identifies this model's entry in the calibration table.
func (c *EntropyCalibrator) CacheKey() string { return c.modelName }

// ReadCache returns the cached table entry for this model, if present.
func (c *EntropyCalibrator) ReadCache() ([]byte, bool) {
	if c.tablePath == "" {
		return nil, false
	}
	entries, err := readTable(c.tablePath)
	if err != nil {
		return nil, false
	}
	encoded, ok := entries[c.modelName]
	if !ok {
		return nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false
	}
	return raw, true
}

// WriteCache persists table under this model's key, merging with any other
// entries already in the file.
func (c *EntropyCalibrator) WriteCache(table []byte) error {
	if c.tablePath == "" {
		return nil
	}
	entries, err := readTable(c.tablePath)
	if err != nil {
		entries = map[string]string{}
	}
	entries[c.modelName] = base64.StdEncoding.EncodeToString(table)

	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding calibration table")
	}
	return errors.Wrapf(os.WriteFile(c.tablePath, raw, 0o644), "writing calibration table %s", c.tablePath)
}

// Close marks the calibrator released. Idempotent.
func (c *EntropyCalibrator) Close() error {
	c.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (c *EntropyCalibrator) Closed() bool { return c.closed }

func readTable(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries map[string]string
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errors.Wrapf(err, "parsing calibration table %s", path)
	}
	return entries, nil
}
