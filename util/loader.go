// Package util - filesystem helpers for calibration image sets.
package util

import (
	"os"
	"path/filepath"
	"sort"
)

// ListImageFiles returns the image files under dir, sorted by name. The
// paths are passed opaquely to the calibration stream; no decoding happens
// here.
//
// Arguments:
// - dir: Directory path containing image files.
//
// Returns:
// - []string: Sorted image file paths.
// - error: Error if the directory cannot be read.
func ListImageFiles(dir string) ([]string, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		switch filepath.Ext(file.Name()) {
		case ".jpg", ".jpeg", ".png", ".bmp":
			paths = append(paths, filepath.Join(dir, file.Name()))
		}
	}

	sort.Strings(paths)
	return paths, nil
}
