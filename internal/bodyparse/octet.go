package bodyparse

import (
	"fmt"
	"io"
	"os"
)

// parseOctet streams the body to a single temp file up to uploadMax,
// returning {tempFile, size} (spec.md §4.4 "Octet").
func parseOctet(r io.Reader, lim Limits) (Result, error) {
	f, err := newTempFile(lim.TempDir)
	if err != nil {
		return Result{}, fmt.Errorf("bodyparse: create temp file: %w", err)
	}
	tempPath := f.Name()

	size, err := copyLimited(f, r, lim.UploadMax)
	f.Close()
	if err != nil {
		os.Remove(tempPath)
		return Result{}, err
	}

	file := File{TempFile: tempPath, Size: size, Mime: "application/octet-stream"}
	return Result{
		Value: map[string]any{"tempFile": tempPath, "size": size},
		Files: []File{file},
	}, nil
}
