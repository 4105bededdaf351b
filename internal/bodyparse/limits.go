package bodyparse

import (
	"fmt"
	"io"
	"os"
)

// readLimited reads up to max+1 bytes from r and fails with
// ErrPayloadTooLarge if the body exceeds max (max <= 0 means unbounded).
func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return io.ReadAll(r)
	}
	lr := io.LimitReader(r, max+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, fmt.Errorf("bodyparse: read body: %w", err)
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%w: body exceeds requestMax", ErrPayloadTooLarge)
	}
	return data, nil
}

// cleanupFiles removes every temp file referenced by files, following
// spec.md §9's "temp files owned by the request that created them; removed
// after the response or on error."
func cleanupFiles(files []File) {
	for _, f := range files {
		if f.TempFile != "" {
			os.Remove(f.TempFile)
		}
	}
}
