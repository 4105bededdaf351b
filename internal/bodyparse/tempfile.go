package bodyparse

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
)

const tempNameAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// newTempFile creates a file under dir with a random 8-char base-36 name and
// a .tmp suffix (spec.md §6 "Temp uploads").
func newTempFile(dir string) (*os.File, error) {
	name, err := randomTempName()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, name)
	return os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
}

func randomTempName() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("bodyparse: generate temp name: %w", err)
	}
	out := make([]byte, 8)
	for i, b := range buf {
		out[i] = tempNameAlphabet[int(b)%len(tempNameAlphabet)]
	}
	return string(out) + ".tmp", nil
}
