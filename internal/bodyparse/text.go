package bodyparse

import "io"

// parseText accumulates the body as UTF-8 text up to requestMax (spec.md
// §4.4 "Text").
func parseText(r io.Reader, lim Limits) (Result, error) {
	data, err := readLimited(r, lim.RequestMax)
	if err != nil {
		return Result{}, err
	}
	return Result{Value: string(data)}, nil
}
