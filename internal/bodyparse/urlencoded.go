package bodyparse

import (
	"fmt"
	"io"
	"net/url"
)

// parseURLEncoded decodes a standard application/x-www-form-urlencoded body
// into a flat map (spec.md §4.4 "Urlencoded").
func parseURLEncoded(r io.Reader, lim Limits) (Result, error) {
	data, err := readLimited(r, lim.RequestMax)
	if err != nil {
		return Result{}, err
	}

	values, err := url.ParseQuery(string(data))
	if err != nil {
		return Result{}, fmt.Errorf("bodyparse: parse urlencoded body: %w", err)
	}

	flat := make(map[string]any, len(values))
	for k, v := range values {
		if len(v) == 1 {
			flat[k] = v[0]
		} else {
			flat[k] = v
		}
	}
	return Result{Value: flat}, nil
}
