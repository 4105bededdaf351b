package bodyparse

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

const base64Marker = ";base64,"

// parseJSON scans the body for embedded data:<mime>;base64,<payload> markers
// inside string values, diverting each payload to a temp file and replacing
// the marker with a {size,tag,tempFile,mime,encoding} object, then parses
// the resulting accumulator as JSON (spec.md §4.4 "JSON").
//
// The whole body is read up front, bounded by lim.RequestMax — the same
// ceiling a true streaming scanner would enforce — which sidesteps the
// chunk-boundary alignment concern a byte-at-a-time network reader would
// have to solve (splitting a base64 run across TCP segments) while
// preserving the same text-replacement contract.
func parseJSON(r io.Reader, lim Limits) (Result, error) {
	data, err := readLimited(r, lim.RequestMax)
	if err != nil {
		return Result{}, err
	}

	transformed, files, err := divertDataURLs(data, lim)
	if err != nil {
		cleanupFiles(files)
		return Result{}, err
	}

	var value any
	if err := json.Unmarshal(transformed, &value); err != nil {
		cleanupFiles(files)
		return Result{}, fmt.Errorf("bodyparse: parse json accumulator: %w", err)
	}
	return Result{Value: value, Files: files}, nil
}

func divertDataURLs(data []byte, lim Limits) ([]byte, []File, error) {
	var out bytes.Buffer
	var files []File
	inString := false
	strStart := 0 // out offset just past the current string's opening quote

	for i := 0; i < len(data); {
		c := data[i]

		if !inString {
			if c == '"' {
				inString = true
			}
			out.WriteByte(c)
			i++
			strStart = out.Len()
			continue
		}

		switch {
		case c == '\\':
			out.WriteByte(c)
			i++
			if i < len(data) {
				out.WriteByte(data[i])
				i++
			}
		case c == '"':
			inString = false
			out.WriteByte(c)
			i++
		case c == 'd' && out.Len() == strStart && bytes.HasPrefix(data[i:], []byte("data:")):
			n, obj, ok, err := tryDivertOne(data[i:], lim)
			if err != nil {
				return nil, files, err
			}
			if !ok {
				out.WriteByte(c)
				i++
				continue
			}
			enc, _ := json.Marshal(obj)
			// The object replaces the whole string value, quotes included.
			out.Truncate(out.Len() - 1)
			out.Write(enc)
			files = append(files, File{TempFile: obj.TempFile, Mime: obj.Mime, Size: obj.Size})
			i += n
			if i < len(data) && data[i] == '"' {
				i++
			}
			inString = false
		default:
			out.WriteByte(c)
			i++
		}
	}

	return out.Bytes(), files, nil
}

// tryDivertOne attempts to parse a "data:<mime>;base64,<payload>" run
// starting at rest[0]. Returns the number of input bytes consumed (not
// including the closing quote), the replacement object, and ok=false if
// this isn't actually a divertable data URL (e.g. no base64 marker before
// the string ends).
func tryDivertOne(rest []byte, lim Limits) (int, DataURL, bool, error) {
	const prefix = "data:"
	body := rest[len(prefix):]

	quoteIdx := indexUnescapedQuote(body)
	semIdx := bytes.Index(body, []byte(base64Marker))
	if semIdx < 0 || (quoteIdx >= 0 && semIdx > quoteIdx) {
		return 0, DataURL{}, false, nil
	}

	mimeType := string(body[:semIdx])
	payload := body[semIdx+len(base64Marker):]

	end := 0
	for end < len(payload) && payload[end] != '"' {
		end++
	}
	b64 := payload[:end]

	decoded, err := base64.StdEncoding.DecodeString(string(b64))
	if err != nil {
		return 0, DataURL{}, false, fmt.Errorf("bodyparse: decode embedded data url: %w", err)
	}
	if lim.UploadMax > 0 && int64(len(decoded)) > lim.UploadMax {
		return 0, DataURL{}, false, fmt.Errorf("%w: embedded data url exceeds uploadMax", ErrPayloadTooLarge)
	}

	f, err := newTempFile(lim.TempDir)
	if err != nil {
		return 0, DataURL{}, false, fmt.Errorf("bodyparse: create temp file: %w", err)
	}
	tempPath := f.Name()
	if _, err := f.Write(decoded); err != nil {
		f.Close()
		os.Remove(tempPath)
		return 0, DataURL{}, false, fmt.Errorf("bodyparse: write temp file: %w", err)
	}
	f.Close()

	sum := sha256.Sum256(decoded)
	obj := DataURL{
		Size:     int64(len(decoded)),
		Tag:      hex.EncodeToString(sum[:]),
		TempFile: tempPath,
		Mime:     mimeType,
		Encoding: "base64",
	}

	consumed := len(prefix) + semIdx + len(base64Marker) + end
	return consumed, obj, true, nil
}

// indexUnescapedQuote returns the index of the first unescaped '"' in b, or
// -1 if none exists.
func indexUnescapedQuote(b []byte) int {
	for i := 0; i < len(b); i++ {
		if b[i] == '\\' {
			i++
			continue
		}
		if b[i] == '"' {
			return i
		}
	}
	return -1
}
