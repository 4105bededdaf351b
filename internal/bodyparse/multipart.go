package bodyparse

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"os"
)

// parseMultipart streams a multipart/form-data body, diverting file parts to
// temp files (bounded by uploadMax) and collecting named fields into a flat
// map, following spec.md §4.4 "Multipart/form-data". mime/multipart already
// implements the boundary-scanning and sub-header parsing spec.md describes
// by hand; there is no reason to reimplement that scanner.
func parseMultipart(r io.Reader, boundary string, lim Limits) (Result, error) {
	mr := multipart.NewReader(r, boundary)
	fields := map[string]any{}
	var files []File
	var total int64

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			cleanupFiles(files)
			return Result{}, fmt.Errorf("bodyparse: read multipart part: %w", err)
		}

		filename := part.FileName()
		if filename == "" {
			value, n, err := readFieldValue(part, lim.RequestMax-total)
			part.Close()
			if err != nil {
				cleanupFiles(files)
				return Result{}, err
			}
			total += n
			fields[part.FormName()] = value
			continue
		}

		f, err := newTempFile(lim.TempDir)
		if err != nil {
			part.Close()
			cleanupFiles(files)
			return Result{}, fmt.Errorf("bodyparse: create temp file: %w", err)
		}
		tempPath := f.Name()
		size, err := copyLimited(f, part, lim.UploadMax)
		f.Close()
		part.Close()
		if err != nil {
			os.Remove(tempPath)
			cleanupFiles(files)
			return Result{}, err
		}

		files = append(files, File{
			Filename: filename,
			Mime:     partMime(part.Header),
			TempFile: tempPath,
			Size:     size,
		})
	}

	fields["files"] = files
	return Result{Value: fields, Files: files}, nil
}

func partMime(h textproto.MIMEHeader) string {
	if ct := h.Get("Content-Type"); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// readFieldValue reads a non-file form field up to max bytes.
func readFieldValue(r io.Reader, max int64) (string, int64, error) {
	if max < 0 {
		max = 0
	}
	lr := io.LimitReader(r, max+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return "", 0, fmt.Errorf("bodyparse: read field: %w", err)
	}
	if int64(len(data)) > max {
		return "", 0, fmt.Errorf("%w: form field exceeds requestMax", ErrPayloadTooLarge)
	}
	return string(data), int64(len(data)), nil
}

// copyLimited copies src into dst, failing with ErrPayloadTooLarge if more
// than max bytes are written (max <= 0 means unbounded). On overflow the
// caller is responsible for removing the partially written temp file
// (spec invariant 11: "leaves no partial temp file").
func copyLimited(dst io.Writer, src io.Reader, max int64) (int64, error) {
	if max <= 0 {
		return io.Copy(dst, src)
	}
	n, err := io.Copy(dst, io.LimitReader(src, max+1))
	if err != nil {
		return n, fmt.Errorf("bodyparse: copy upload: %w", err)
	}
	if n > max {
		return n, fmt.Errorf("%w: upload exceeds uploadMax", ErrPayloadTooLarge)
	}
	return n, nil
}
