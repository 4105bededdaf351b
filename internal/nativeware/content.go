package nativeware

import (
	"compress/gzip"
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/keephost/keephost/internal/bodyparse"
	"github.com/keephost/keephost/internal/cache"
	"github.com/keephost/keephost/internal/pipeline"
)

// mimeByExt resolves a file extension to a MIME type, falling back to a
// generic binary stream for unrecognized extensions.
func mimeByExt(ext string) string {
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// ContentConfig configures the content middleware (spec.md §4.6 "content").
type ContentConfig struct {
	Root         string
	Auth         string // "", "getAuth", or "postAuth"
	CacheControl string
	Index        string // defaults to "index.html"
	Indexing     bool   // serve a directory listing when no index file exists
	MaxBuffered  int64  // entries at/above this size are streamed, not buffered
	HMACKey      []byte

	Cache        *cache.Cache
	UploadLimits bodyparse.Limits
}

func (cfg ContentConfig) indexName() string {
	if cfg.Index != "" {
		return cfg.Index
	}
	return "index.html"
}

// Content registers GET (serve) and POST (upload) handlers for pattern,
// which must end in a "*" splat capturing the requested path under Root.
func Content(router *pipeline.Router, pattern string, cfg ContentConfig) {
	router.Get(pattern, func(c *pipeline.Context) error { return contentGet(c, cfg) })
	router.Post(pattern, func(c *pipeline.Context) error { return contentUpload(c, cfg) })
}

// safeJoin resolves rel under root, rejecting any path that would escape
// root via ".." traversal (spec.md §4.6 "reject .. traversal past root").
func safeJoin(root, rel string) (string, error) {
	cleaned := path.Clean("/" + rel)
	full := filepath.Join(root, cleaned)

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	fullAbs, err := filepath.Abs(full)
	if err != nil {
		return "", err
	}
	if fullAbs != rootAbs && !strings.HasPrefix(fullAbs, rootAbs+string(filepath.Separator)) {
		return "", errors.New("nativeware: path escapes root")
	}
	return fullAbs, nil
}

func contentGet(c *pipeline.Context, cfg ContentConfig) error {
	if cfg.Auth == "getAuth" && !c.Authenticated {
		return pipeline.Unauthorized("authentication required")
	}

	rel := c.Params["splat"]
	absPath, err := safeJoin(cfg.Root, rel)
	if err != nil {
		return pipeline.Forbidden("invalid path")
	}

	info, err := os.Lstat(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return pipeline.NotFound("not found")
	}
	if err != nil {
		return pipeline.Internal("stat failed", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return pipeline.ErrContinue
	}

	if info.IsDir() {
		indexPath := filepath.Join(absPath, cfg.indexName())
		if idxInfo, err := os.Stat(indexPath); err == nil && !idxInfo.IsDir() {
			absPath, info = indexPath, idxInfo
		} else if cfg.Indexing {
			return serveDirectoryListing(c, absPath)
		} else {
			return pipeline.Forbidden("directory listing disabled")
		}
	}

	return serveFile(c, cfg, absPath, info)
}

func serveDirectoryListing(c *pipeline.Context, absPath string) error {
	entries, err := os.ReadDir(absPath)
	if err != nil {
		return pipeline.Internal("failed to list directory", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	c.Payload = map[string]any{"entries": names}
	return nil
}

func serveFile(c *pipeline.Context, cfg ContentConfig, absPath string, info os.FileInfo) error {
	size, mtime := info.Size(), info.ModTime()

	entry, hit := cfg.Cache.Get(absPath, size, mtime)
	if !hit {
		var err error
		entry, err = populateEntry(cfg, absPath, size, mtime)
		if err != nil {
			return pipeline.Internal("failed to populate cache entry", err)
		}
		cfg.Cache.Put(entry)
	}

	if condNotModified(c, entry) {
		c.W.Header().Set("Cache-Control", cfg.CacheControl)
		c.W.Header().Set("Last-Modified", entry.ModTime.UTC().Format(http.TimeFormat))
		c.W.Header().Set("ETag", entry.EtagStrong())
		c.StatusOnly = http.StatusNotModified
		return nil
	}

	if entry.Streaming(cfg.MaxBuffered) {
		return streamFile(c, cfg, entry)
	}

	acceptGzip := strings.Contains(c.Req.Header.Get("Accept-Encoding"), "gzip")
	body, etag := entry.Raw, entry.EtagStrong()
	headers := map[string]string{
		"Cache-Control": cfg.CacheControl,
		"Last-Modified": entry.ModTime.UTC().Format(http.TimeFormat),
	}
	if acceptGzip && entry.Gzip != nil {
		body, etag = entry.Gzip, entry.EtagGzip()
		headers["Content-Encoding"] = "gzip"
	}
	headers["ETag"] = etag

	c.Typed = &pipeline.TypedResponse{ContentType: entry.Mime, Body: body, Headers: headers}
	return nil
}

// populateEntry reads absPath from disk and builds a cache.Entry, gzipping
// the payload when its extension is in the compressible set.
func populateEntry(cfg ContentConfig, absPath string, size int64, mtime time.Time) (cache.Entry, error) {
	raw, err := os.ReadFile(absPath) // #nosec G304 — resolved via safeJoin under site root
	if err != nil {
		return cache.Entry{}, err
	}

	ext := filepath.Ext(absPath)
	mimeType := mimeByExt(ext)
	tag := cache.Fingerprint(cfg.HMACKey, absPath, size, mtime)

	entry := cache.Entry{
		AbsPath: absPath,
		URLPath: absPath,
		Size:    size,
		ModTime: mtime,
		Mime:    mimeType,
		Tag:     tag,
	}
	if cfg.MaxBuffered > 0 && size >= cfg.MaxBuffered {
		return entry, nil // streaming-only: no buffered payloads
	}

	entry.Raw = raw
	if cache.Compressible(ext) {
		gz, err := cache.GzipBytes(raw)
		if err == nil {
			entry.Gzip = gz
		}
	}
	return entry, nil
}

// condNotModified evaluates If-None-Match and If-Modified-Since against
// entry (spec.md §6 "Conditional GET").
func condNotModified(c *pipeline.Context, entry cache.Entry) bool {
	if inm := c.Req.Header.Get("If-None-Match"); inm != "" {
		for _, tag := range strings.Split(inm, ",") {
			tag = strings.TrimSpace(tag)
			if tag == entry.EtagStrong() || tag == entry.EtagGzip() || tag == "*" {
				return true
			}
		}
		return false
	}
	if ims := c.Req.Header.Get("If-Modified-Since"); ims != "" {
		if since, err := http.ParseTime(ims); err == nil {
			return !entry.ModTime.Truncate(time.Second).After(since)
		}
	}
	return false
}

func streamFile(c *pipeline.Context, cfg ContentConfig, entry cache.Entry) error {
	f, err := os.Open(entry.AbsPath) // #nosec G304 — resolved via safeJoin under site root
	if err != nil {
		return pipeline.Internal("failed to open file", err)
	}
	defer f.Close()

	c.W.Header().Set("Content-Type", entry.Mime)
	c.W.Header().Set("Cache-Control", cfg.CacheControl)
	c.W.Header().Set("Last-Modified", entry.ModTime.UTC().Format(http.TimeFormat))

	acceptGzip := strings.Contains(c.Req.Header.Get("Accept-Encoding"), "gzip")
	ext := filepath.Ext(entry.AbsPath)
	if acceptGzip && cache.Compressible(ext) {
		c.W.Header().Set("Content-Encoding", "gzip")
		c.W.Header().Set("ETag", entry.EtagGzip())
		c.W.WriteHeader(http.StatusOK)
		if isHeadMethod(c) {
			c.Written = true
			return nil
		}
		gz := gzip.NewWriter(c.W)
		io.Copy(gz, f) //nolint:errcheck // best-effort stream, client disconnect is not an app error
		gz.Close()
	} else {
		c.W.Header().Set("ETag", entry.EtagStrong())
		c.W.WriteHeader(http.StatusOK)
		if isHeadMethod(c) {
			c.Written = true
			return nil
		}
		io.Copy(c.W, f) //nolint:errcheck // best-effort stream, client disconnect is not an app error
	}
	c.Written = true
	return nil
}

func isHeadMethod(c *pipeline.Context) bool { return c.Req.Method == http.MethodHead }

func contentUpload(c *pipeline.Context, cfg ContentConfig) error {
	if cfg.Auth == "postAuth" && !c.Authenticated {
		return pipeline.Unauthorized("authentication required")
	}

	res, err := c.ParseBody(cfg.UploadLimits)
	if err != nil {
		return pipeline.AsError(err)
	}
	if len(res.Files) == 0 {
		return pipeline.BadRequest("no files in upload")
	}

	force := c.Query.Get("force") == "true"
	backup := c.Query.Get("backup")

	destDir, err := safeJoin(cfg.Root, c.Params["splat"])
	if err != nil {
		return pipeline.Forbidden("invalid path")
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return pipeline.Internal("failed to create directory", err)
	}

	written := make([]string, 0, len(res.Files))
	for _, f := range res.Files {
		name := filepath.Base(f.Filename)
		if name == "" || name == "." || name == string(filepath.Separator) {
			continue
		}
		dest := filepath.Join(destDir, name)

		if _, err := os.Stat(dest); err == nil {
			switch {
			case backup != "":
				if err := copyFile(dest, filepath.Join(destDir, backup)); err != nil {
					return pipeline.Internal("failed to back up existing file", err)
				}
			case !force:
				continue
			}
		}

		if err := os.Rename(f.TempFile, dest); err != nil {
			return pipeline.Internal("failed to move uploaded file", err)
		}
		written = append(written, name)
		cfg.Cache.Delete(dest)
	}

	c.Payload = map[string]any{"written": written}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 — src is an existing file under the content root
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst) // #nosec G304 — dst is the caller-named backup sibling under the content root
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
