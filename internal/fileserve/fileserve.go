// Package fileserve serves a single regular file with MIME detection,
// Range and conditional-GET support, and optional response
// compression.
package fileserve

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/svenstaro/miniserve/internal/pathresolver"
)

// skipCompressionPrefixes lists content-type prefixes that are already
// compressed or binary, for which re-wrapping the body in gzip under
// compress_response would waste CPU and often grow the body.
// shouldCompress also skips every application/x-*-compressed type.
var skipCompressionPrefixes = []string{
	"application/zip",
	"application/gzip",
	"application/x-gzip",
	"application/x-bzip",
	"application/x-7z-compressed",
	"application/x-rar-compressed",
	"application/x-xz",
	"image/",
	"audio/",
	"video/",
	"font/",
}

func shouldCompress(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, p := range skipCompressionPrefixes {
		if strings.HasPrefix(ct, p) {
			return false
		}
	}
	if base, _, _ := strings.Cut(ct, ";"); strings.HasPrefix(base, "application/x-") && strings.HasSuffix(strings.TrimSpace(base), "-compressed") {
		return false
	}
	return true
}

// ETag derives a short opaque entity tag from a file's relative path,
// size and modification time.
func ETag(relPath string, size int64, modTime int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", relPath, size, modTime)))
	return `"` + hex.EncodeToString(sum[:])[:16] + `"`
}

// ContentType guesses the MIME type for name, appending charset=utf-8
// for text-like types. The type comes from the final extension only,
// so a ".gz" file gets the type registered for ".gz" (not the type of
// the name without ".gz") and is not auto-decoded. Content-Encoding is
// never set for file bodies by this detection.
func ContentType(name string) string {
	ext := filepath.Ext(name)
	ct := mime.TypeByExtension(ext)
	if ct == "" {
		ct = "application/octet-stream"
	}
	if strings.HasPrefix(ct, "text/") && !strings.Contains(ct, "charset") {
		ct += "; charset=utf-8"
	}
	return ct
}

// ServeHTTP serves the file at resolved, honoring Range and
// conditional-GET headers, optionally gzip-wrapping the body when
// compress is true and the content allows it.
func ServeHTTP(w http.ResponseWriter, r *http.Request, resolved *pathresolver.Resolved, compress bool) {
	info := resolved.Info
	ct := ContentType(resolved.AbsPath)
	etag := ETag(resolved.RelPath, info.Size(), info.ModTime().Unix())

	w.Header().Set("Content-Type", ct)
	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))
	w.Header().Set("Accept-Ranges", "bytes")

	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil && !info.ModTime().Truncate(1e9).After(t) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}

	f, err := os.Open(resolved.AbsPath)
	if err != nil {
		http.Error(w, "failed to open file", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	rangeHeader := r.Header.Get("Range")
	if rangeHeader != "" {
		serveRange(w, r, f, info.Size(), rangeHeader)
		return
	}

	if compress && shouldCompress(ct) && acceptsGzip(r) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Del("Content-Length")
		gz := gzip.NewWriter(w)
		defer gz.Close()
		io.Copy(gz, f)
		return
	}

	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, f)
}

func acceptsGzip(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		if strings.TrimSpace(enc) == "gzip" {
			return true
		}
	}
	return false
}

// serveRange handles a single-range request per RFC 7233. Multi-range
// requests are rejected in favor of a full single-range response
// covering the first requested range, which is the minimum the
// protocol requires.
func serveRange(w http.ResponseWriter, r *http.Request, f *os.File, size int64, rangeHeader string) {
	const prefix = "bytes="
	if !strings.HasPrefix(rangeHeader, prefix) {
		writeRangeNotSatisfiable(w, size)
		return
	}
	spec := strings.Split(strings.TrimPrefix(rangeHeader, prefix), ",")[0]
	start, end, ok := parseRange(spec, size)
	if !ok {
		writeRangeNotSatisfiable(w, size)
		return
	}

	length := end - start + 1
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(http.StatusPartialContent)

	if r.Method == http.MethodHead {
		return
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return
	}
	io.CopyN(w, f, length)
}

func writeRangeNotSatisfiable(w http.ResponseWriter, size int64) {
	w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
	http.Error(w, "range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
}

// parseRange parses a single "a-b", "a-" or "-n" range spec against size.
func parseRange(spec string, size int64) (start, end int64, ok bool) {
	spec = strings.TrimSpace(spec)
	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return 0, 0, false
	}
	startStr, endStr := spec[:dash], spec[dash+1:]

	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, true
	}

	s, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || s < 0 || s >= size {
		return 0, 0, false
	}
	if endStr == "" {
		return s, size - 1, true
	}
	e, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || e < s {
		return 0, 0, false
	}
	if e >= size {
		e = size - 1
	}
	return s, e, true
}
