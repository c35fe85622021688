package server

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strconv"
)

var rangePattern = regexp.MustCompile(`^bytes=(\d+)-(\d+)$`)

// parseRangeRequest reads the request's Range header, if any. chunked
// is true whenever a Range header was present, regardless of size —
// the Restore Worker always sends one for files above its single-shot
// threshold.
func parseRangeRequest(env envelope, fileSize int64) (offset, length int64, chunked bool) {
	if env.rangeHeader == "" {
		return 0, fileSize, false
	}
	m := rangePattern.FindStringSubmatch(env.rangeHeader)
	if m == nil {
		return 0, fileSize, false
	}
	start, err1 := strconv.ParseInt(m[1], 10, 64)
	end, err2 := strconv.ParseInt(m[2], 10, 64)
	if err1 != nil || err2 != nil || end < start {
		return 0, fileSize, false
	}
	return start, end - start + 1, true
}

// readFileRange reads length bytes at offset from path (or the whole
// file when offset==0 and length==0), returning the HTTP status that
// should accompany the response body.
func readFileRange(path string, offset, length int64) ([]byte, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("stating %s: %w", path, err)
	}

	if offset == 0 && length >= info.Size() {
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, 0, fmt.Errorf("reading %s: %w", path, err)
		}
		return data, http.StatusOK, nil
	}

	if offset >= info.Size() {
		return []byte{}, http.StatusPartialContent, nil
	}
	remaining := info.Size() - offset
	if length > remaining || length == 0 {
		length = remaining
	}

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, 0, fmt.Errorf("reading range of %s: %w", path, err)
	}
	return buf[:n], http.StatusPartialContent, nil
}

// newByteReader adapts a byte slice to io.Reader for the single-shot
// upload path, which reuses the same WriteVersioned call as streaming.
func newByteReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}
