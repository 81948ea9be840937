package stream

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ChunkSize caps the response to an open-ended range request.
const ChunkSize int64 = 1 << 20

// ErrUnsatisfiableRange is returned for ranges that cannot be served.
var ErrUnsatisfiableRange = errors.New("range not satisfiable")

// Window is an inclusive byte range of a file.
type Window struct {
	Start int64
	End   int64
	Size  int64
}

// Length returns the number of bytes in the window.
func (w Window) Length() int64 {
	return w.End - w.Start + 1
}

// ContentRange returns the Content-Range header value for the window.
func (w Window) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", w.Start, w.End, w.Size)
}

// ParseRange resolves a Range header against a file of size bytes.
//
// An absent header selects the whole file. "bytes=S-" selects at most
// ChunkSize bytes from S. "bytes=S-E" selects S through E with E clamped to
// the last byte. Suffix ranges, multiple ranges and anything else that does
// not fit the file yield ErrUnsatisfiableRange.
func ParseRange(header string, size int64) (Window, error) {
	if size <= 0 {
		return Window{}, fmt.Errorf("%w: empty file", ErrUnsatisfiableRange)
	}

	header = strings.TrimSpace(header)
	if header == "" {
		return Window{Start: 0, End: size - 1, Size: size}, nil
	}

	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return Window{}, fmt.Errorf("%w: unsupported unit in %q", ErrUnsatisfiableRange, header)
	}
	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok || strings.Contains(endStr, ",") {
		return Window{}, fmt.Errorf("%w: malformed range %q", ErrUnsatisfiableRange, header)
	}

	start, err := strconv.ParseInt(strings.TrimSpace(startStr), 10, 64)
	if err != nil || start < 0 {
		return Window{}, fmt.Errorf("%w: malformed start in %q", ErrUnsatisfiableRange, header)
	}
	if start >= size {
		return Window{}, fmt.Errorf("%w: start %d beyond size %d", ErrUnsatisfiableRange, start, size)
	}

	var end int64
	if endStr = strings.TrimSpace(endStr); endStr == "" {
		end = min(start+ChunkSize-1, size-1)
	} else {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return Window{}, fmt.Errorf("%w: malformed end in %q", ErrUnsatisfiableRange, header)
		}
		end = min(end, size-1)
	}

	if start > end {
		return Window{}, fmt.Errorf("%w: start %d after end %d", ErrUnsatisfiableRange, start, end)
	}

	return Window{Start: start, End: end, Size: size}, nil
}
