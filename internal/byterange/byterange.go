// Package byterange parses single-range HTTP Range headers.
//
// Only the "bytes=start-end" form is understood. Multipart ranges are
// reported as malformed so callers can fall back to the full entity.
package byterange

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const unit = "bytes="

var (
	// ErrMalformed means the header could not be parsed.
	ErrMalformed = errors.New("malformed range header")
	// ErrUnsatisfiable means the header parsed but lies outside the entity.
	ErrUnsatisfiable = errors.New("range not satisfiable")
)

// Range is an inclusive byte interval [Start, End].
type Range struct {
	Start int64
	End   int64
}

// Length returns the number of bytes covered by r.
func (r Range) Length() int64 {
	return r.End - r.Start + 1
}

// ContentRange formats r for the Content-Range response header.
func (r Range) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// Unsatisfied formats the Content-Range header sent with a 416 response.
func Unsatisfied(size int64) string {
	return fmt.Sprintf("bytes */%d", size)
}

// Parse interprets header against an entity of size bytes.
//
// A missing start defaults to 0 and a missing end to size-1, so "bytes=-N"
// addresses the first N+1 bytes rather than a suffix. The result must satisfy
// 0 <= Start <= End < size; otherwise ErrUnsatisfiable is returned.
func Parse(header string, size int64) (Range, error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), unit)
	if !ok {
		return Range{}, fmt.Errorf("%w: %q", ErrMalformed, header)
	}

	first, last, ok := strings.Cut(spec, "-")
	if !ok || strings.Contains(last, "-") {
		return Range{}, fmt.Errorf("%w: %q", ErrMalformed, header)
	}

	r := Range{Start: 0, End: size - 1}
	var err error
	if first = strings.TrimSpace(first); first != "" {
		if r.Start, err = strconv.ParseInt(first, 10, 64); err != nil {
			return Range{}, fmt.Errorf("%w: start %q", ErrMalformed, first)
		}
	}
	if last = strings.TrimSpace(last); last != "" {
		if r.End, err = strconv.ParseInt(last, 10, 64); err != nil {
			return Range{}, fmt.Errorf("%w: end %q", ErrMalformed, last)
		}
	}

	if r.Start < 0 || r.End >= size || r.Start > r.End {
		return Range{}, fmt.Errorf("%w: %d-%d of %d", ErrUnsatisfiable, r.Start, r.End, size)
	}
	return r, nil
}
