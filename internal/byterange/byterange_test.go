package byterange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name   string
		header string
		size   int64
		want   Range
		err    error
	}{
		{name: "closed", header: "bytes=0-99", size: 1000, want: Range{0, 99}},
		{name: "open ended", header: "bytes=500-", size: 1000, want: Range{500, 999}},
		{name: "missing start", header: "bytes=-9", size: 1000, want: Range{0, 9}},
		{name: "whole file", header: "bytes=-", size: 10, want: Range{0, 9}},
		{name: "single byte", header: "bytes=999-999", size: 1000, want: Range{999, 999}},
		{name: "spaces", header: " bytes= 1 - 2 ", size: 10, want: Range{1, 2}},
		{name: "start after end", header: "bytes=50-10", size: 1000, err: ErrUnsatisfiable},
		{name: "end at size", header: "bytes=0-1000", size: 1000, err: ErrUnsatisfiable},
		{name: "start beyond size", header: "bytes=2000-", size: 1000, err: ErrUnsatisfiable},
		{name: "empty entity", header: "bytes=0-", size: 0, err: ErrUnsatisfiable},
		{name: "wrong unit", header: "items=0-1", size: 10, err: ErrMalformed},
		{name: "no dash", header: "bytes=5", size: 10, err: ErrMalformed},
		{name: "multipart", header: "bytes=0-1,4-5", size: 10, err: ErrMalformed},
		{name: "negative suffix form", header: "bytes=--5", size: 10, err: ErrMalformed},
		{name: "letters", header: "bytes=a-b", size: 10, err: ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.header, tt.size)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRangeHeaders(t *testing.T) {
	r := Range{Start: 0, End: 99}
	assert.Equal(t, int64(100), r.Length())
	assert.Equal(t, "bytes 0-99/1000", r.ContentRange(1000))
	assert.Equal(t, "bytes */1000", Unsatisfied(1000))
}
