package httputil

import (
	"io"
	"unicode/utf8"
)

const (
	// MaxExcerpt bounds error bodies copied into errors and logs.
	MaxExcerpt = 2000

	TruncationMarker = "…"
)

// Excerpt returns at most limit characters of body, followed by
// TruncationMarker when anything was cut.
func Excerpt(body string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(body) <= limit {
		return body
	}

	n := 0
	for i := range body {
		if n == limit {
			return body[:i] + TruncationMarker
		}
		n++
	}
	return body
}

// ReadExcerpt drains an error body, reading no more than a few times the
// excerpt bound so a huge payload cannot pin memory.
func ReadExcerpt(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, int64(MaxExcerpt)*4+1))
	return Excerpt(string(data), MaxExcerpt)
}
