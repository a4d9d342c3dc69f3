package graph

import (
	"bufio"
	"io"
)

const maxLineBytes = 8 * 1024 * 1024

// newLineScanner returns a bufio.Scanner configured with a generous buffer
// so that tasks with large log/artifact payloads on one line don't overflow
// the default token size.
func newLineScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return s
}
