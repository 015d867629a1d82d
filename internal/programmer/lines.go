package programmer

import (
	"bufio"
	"bytes"
	"io"
	"iter"
	"strings"
)

// maxLineLength bounds a single output line
const maxLineLength = 64 * 1024

// Lines yields the lines of r as they become available. Both "\n" and "\r" end a line,
// so progress bars that redraw with carriage returns still arrive incrementally.
// Lines longer than maxLineLength are split into maxLineLength pieces.
// Blank lines are skipped. A read error is yielded once as the final element.
// The sequence consumes r and cannot be restarted.
func Lines(r io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 4096), maxLineLength)
		scanner.Split(scanLinesOrCR)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if !yield(line, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", err)
		}
	}
}

func scanLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF || len(data) >= maxLineLength {
		n := min(len(data), maxLineLength)
		return n, data[:n], nil
	}
	return 0, nil, nil
}
