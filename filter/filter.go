package filter

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

const MASK = "***"

// Lines longer than MAX_LINE are passed to the filter in chunks, only the last
// of which ends with a newline.
const MAX_LINE = 1024 * 1024

// LineFilter copies r to w line by line, passing every line through filter.
// Lines the filter maps to "" are dropped.
func LineFilter(r io.Reader, w io.Writer, filter func(line string) string) error {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), MAX_LINE)
	splitter := &lineSplitter{max: MAX_LINE}
	s.Split(splitter.Split)

	for s.Scan() {
		line := s.Text()
		if !splitter.partial {
			line += "\n"
		}
		filtered := []byte(filter(line))
		if len(filtered) > 0 {
			if _, err := w.Write(filtered); err != nil {
				return err
			}
		}
	}
	return s.Err()
}

// Redact returns a filter masking every occurrence of the given values.
func Redact(values []string) func(line string) string {
	pairs := make([]string, 0, 2*len(values))
	for _, value := range values {
		if value != "" {
			pairs = append(pairs, value, MASK)
		}
	}
	if len(pairs) == 0 {
		return func(line string) string { return line }
	}
	replacer := strings.NewReplacer(pairs...)
	return replacer.Replace
}

// Writer filters everything written to it into the underlying writer. Close
// must be called to flush the last line and to collect the copy error.
type Writer struct {
	pipe *io.PipeWriter
	done chan error
}

func NewWriter(w io.Writer, filter func(line string) string) *Writer {
	r, pipe := io.Pipe()
	done := make(chan error, 1)
	go func() {
		err := LineFilter(r, w, filter)
		if err != nil {
			// drain so writes keep succeeding
			io.Copy(io.Discard, r)
		}
		r.Close()
		done <- err
	}()
	return &Writer{pipe: pipe, done: done}
}

func (w *Writer) Write(p []byte) (int, error) {
	return w.pipe.Write(p)
}

func (w *Writer) Close() error {
	w.pipe.Close()
	return <-w.done
}

type lineSplitter struct {
	max     int
	afterCR bool
	// the last token was cut from a line longer than max
	partial bool
}

// Like bufio.ScanLines, but a single carriage return also ends a line.
func (s *lineSplitter) Split(data []byte, atEOF bool) (advance int, token []byte, err error) {
	s.partial = false
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if s.afterCR {
		s.afterCR = false
		if data[0] == '\n' {
			// second half of a CRLF
			return 1, nil, nil
		}
	}
	i := bytes.IndexAny(data, "\r\n")
	switch {
	case i >= 0 && data[i] == '\n':
		return i + 1, data[0:i], nil

	case i >= 0:
		advance = i + 1
		if len(data) == i+1 {
			// the next chunk may start with the matching newline
			s.afterCR = true
		} else if data[i+1] == '\n' {
			advance++
		}
		return advance, data[0:i], nil

	case atEOF:
		return len(data), data, nil

	case s.max > 0 && len(data) >= s.max:
		s.partial = true
		return s.max, data[:s.max], nil

	default:
		return 0, nil, nil
	}
}
