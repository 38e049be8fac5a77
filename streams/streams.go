package streams

import (
	"fmt"
	"io"
	"sync"

	"github.com/djherbis/stream"
	"github.com/reeveci/reeve-pipeline/schema"
)

// LogStream buffers the log output of one stage in memory. Any number of
// readers may follow it while it is written and after it was closed.
type LogStream struct {
	*stream.Stream

	closeOnce sync.Once
	closeErr  error
}

func NewLogStream(name string) (*LogStream, error) {
	s, err := stream.NewStream(name, stream.NewMemFS())
	if err != nil {
		return nil, fmt.Errorf("error creating log stream %s - %w", name, err)
	}
	return &LogStream{Stream: s}, nil
}

func (s *LogStream) Available() bool {
	return s != nil && s.Stream != nil
}

func (s *LogStream) Reader() (schema.LogReader, error) {
	if !s.Available() {
		return nil, fmt.Errorf("no logs available")
	}

	return s.NextReader()
}

func (s *LogStream) Close() error {
	if !s.Available() {
		return nil
	}

	s.closeOnce.Do(func() {
		s.closeErr = s.Stream.Close()
	})
	return s.closeErr
}

// ReadAll returns the whole log, blocking until the stream is closed.
func ReadAll(provider schema.LogReaderProvider) ([]byte, error) {
	if provider == nil {
		return nil, nil
	}
	reader, err := provider.Reader()
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	return io.ReadAll(reader)
}
