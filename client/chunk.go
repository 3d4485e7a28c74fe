package client

import (
	"fmt"
	"io"
	"os"
)

// ChunkSource reads a file in fixed-size pieces. Next reports io.EOF
// once the content is exhausted; isLast is true on the piece that
// reaches end-of-file.
type ChunkSource interface {
	Next() (data []byte, isLast bool, err error)
	Close() error
}

// ChunkSink appends received chunk bytes to their destination.
type ChunkSink interface {
	Append(data []byte) error
	Close() error
}

type fileSource struct {
	f    *os.File
	size int64
	read int64
	buf  []byte
}

func newFileSource(path string, chunkSize int) (*fileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat source: %w", err)
	}
	return &fileSource{f: f, size: info.Size(), buf: make([]byte, chunkSize)}, nil
}

func (s *fileSource) Next() ([]byte, bool, error) {
	if s.read >= s.size {
		return nil, false, io.EOF
	}
	n, err := s.f.Read(s.buf)
	if n == 0 {
		if err == nil || err == io.EOF {
			return nil, false, io.EOF
		}
		return nil, false, fmt.Errorf("read source: %w", err)
	}
	s.read += int64(n)
	data := make([]byte, n)
	copy(data, s.buf[:n])
	return data, s.read >= s.size, nil
}

func (s *fileSource) Close() error {
	return s.f.Close()
}

type fileSink struct {
	f *os.File
}

func newFileSink(path string) (*fileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open sink: %w", err)
	}
	return &fileSink{f: f}, nil
}

func (s *fileSink) Append(data []byte) error {
	if _, err := s.f.Write(data); err != nil {
		return fmt.Errorf("append chunk: %w", err)
	}
	return nil
}

func (s *fileSink) Close() error {
	return s.f.Close()
}
