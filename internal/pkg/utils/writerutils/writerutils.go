package writerutils

import (
	"errors"
	"io"

	"github.com/spf13/afero"
)

// SafeFile syncs its file to disk before closing it.
type SafeFile struct {
	f afero.File
}

func NewSafeFileWriter(f afero.File) io.WriteCloser {
	return &SafeFile{f: f}
}

func (s SafeFile) Write(p []byte) (n int, err error) {
	return s.f.Write(p)
}

func (s SafeFile) Close() error {
	return errors.Join(
		s.f.Sync(),
		s.f.Close(),
	)
}

// CountingWriter counts the bytes written through it.
type CountingWriter struct {
	W io.Writer
	N int64
}

func (c *CountingWriter) Write(p []byte) (int, error) {
	n, err := c.W.Write(p)
	c.N += int64(n)
	return n, err
}
