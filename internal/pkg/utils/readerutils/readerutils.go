// Package readerutils adapts writers and closers to the reader side of the compression codecs.
package readerutils

import (
	"errors"
	"io"

	log "github.com/sirupsen/logrus"
)

// ChainedCloser returns r whose Close also closes other. Both are closed even if one fails.
func ChainedCloser(r io.ReadCloser, other io.Closer) io.ReadCloser {
	return struct {
		io.Reader
		io.Closer
	}{
		Reader: r,
		Closer: closerFunc(func() error {
			return errors.Join(other.Close(), r.Close())
		}),
	}
}

type closerFunc func() error

func (fn closerFunc) Close() error {
	return fn()
}

// WriterToReader streams src through the writer returned by wrap and returns the output as a
// reader. Errors of the copy or of closing the writer are surfaced by the returned reader.
func WriterToReader(src io.Reader, wrap func(w io.Writer) io.WriteCloser) io.Reader {
	pr, pw := io.Pipe()
	go func() {
		w := wrap(pw)
		n, err := io.Copy(w, src)
		if err := errors.Join(err, w.Close()); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		log.Debugf("streamed %d bytes", n)
		_ = pw.Close()
	}()
	return pr
}
