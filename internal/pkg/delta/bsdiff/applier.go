package bsdiff

import (
	"io"

	"github.com/gabstv/go-bsdiff/pkg/bspatch"

	"github.com/unbasical/doras-installer/internal/pkg/utils/funcutils"
	"github.com/unbasical/doras-installer/pkg/algorithm/delta"
)

type patcher struct {
}

// NewPatcher returns a bsdiff delta.Patcher.
func NewPatcher() delta.Patcher {
	return &patcher{}
}

// Patch returns a reader that yields the result of applying patch to old.
// Errors of the codec surface on Read.
func (p *patcher) Patch(old io.Reader, patch io.Reader) (io.Reader, error) {
	pr, pw := io.Pipe()
	go func() {
		if err := bspatch.Reader(old, pw, patch); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		funcutils.PanicOrLogOnErr(pw.Close, false, "failed to close pipe writer")
	}()
	return pr, nil
}

func (p *patcher) Name() string {
	return "bsdiff"
}
