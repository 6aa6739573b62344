package state

import (
	"io"
	"os"
	"sync"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Writer serializes writes to a terminal stream. Stdout and stderr share
// one mutex so lines from both never interleave.
type Writer struct {
	io.Writer
	IsTTY bool
	mutex *sync.Mutex
}

// NewWriter wraps w.
func NewWriter(w io.Writer, isTTY bool, mutex *sync.Mutex) *Writer {
	return &Writer{Writer: w, IsTTY: isTTY, mutex: mutex}
}

// NewFileWriter wraps a terminal stream. Colors are stripped from the output
// when noColor is set or f isn't a terminal.
func NewFileWriter(f *os.File, mutex *sync.Mutex, noColor bool) *Writer {
	isTTY := isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	var w io.Writer = colorable.NewColorable(f)
	if noColor || !isTTY {
		w = colorable.NewNonColorable(f)
	}
	return NewWriter(w, isTTY, mutex)
}

func (w *Writer) Write(p []byte) (int, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.Writer.Write(p)
}
