package timeline

import (
	"sync"

	"github.com/liuxd6825/devtools/devtools/script"
)

// MarkerBuffer is a thread-safe, unbounded queue of timeline markers. The
// page appends to it from its own goroutines and the poller drains it whole
// on every tick, so no marker is lost however bursty production is.
type MarkerBuffer struct {
	sync.Mutex
	buffer []script.TimelineMarker
	maxLen int
	closed bool
}

var _ script.MarkerSink = &MarkerBuffer{}

// AddMarkers appends markers to the buffer. Markers added after Close are
// discarded.
func (mb *MarkerBuffer) AddMarkers(markers ...script.TimelineMarker) {
	mb.Lock()
	if !mb.closed {
		mb.buffer = append(mb.buffer, markers...)
	}
	mb.Unlock()
}

// GetBufferedMarkers hands over every marker queued since the previous call
// and leaves an empty queue behind.
func (mb *MarkerBuffer) GetBufferedMarkers() (buffered []script.TimelineMarker) {
	mb.Lock()
	buffered = mb.buffer
	if len(buffered) > mb.maxLen {
		mb.maxLen = len(buffered)
	}
	// Next batch capacity: midway between this batch and the largest one yet.
	mb.buffer = make([]script.TimelineMarker, 0, (len(buffered)+mb.maxLen)/2)
	mb.Unlock()
	return buffered
}

// Close makes the buffer refuse new markers. Already buffered markers can
// still be drained.
func (mb *MarkerBuffer) Close() {
	mb.Lock()
	mb.closed = true
	mb.Unlock()
}
