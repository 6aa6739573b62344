// Package script models the boundary between the devtools server and the
// process executing a page's scripts: the control messages the server sends
// and the timeline data the page produces in return.
package script

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// PipelineID identifies the browsing context being debugged.
type PipelineID uint64

func (id PipelineID) String() string {
	return fmt.Sprintf("pipeline%d", uint64(id))
}

// MarkerKind is the kind of a timeline marker.
type MarkerKind int

// Marker kinds a page can tag.
const (
	Reflow MarkerKind = iota
	DOMEvent
)

func (k MarkerKind) String() string {
	switch k {
	case Reflow:
		return "Reflow"
	case DOMEvent:
		return "DOMEvent"
	}
	return fmt.Sprintf("MarkerKind(%d)", int(k))
}

// TimelineMarker is a timed event produced while the page runs.
type TimelineMarker struct {
	Kind  MarkerKind
	Name  string
	Start time.Time
	End   time.Time
}

// MarkerSink receives markers from the page. It must be safe for use by
// several producers at once and must never block them.
type MarkerSink interface {
	AddMarkers(markers ...TimelineMarker)
}

// TickSink receives animation frame ticks from the page.
type TickSink interface {
	AddTick(t time.Time)
}

// ControlMsg is a command for the script process.
type ControlMsg interface {
	Target() PipelineID
}

// SetTimelineMarkers asks the page to report markers of Kinds to Sink until
// the matching DropTimelineMarkers arrives. Key tells concurrent requests
// apart.
type SetTimelineMarkers struct {
	Pipeline PipelineID
	Key      string
	Kinds    []MarkerKind
	Sink     MarkerSink
}

// DropTimelineMarkers stops the reporting started with the same Key.
type DropTimelineMarkers struct {
	Pipeline PipelineID
	Key      string
}

// RequestAnimationFrame asks the page to report its frame ticks to Sink on
// behalf of Actor.
type RequestAnimationFrame struct {
	Pipeline PipelineID
	Actor    string
	Sink     TickSink
}

// CancelAnimationFrame stops the ticks requested by Actor.
type CancelAnimationFrame struct {
	Pipeline PipelineID
	Actor    string
}

// Target implements ControlMsg.
func (m SetTimelineMarkers) Target() PipelineID { return m.Pipeline }

// Target implements ControlMsg.
func (m DropTimelineMarkers) Target() PipelineID { return m.Pipeline }

// Target implements ControlMsg.
func (m RequestAnimationFrame) Target() PipelineID { return m.Pipeline }

// Target implements ControlMsg.
func (m CancelAnimationFrame) Target() PipelineID { return m.Pipeline }

// ErrControlClosed is returned when sending to a script process that is gone.
var ErrControlClosed = errors.New("script control channel closed")

// ControlSender delivers control messages to a script process.
type ControlSender interface {
	Send(msg ControlMsg) error
}

// Channel is an in-process ControlSender backed by a Go channel.
type Channel struct {
	ch        chan ControlMsg
	done      chan struct{}
	closeOnce sync.Once
}

var _ ControlSender = &Channel{}

// NewChannel creates a control channel with the given buffer size.
func NewChannel(buffer int) *Channel {
	return &Channel{
		ch:   make(chan ControlMsg, buffer),
		done: make(chan struct{}),
	}
}

// Send blocks until msg is queued or the channel is closed.
func (c *Channel) Send(msg ControlMsg) error {
	select {
	case <-c.done:
		return ErrControlClosed
	default:
	}
	select {
	case c.ch <- msg:
		return nil
	case <-c.done:
		return ErrControlClosed
	}
}

// Receive returns the channel the script process reads commands from.
func (c *Channel) Receive() <-chan ControlMsg {
	return c.ch
}

// Done is closed once Close was called.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Close makes every further Send fail. It's safe to call more than once.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
