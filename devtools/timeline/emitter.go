// Package timeline turns the markers and frame ticks produced by a page into
// the asynchronous packets streamed to a recording client.
package timeline

import (
	"time"

	"github.com/mailru/easyjson/jwriter"
	"github.com/sirupsen/logrus"

	"github.com/liuxd6825/devtools/devtools/actor"
	"github.com/liuxd6825/devtools/devtools/protocol"
	"github.com/liuxd6825/devtools/devtools/script"
)

// Packet types written by the emitter.
const (
	MarkersType   = "markers"
	FramerateType = "framerate"
)

// HighResolutionStamp is a number of milliseconds, with sub-millisecond
// precision, elapsed since a connection's start stamp.
type HighResolutionStamp float64

// NewHighResolutionStamp returns t relative to start.
func NewHighResolutionStamp(start, t time.Time) HighResolutionStamp {
	return HighResolutionStamp(float64(t.Sub(start)) / float64(time.Millisecond))
}

// TickSource is an actor accumulating animation frame ticks between batches.
type TickSource interface {
	actor.Actor
	TakePendingTicks() []time.Time
}

// MarkerReply is the wire form of a timeline marker.
type MarkerReply struct {
	Name  string
	Start HighResolutionStamp
	End   HighResolutionStamp
}

// MarshalEasyJSON implements easyjson.Marshaler. Stacks aren't collected, so
// both stack fields are always null.
func (m MarkerReply) MarshalEasyJSON(w *jwriter.Writer) {
	w.RawString(`{"name":`)
	w.String(m.Name)
	w.RawString(`,"start":`)
	w.Float64(float64(m.Start))
	w.RawString(`,"end":`)
	w.Float64(float64(m.End))
	w.RawString(`,"stack":null,"endStack":null}`)
}

// MarkersPacket is one batch of markers.
type MarkersPacket struct {
	From       string
	Markers    []MarkerReply
	EndTime    HighResolutionStamp
	Recordings []string
}

// MarshalEasyJSON implements easyjson.Marshaler.
func (p MarkersPacket) MarshalEasyJSON(w *jwriter.Writer) {
	w.RawString(`{"from":`)
	w.String(p.From)
	w.RawString(`,"type":"` + MarkersType + `","markers":[`)
	for i, m := range p.Markers {
		if i > 0 {
			w.RawByte(',')
		}
		m.MarshalEasyJSON(w)
	}
	w.RawString(`],"endTime":`)
	w.Float64(float64(p.EndTime))
	w.RawString(`,"recordings":[`)
	for i, r := range p.Recordings {
		if i > 0 {
			w.RawByte(',')
		}
		w.String(r)
	}
	w.RawString(`]}`)
}

// MarshalJSON implements json.Marshaler.
func (p MarkersPacket) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	p.MarshalEasyJSON(&w)
	return w.BuildBytes()
}

// FrameratePacket carries the frame ticks observed since the last batch.
type FrameratePacket struct {
	From          string
	RecordingTime HighResolutionStamp
	Timestamps    []HighResolutionStamp
}

// MarshalEasyJSON implements easyjson.Marshaler.
func (p FrameratePacket) MarshalEasyJSON(w *jwriter.Writer) {
	w.RawString(`{"from":`)
	w.String(p.From)
	w.RawString(`,"type":"` + FramerateType + `","recordingTime":`)
	w.Float64(float64(p.RecordingTime))
	w.RawString(`,"timestamps":[`)
	for i, ts := range p.Timestamps {
		if i > 0 {
			w.RawByte(',')
		}
		w.Float64(float64(ts))
	}
	w.RawString(`]}`)
}

// MarshalJSON implements json.Marshaler.
func (p FrameratePacket) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	p.MarshalEasyJSON(&w)
	return w.BuildBytes()
}

// Emitter writes marker batches, and optionally frame ticks, on behalf of the
// actor named from.
type Emitter struct {
	from       string
	registry   *actor.Registry
	startStamp time.Time
	stream     protocol.Writer
	framerate  string
	recordings []string
	logger     logrus.FieldLogger
	now        func() time.Time
}

// NewEmitter creates an emitter. framerate is the name of a TickSource
// registered in registry, or empty when ticks weren't requested.
func NewEmitter(
	from string, registry *actor.Registry, startStamp time.Time,
	stream protocol.Writer, framerate string, logger logrus.FieldLogger,
) *Emitter {
	return &Emitter{
		from:       from,
		registry:   registry,
		startStamp: startStamp,
		stream:     stream,
		framerate:  framerate,
		logger:     logger,
		now:        time.Now,
	}
}

// AddRecording attributes the following batches to the named recording.
func (e *Emitter) AddRecording(name string) {
	e.recordings = append(e.recordings, name)
}

// Marker converts a page marker to its wire form.
func (e *Emitter) Marker(m script.TimelineMarker) MarkerReply {
	return MarkerReply{
		Name:  m.Name,
		Start: NewHighResolutionStamp(e.startStamp, m.Start),
		End:   NewHighResolutionStamp(e.startStamp, m.End),
	}
}

// Send writes one markers packet, even when markers is empty, followed by a
// framerate packet when a tick source is attached.
func (e *Emitter) Send(markers []MarkerReply) error {
	endTime := NewHighResolutionStamp(e.startStamp, e.now())
	if markers == nil {
		markers = []MarkerReply{}
	}
	err := e.stream.WritePacket(MarkersPacket{
		From:       e.from,
		Markers:    markers,
		EndTime:    endTime,
		Recordings: e.recordings,
	})
	if err != nil {
		return err
	}

	if e.framerate == "" {
		return nil
	}
	ticks, err := actor.Find[TickSource](e.registry, e.framerate)
	if err != nil {
		e.logger.WithError(err).Warn("Frame ticks requested but the tick source is unavailable")
		return nil
	}
	pending := ticks.TakePendingTicks()
	stamps := make([]HighResolutionStamp, len(pending))
	for i, t := range pending {
		stamps[i] = NewHighResolutionStamp(e.startStamp, t)
	}
	return e.stream.WritePacket(FrameratePacket{
		From:          ticks.Name(),
		RecordingTime: endTime,
		Timestamps:    stamps,
	})
}
