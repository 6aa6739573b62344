// Package performance implements the actors starting, stopping and
// describing timeline recordings of a page.
package performance

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/liuxd6825/devtools/devtools/actor"
	"github.com/liuxd6825/devtools/devtools/actors/framerate"
	"github.com/liuxd6825/devtools/devtools/protocol"
	"github.com/liuxd6825/devtools/devtools/script"
	"github.com/liuxd6825/devtools/devtools/timeline"
)

// Name prefixes of the actors created by this package.
const (
	Prefix          = "performance"
	RecordingPrefix = "performance-recording"
)

// Packet types written in reply to recording commands.
const (
	RecordingStarted  = "recording-started"
	RecordingStopping = "recording-stopping"
	RecordingStopped  = "recording-stopped"
)

// Features advertised in reply to connect.
type Features struct {
	WithMarkers          bool `json:"withMarkers"`
	WithMemory           bool `json:"withMemory"`
	WithTicks            bool `json:"withTicks"`
	WithAllocations      bool `json:"withAllocations"`
	WithJITOptimizations bool `json:"withJITOptimizations"`
}

// SupportedFeatures lists what recordings can capture.
var SupportedFeatures = Features{WithMarkers: true, WithTicks: true}

type traits struct {
	Features Features `json:"features"`
}

type connectReply struct {
	From   string `json:"from"`
	Traits traits `json:"traits"`
}

type recordingPacket struct {
	From      string   `json:"from"`
	Type      string   `json:"type"`
	Recording Snapshot `json:"recording"`
}

type stoppedPacket struct {
	From      string   `json:"from"`
	Type      string   `json:"type"`
	Recording Snapshot `json:"recording"`
	Data      struct{} `json:"data"`
}

// Observer is notified when recordings start and stop.
type Observer interface {
	RecordingStarted(name string)
	RecordingStopped(name string)
}

// Options tune an Actor. The zero value is usable.
type Options struct {
	// PollInterval is the marker flush period, timeline.DefaultPollInterval
	// when zero.
	PollInterval time.Duration
	// OnStreamFailure is called when an asynchronous write of timeline data
	// fails. The connection can't be used afterwards, so it should be closed.
	OnStreamFailure func(error)
	Observer        Observer
}

type session struct {
	recording *RecordingActor
	buffer    *timeline.MarkerBuffer
	poller    *timeline.Poller
	ticks     *framerate.Actor
}

// Actor orchestrates the recordings of one page on one connection.
//
// The active recordings and their sessions are only touched from Handle and
// Close, which the registry never runs concurrently.
type Actor struct {
	name     string
	pipeline script.PipelineID
	control  script.ControlSender
	opts     Options
	logger   logrus.FieldLogger

	recordings  []string
	sessions    map[string]*session
	isRecording atomic.Bool
}

var (
	_ actor.Actor  = &Actor{}
	_ actor.Closer = &Actor{}
)

// New creates a performance actor controlling the page behind pipeline.
func New(
	name string, pipeline script.PipelineID, control script.ControlSender,
	opts Options, logger logrus.FieldLogger,
) *Actor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = timeline.DefaultPollInterval
	}
	return &Actor{
		name:     name,
		pipeline: pipeline,
		control:  control,
		opts:     opts,
		logger:   logger.WithFields(logrus.Fields{"actor": name, "pipeline": pipeline.String()}),
		sessions: make(map[string]*session),
	}
}

// Name implements actor.Actor.
func (a *Actor) Name() string { return a.name }

// IsRecording reports whether at least one recording is active.
func (a *Actor) IsRecording() bool { return a.isRecording.Load() }

// Recordings returns the names of the active recordings in start order.
func (a *Actor) Recordings() []string { return slices.Clone(a.recordings) }

// Handle implements actor.Actor.
func (a *Actor) Handle(r *actor.Registry, msg protocol.Packet, stream protocol.Writer) (actor.Status, error) {
	switch msg.Type {
	case "connect":
		return actor.Processed, stream.WritePacket(connectReply{
			From:   a.name,
			Traits: traits{Features: SupportedFeatures},
		})
	case "startRecording":
		return actor.Processed, a.startRecording(r, msg.Get("options"), stream)
	case "stopRecording":
		return actor.Processed, a.stopRecording(r, msg.Get("options"), stream)
	}
	return actor.Ignored, nil
}

func (a *Actor) startRecording(r *actor.Registry, options gjson.Result, stream protocol.Writer) error {
	configuration := ParseConfiguration(options)
	if err := configuration.Validate(); err != nil {
		a.logger.WithError(err).Debug("Rejected recording configuration")
		return protocol.NewError(a.name, protocol.ErrorUnsupportedConfiguration, "%s", err)
	}

	s := &session{buffer: &timeline.MarkerBuffer{}}
	tickSource := ""
	if configuration.WithTicks {
		ticks, err := framerate.Create(r, a.pipeline, a.control, a.logger)
		if err != nil {
			return fmt.Errorf("requesting animation frames: %w", err)
		}
		s.ticks = ticks
		tickSource = ticks.Name()
	}

	s.recording = NewRecordingActor(r.NewName(RecordingPrefix), configuration, time.Now())
	name := s.recording.Name()
	r.RegisterLater(s.recording)
	a.recordings = append(a.recordings, name)
	a.sessions[name] = s

	logger := a.logger.WithField("recording", name)
	emitter := timeline.NewEmitter(a.name, r, r.StartStamp(), stream, tickSource, logger)
	emitter.AddRecording(name)

	err := a.control.Send(script.SetTimelineMarkers{
		Pipeline: a.pipeline,
		Key:      name,
		Kinds:    []script.MarkerKind{script.Reflow, script.DOMEvent},
		Sink:     s.buffer,
	})
	if err != nil {
		return fmt.Errorf("starting timeline markers for %s: %w", name, err)
	}

	a.isRecording.Store(true)

	// Both replies go out before the poller starts, so no batch precedes them.
	if err := stream.WritePacket(recordingPacket{
		From:      a.name,
		Type:      RecordingStarted,
		Recording: s.recording.Snapshot(),
	}); err != nil {
		return err
	}
	if err := stream.WritePacket(recordingPacket{
		From:      a.name,
		Type:      RecordingStarted,
		Recording: s.recording.SnapshotFrom(a.name),
	}); err != nil {
		return err
	}

	s.poller, err = timeline.NewPoller(a.opts.PollInterval, s.buffer, emitter, a.opts.OnStreamFailure, logger)
	if err != nil {
		return err
	}
	if a.opts.Observer != nil {
		a.opts.Observer.RecordingStarted(name)
	}
	logger.Debug("Recording started")
	return nil
}

func (a *Actor) stopRecording(r *actor.Registry, options gjson.Result, stream protocol.Writer) error {
	if options.Type != gjson.String {
		a.logger.WithField("options", options.Raw).Debug("Ignoring stopRecording without a recording name")
		return nil
	}
	name := options.String()
	position := slices.Index(a.recordings, name)
	if position < 0 {
		a.logger.WithField("recording", name).Debug("Ignoring stopRecording of an inactive recording")
		return nil
	}

	recording, err := actor.Find[*RecordingActor](r, name)
	if err != nil {
		return err
	}
	if err := stream.WritePacket(recordingPacket{
		From:      a.name,
		Type:      RecordingStopping,
		Recording: recording.Snapshot(),
	}); err != nil {
		return err
	}

	a.recordings = slices.Delete(a.recordings, position, position+1)
	a.isRecording.Store(len(a.recordings) != 0)
	recording.SetCompleted()

	s := a.sessions[name]
	delete(a.sessions, name)
	if err := a.endSession(name, s, true); err != nil {
		return err
	}

	return stream.WritePacket(stoppedPacket{
		From:      a.name,
		Type:      RecordingStopped,
		Recording: recording.Snapshot(),
	})
}

// endSession stops marker production and releases the tick source of a
// recording. With flush set, the markers still buffered are written to the
// client first; otherwise they are discarded.
func (a *Actor) endSession(name string, s *session, flush bool) error {
	if s == nil {
		return nil
	}
	var errs []error
	if err := a.control.Send(script.DropTimelineMarkers{Pipeline: a.pipeline, Key: name}); err != nil {
		errs = append(errs, fmt.Errorf("dropping timeline markers for %s: %w", name, err))
	}
	if s.poller != nil {
		halt := s.poller.Cancel
		if flush {
			halt = s.poller.Stop
		}
		if err := halt(); err != nil {
			errs = append(errs, fmt.Errorf("flushing timeline markers for %s: %w", name, err))
		}
	}
	s.buffer.Close()
	if s.ticks != nil {
		if err := s.ticks.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("cancelling animation frames for %s: %w", name, err))
		}
	}
	if a.opts.Observer != nil && s.poller != nil {
		a.opts.Observer.RecordingStopped(name)
	}
	a.logger.WithField("recording", name).Debug("Recording stopped")
	return errors.Join(errs...)
}

// Close implements actor.Closer. It stops every active recording without
// writing anything to the client.
func (a *Actor) Close() error {
	var errs []error
	for _, name := range a.recordings {
		err := a.endSession(name, a.sessions[name], false)
		if err != nil && !errors.Is(err, script.ErrControlClosed) {
			errs = append(errs, err)
		}
	}
	a.recordings = nil
	clear(a.sessions)
	a.isRecording.Store(false)
	return errors.Join(errs...)
}
