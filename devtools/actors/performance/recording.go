package performance

import (
	"sync/atomic"
	"time"

	"github.com/liuxd6825/devtools/devtools/actor"
	"github.com/liuxd6825/devtools/devtools/protocol"
)

// Placeholder values reported in every snapshot. They aren't backed by any
// buffer accounting.
const (
	StartingBufferPosition   = 131004
	StartingBufferTotalSize  = 10000000
	StartingBufferGeneration = 0
	PlaceholderStartTime     = 6404439.779669
)

// BufferStatus describes the profiler buffer when a recording started.
type BufferStatus struct {
	Position   uint32 `json:"position"`
	TotalSize  uint32 `json:"totalSize"`
	Generation uint32 `json:"generation"`
}

// Snapshot is the wire form of a recording's state.
type Snapshot struct {
	Actor                string        `json:"actor"`
	Configuration        Configuration `json:"configuration"`
	StartingBufferStatus BufferStatus  `json:"startingBufferStatus"`
	Console              bool          `json:"console"`
	Label                string        `json:"label"`
	StartTime            float64       `json:"startTime"`
	LocalStartTime       uint64        `json:"localStartTime"`
	Recording            bool          `json:"recording"`
	Completed            bool          `json:"completed"`
	Duration             uint64        `json:"duration"`
	From                 string        `json:"from,omitempty"`
}

// RecordingActor holds the state of one recording. Clients never talk to it
// directly; its state travels in the snapshots written by the performance
// actor owning it.
type RecordingActor struct {
	name          string
	configuration Configuration
	startTime     time.Time
	completed     atomic.Bool
}

var _ actor.Actor = &RecordingActor{}

// NewRecordingActor creates a recording that started at startTime.
func NewRecordingActor(name string, configuration Configuration, startTime time.Time) *RecordingActor {
	return &RecordingActor{
		name:          name,
		configuration: configuration,
		startTime:     startTime,
	}
}

// Name implements actor.Actor.
func (ra *RecordingActor) Name() string { return ra.name }

// Handle implements actor.Actor. Recordings accept no messages.
func (ra *RecordingActor) Handle(*actor.Registry, protocol.Packet, protocol.Writer) (actor.Status, error) {
	return actor.Ignored, nil
}

// Configuration returns the options the recording was started with.
func (ra *RecordingActor) Configuration() Configuration { return ra.configuration }

// Completed reports whether the recording was stopped.
func (ra *RecordingActor) Completed() bool { return ra.completed.Load() }

// SetCompleted marks the recording as stopped. There's no way back.
func (ra *RecordingActor) SetCompleted() { ra.completed.Store(true) }

// Snapshot returns the current state of the recording.
func (ra *RecordingActor) Snapshot() Snapshot {
	return Snapshot{
		Actor:         ra.name,
		Configuration: ra.configuration,
		StartingBufferStatus: BufferStatus{
			Position:   StartingBufferPosition,
			TotalSize:  StartingBufferTotalSize,
			Generation: StartingBufferGeneration,
		},
		Console:        false,
		Label:          "",
		StartTime:      PlaceholderStartTime,
		LocalStartTime: uint64(ra.startTime.UnixMilli()),
		Recording:      true,
		Completed:      ra.completed.Load(),
		Duration:       0,
	}
}

// SnapshotFrom returns the current state annotated with the name of the
// actor reporting it.
func (ra *RecordingActor) SnapshotFrom(from string) Snapshot {
	s := ra.Snapshot()
	s.From = from
	return s
}
