// Package framerate implements the actor collecting animation frame ticks of a
// page while a recording with ticks is running.
package framerate

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/liuxd6825/devtools/devtools/actor"
	"github.com/liuxd6825/devtools/devtools/protocol"
	"github.com/liuxd6825/devtools/devtools/script"
	"github.com/liuxd6825/devtools/devtools/timeline"
)

// Prefix is prepended to the registry-assigned names of framerate actors.
const Prefix = "framerate"

// Actor receives the frame ticks of one pipeline and hands them out in
// batches.
type Actor struct {
	name     string
	pipeline script.PipelineID
	control  script.ControlSender
	logger   logrus.FieldLogger

	mu      sync.Mutex
	ticks   []time.Time
	running bool
}

var (
	_ timeline.TickSource = &Actor{}
	_ script.TickSink     = &Actor{}
	_ actor.Closer        = &Actor{}
)

// Create makes a framerate actor for pipeline, asks the page for animation
// frames and queues the actor for registration.
func Create(
	r *actor.Registry, pipeline script.PipelineID, control script.ControlSender, logger logrus.FieldLogger,
) (*Actor, error) {
	name := r.NewName(Prefix)
	a := &Actor{
		name:     name,
		pipeline: pipeline,
		control:  control,
		logger:   logger.WithField("actor", name),
	}
	if err := a.start(); err != nil {
		return nil, err
	}
	r.RegisterLater(a)
	return a, nil
}

func (a *Actor) start() error {
	a.mu.Lock()
	a.running = true
	a.mu.Unlock()
	return a.control.Send(script.RequestAnimationFrame{Pipeline: a.pipeline, Actor: a.name, Sink: a})
}

// Name implements actor.Actor.
func (a *Actor) Name() string { return a.name }

// Handle implements actor.Actor. Clients only receive framerate packets, they
// never send any.
func (a *Actor) Handle(*actor.Registry, protocol.Packet, protocol.Writer) (actor.Status, error) {
	return actor.Ignored, nil
}

// AddTick implements script.TickSink.
func (a *Actor) AddTick(t time.Time) {
	a.mu.Lock()
	if a.running {
		a.ticks = append(a.ticks, t)
	}
	a.mu.Unlock()
}

// TakePendingTicks implements timeline.TickSource.
func (a *Actor) TakePendingTicks() []time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	ticks := a.ticks
	a.ticks = nil
	return ticks
}

// Stop cancels the animation frame request. Ticks already collected can still
// be taken.
func (a *Actor) Stop() error {
	a.mu.Lock()
	running := a.running
	a.running = false
	a.mu.Unlock()
	if !running {
		return nil
	}
	// a.mu must not be held here, the page calls AddTick under its own lock.
	a.logger.Debug("Cancelling animation frames")
	return a.control.Send(script.CancelAnimationFrame{Pipeline: a.pipeline, Actor: a.name})
}

// Close implements actor.Closer. A page that already went away has nothing
// left to cancel.
func (a *Actor) Close() error {
	if err := a.Stop(); err != nil && !errors.Is(err, script.ErrControlClosed) {
		return err
	}
	return nil
}
