// Package profiler implements the actor keeping track of the profiler event
// notifications a client subscribed to.
package profiler

import (
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/liuxd6825/devtools/devtools/actor"
	"github.com/liuxd6825/devtools/devtools/protocol"
)

// Prefix is prepended to the registry-assigned names of profiler actors.
const Prefix = "profiler"

type ack struct {
	From string `json:"from"`
}

// Actor holds a set of event notification topics, in subscription order.
type Actor struct {
	name   string
	logger logrus.FieldLogger

	mu     sync.Mutex
	events []string
}

var _ actor.Actor = &Actor{}

// New creates a profiler actor without subscriptions.
func New(name string, logger logrus.FieldLogger) *Actor {
	return &Actor{name: name, logger: logger.WithField("actor", name)}
}

// Name implements actor.Actor.
func (a *Actor) Name() string { return a.name }

// Events returns the subscribed topics.
func (a *Actor) Events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.events)
}

// Handle implements actor.Actor.
func (a *Actor) Handle(_ *actor.Registry, msg protocol.Packet, stream protocol.Writer) (actor.Status, error) {
	switch msg.Type {
	case "registerEventNotifications":
		a.Register(topics(msg.Get("events"))...)
	case "__unregisterEventNotifications":
		a.Unregister(topics(msg.Get("events"))...)
	default:
		return actor.Ignored, nil
	}
	return actor.Processed, stream.WritePacket(ack{From: a.name})
}

// Register adds the topics not subscribed yet.
func (a *Actor) Register(events ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range events {
		if !slices.Contains(a.events, e) {
			a.events = append(a.events, e)
		}
	}
	a.logger.WithField("events", a.events).Debug("Registered event notifications")
}

// Unregister removes the given topics, if subscribed.
func (a *Actor) Unregister(events ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = slices.DeleteFunc(a.events, func(e string) bool {
		return slices.Contains(events, e)
	})
	a.logger.WithField("events", a.events).Debug("Unregistered event notifications")
}

// topics returns the string entries of an events array. A missing or
// non-array value yields none.
func topics(events gjson.Result) []string {
	if !events.IsArray() {
		return nil
	}
	var res []string
	events.ForEach(func(_, v gjson.Result) bool {
		if v.Type == gjson.String {
			res = append(res, v.String())
		}
		return true
	})
	return res
}
