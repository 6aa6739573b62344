package actor

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/liuxd6825/devtools/devtools/protocol"
)

// RootName is the well-known name of the actor every connection starts with.
const RootName = "root"

var (
	// ErrNotFound is returned by Find when no actor is registered under a name.
	ErrNotFound = errors.New("actor not found")
	// ErrWrongKind is returned by Find when the actor registered under a name
	// doesn't have the requested type.
	ErrWrongKind = errors.New("actor has a different kind")
	// ErrDuplicateName is returned by Register when the name is already taken.
	ErrDuplicateName = errors.New("actor name already registered")
)

// Registry owns the actors of one debugger connection. It allocates their
// names, routes incoming packets to them and serializes dispatch, so actors
// don't need to lock state touched only from Handle.
type Registry struct {
	logger     logrus.FieldLogger
	startStamp time.Time

	dispatchMu sync.Mutex

	mu      sync.RWMutex
	actors  map[string]Actor
	pending []Actor
	next    uint64
}

// NewRegistry creates an empty registry whose start stamp is now.
func NewRegistry(logger logrus.FieldLogger) *Registry {
	return &Registry{
		logger:     logger,
		startStamp: time.Now(),
		actors:     make(map[string]Actor),
	}
}

// StartStamp is the moment the registry was created. Timeline timestamps are
// expressed relative to it.
func (r *Registry) StartStamp() time.Time {
	return r.startStamp
}

// NewName returns a fresh unique name starting with prefix.
func (r *Registry) NewName(prefix string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := prefix + strconv.FormatUint(r.next, 10)
	r.next++
	return name
}

// Register adds an actor right away.
func (r *Registry) Register(a Actor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(a)
}

func (r *Registry) registerLocked(a Actor) error {
	name := a.Name()
	if _, ok := r.actors[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	r.actors[name] = a
	r.logger.WithField("actor", name).Debug("Registered actor")
	return nil
}

// RegisterLater queues an actor created while handling a message. Queued
// actors become visible once the current dispatch finishes.
func (r *Registry) RegisterLater(a Actor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, a)
}

// Flush registers every queued actor.
func (r *Registry) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, a := range r.pending {
		if err := r.registerLocked(a); err != nil {
			errs = append(errs, err)
		}
	}
	r.pending = nil
	return errors.Join(errs...)
}

// Unregister drops the actor registered under name, if any.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.actors, name)
}

// Lookup returns the actor registered under name.
func (r *Registry) Lookup(name string) (Actor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actors[name]
	return a, ok
}

// Names returns the sorted names of all registered actors.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actors))
	for name := range r.actors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Find returns the actor registered under name as a T. It fails with
// ErrNotFound or ErrWrongKind instead of panicking.
func Find[T Actor](r *Registry, name string) (T, error) {
	var zero T
	a, ok := r.Lookup(name)
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	typed, ok := a.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is a %T", ErrWrongKind, name, a)
	}
	return typed, nil
}

// Dispatch routes msg to its target actor and handles the outcome. Only one
// Dispatch runs at a time. The returned error is fatal for the connection.
func (r *Registry) Dispatch(msg protocol.Packet, stream protocol.Writer) error {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()

	if msg.To == "" {
		return stream.WritePacket(protocol.NewError(RootName, protocol.ErrorBadPacket, "missing 'to' property"))
	}
	a, ok := r.Lookup(msg.To)
	if !ok {
		return stream.WritePacket(protocol.NewError(msg.To, protocol.ErrorNoSuchActor, "no such actor for ID: %s", msg.To))
	}

	status, err := a.Handle(r, msg, stream)
	if ferr := r.Flush(); ferr != nil {
		return ferr
	}

	var perr *protocol.Error
	switch {
	case errors.As(err, &perr):
		r.logger.WithFields(logrus.Fields{
			"actor": msg.To,
			"type":  msg.Type,
			"error": perr.Name,
		}).Debug(perr.Message)
		return stream.WritePacket(perr)
	case err != nil:
		return fmt.Errorf("actor %s failed to handle %q: %w", msg.To, msg.Type, err)
	case status == Ignored:
		r.logger.WithFields(logrus.Fields{"actor": msg.To, "type": msg.Type}).Debug("Ignoring unrecognized message type")
		return stream.WritePacket(protocol.NewError(msg.To, protocol.ErrorUnrecognizedPacketType,
			"actor %q does not recognize the packet type %q", msg.To, msg.Type))
	}
	return nil
}

// Close releases every registered actor that implements Closer.
func (r *Registry) Close() error {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()

	r.mu.Lock()
	closers := make([]Closer, 0, len(r.actors))
	for _, a := range r.actors {
		if c, ok := a.(Closer); ok {
			closers = append(closers, c)
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
