// Package prototest contains helpers for testing code that writes protocol
// packets.
package prototest

import (
	"errors"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/liuxd6825/devtools/devtools/protocol"
)

// ErrInjected is returned by a Recorder after its write budget is used up.
var ErrInjected = errors.New("injected write failure")

// Recorder is a protocol.Writer that keeps every packet written to it.
type Recorder struct {
	mu      sync.Mutex
	packets [][]byte
	notify  chan struct{}
	budget  int
}

var _ protocol.Writer = &Recorder{}

// NewRecorder returns a Recorder that accepts any number of packets.
func NewRecorder() *Recorder {
	return &Recorder{budget: -1, notify: make(chan struct{}, 1)}
}

// FailAfter makes the recorder fail every write after n successful ones.
func (r *Recorder) FailAfter(n int) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.budget = n
	return r
}

// WritePacket encodes v and stores it.
func (r *Recorder) WritePacket(v interface{}) error {
	body, err := protocol.Marshal(v)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.budget == 0 {
		r.mu.Unlock()
		return ErrInjected
	}
	if r.budget > 0 {
		r.budget--
	}
	r.packets = append(r.packets, body)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

// Packets returns all packets recorded so far.
func (r *Recorder) Packets() []gjson.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]gjson.Result, len(r.packets))
	for i, p := range r.packets {
		res[i] = gjson.ParseBytes(p)
	}
	return res
}

// Len returns the number of recorded packets.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.packets)
}

// Filter returns the recorded packets whose "type" equals typ.
func (r *Recorder) Filter(typ string) []gjson.Result {
	var res []gjson.Result
	for _, p := range r.Packets() {
		if p.Get("type").String() == typ {
			res = append(res, p)
		}
	}
	return res
}

// Reset drops every recorded packet.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets = nil
}

// WaitFor blocks until cond holds for the recorded packets or the timeout
// expires, and reports whether cond was met.
func (r *Recorder) WaitFor(timeout time.Duration, cond func([]gjson.Result) bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if cond(r.Packets()) {
			return true
		}
		select {
		case <-r.notify:
		case <-deadline.C:
			return cond(r.Packets())
		}
	}
}
