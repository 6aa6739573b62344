package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/liuxd6825/devtools/devtools/actors/performance"
	"github.com/liuxd6825/devtools/devtools/actors/root"
)

// ErrMalformedRecording is returned when a recording snapshot can't be parsed.
var ErrMalformedRecording = errors.New("malformed recording snapshot")

// RecordingModel is the client side view of a recording snapshot.
type RecordingModel struct {
	Actor          string
	Configuration  performance.Configuration
	Recording      bool
	Completed      bool
	LocalStartTime uint64
	From           string
}

// ParseRecording builds a RecordingModel from a snapshot object.
func ParseRecording(snapshot gjson.Result) (RecordingModel, error) {
	if !snapshot.IsObject() {
		return RecordingModel{}, fmt.Errorf("%w: %s", ErrMalformedRecording, snapshot.Raw)
	}
	actor := snapshot.Get("actor")
	if actor.Type != gjson.String {
		return RecordingModel{}, fmt.Errorf("%w: missing actor name", ErrMalformedRecording)
	}
	return RecordingModel{
		Actor:          actor.String(),
		Configuration:  performance.ParseConfiguration(snapshot.Get("configuration")),
		Recording:      snapshot.Get("recording").Bool(),
		Completed:      snapshot.Get("completed").Bool(),
		LocalStartTime: snapshot.Get("localStartTime").Uint(),
		From:           snapshot.Get("from").String(),
	}, nil
}

// ListTabs asks the root actor for the debuggable pages.
func (c *Client) ListTabs(ctx context.Context) ([]root.Tab, error) {
	reply, err := c.Request(ctx, "root", "listTabs", nil)
	if err != nil {
		return nil, err
	}
	var tabs []root.Tab
	if err := json.Unmarshal([]byte(reply.Get("tabs").Raw), &tabs); err != nil {
		return nil, fmt.Errorf("could not decode tabs: %w", err)
	}
	return tabs, nil
}

// StartRecording starts a recording on a performance actor with the
// supported configuration.
func (c *Client) StartRecording(ctx context.Context, perf string) (RecordingModel, error) {
	return c.StartRecordingWith(ctx, perf, map[string]interface{}{
		"withMarkers": true,
		"withTicks":   true,
	})
}

// StartRecordingWith starts a recording with arbitrary options.
func (c *Client) StartRecordingWith(
	ctx context.Context, perf string, options map[string]interface{},
) (RecordingModel, error) {
	started, err := c.Request(ctx, perf, "startRecording", map[string]interface{}{"options": options})
	if err != nil {
		return RecordingModel{}, err
	}
	if typ := started.Get("type").String(); typ != performance.RecordingStarted {
		return RecordingModel{}, fmt.Errorf("unexpected reply %q to startRecording", typ)
	}
	model, err := ParseRecording(started.Get("recording"))
	if err != nil {
		return RecordingModel{}, err
	}

	// The second reply carries the same snapshot, annotated with its owner.
	if _, err := c.Expect(ctx, func(p gjson.Result) bool {
		return p.Get("type").String() == performance.RecordingStarted &&
			p.Get("recording.actor").String() == model.Actor
	}); err != nil {
		return RecordingModel{}, err
	}
	return model, nil
}

// StopRecording stops a recording and returns its final state.
func (c *Client) StopRecording(ctx context.Context, perf, recording string) (RecordingModel, error) {
	if err := c.Send(perf, "stopRecording", map[string]interface{}{"options": recording}); err != nil {
		return RecordingModel{}, err
	}
	fromPerf := func(typ string) func(gjson.Result) bool {
		return func(p gjson.Result) bool {
			return p.Get("from").String() == perf && p.Get("type").String() == typ
		}
	}
	if _, err := c.Expect(ctx, fromPerf(performance.RecordingStopping)); err != nil {
		return RecordingModel{}, err
	}
	stopped, err := c.Expect(ctx, fromPerf(performance.RecordingStopped))
	if err != nil {
		return RecordingModel{}, err
	}
	return ParseRecording(stopped.Get("recording"))
}
