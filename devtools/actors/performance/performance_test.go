package performance

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/goleak"

	"github.com/liuxd6825/devtools/devtools/actor"
	"github.com/liuxd6825/devtools/devtools/protocol"
	"github.com/liuxd6825/devtools/devtools/protocol/prototest"
	"github.com/liuxd6825/devtools/devtools/script"
	"github.com/liuxd6825/devtools/lib/testutils"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recordingControl stands in for the script process of a page.
type recordingControl struct {
	mu   sync.Mutex
	msgs []script.ControlMsg
	fail error
}

func (c *recordingControl) Send(msg script.ControlMsg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *recordingControl) messages() []script.ControlMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]script.ControlMsg(nil), c.msgs...)
}

func (c *recordingControl) markerSink(t *testing.T, key string) script.MarkerSink {
	t.Helper()
	for _, msg := range c.messages() {
		if set, ok := msg.(script.SetTimelineMarkers); ok && set.Key == key {
			assert.Equal(t, []script.MarkerKind{script.Reflow, script.DOMEvent}, set.Kinds)
			return set.Sink
		}
	}
	t.Fatalf("no markers were requested for %s", key)
	return nil
}

type fixture struct {
	t        *testing.T
	registry *actor.Registry
	actor    *Actor
	control  *recordingControl
	stream   *prototest.Recorder
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	logger := testutils.NewLogger(t)
	f := &fixture{
		t:        t,
		registry: actor.NewRegistry(logger),
		control:  &recordingControl{},
		stream:   prototest.NewRecorder(),
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Hour
	}
	f.actor = New(f.registry.NewName(Prefix), 1, f.control, opts, logger)
	require.NoError(t, f.registry.Register(f.actor))
	t.Cleanup(func() { assert.NoError(t, f.registry.Close()) })
	return f
}

func (f *fixture) send(format string, args ...interface{}) error {
	raw := fmt.Sprintf(format, args...)
	msg, err := protocol.ParsePacket([]byte(raw))
	require.NoError(f.t, err)
	return f.registry.Dispatch(msg, f.stream)
}

func (f *fixture) start() string {
	f.t.Helper()
	before := f.stream.Len()
	require.NoError(f.t, f.send(`{"to":%q,"type":"startRecording","options":{"withMarkers":true,"withTicks":true}}`,
		f.actor.Name()))
	packets := f.stream.Packets()[before:]
	require.Len(f.t, packets, 2)
	return packets[0].Get("recording.actor").String()
}

func (f *fixture) stop(name string) {
	f.t.Helper()
	require.NoError(f.t, f.send(`{"to":%q,"type":"stopRecording","options":%q}`, f.actor.Name(), name))
}

func TestConnect(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	require.NoError(t, f.send(`{"to":"performance0","type":"connect"}`))

	packets := f.stream.Packets()
	require.Len(t, packets, 1)
	assert.JSONEq(t, `{"from":"performance0","traits":{"features":{
		"withMarkers":true,"withMemory":false,"withTicks":true,
		"withAllocations":false,"withJITOptimizations":false}}}`, packets[0].Raw)
	assert.False(t, f.actor.IsRecording())
	assert.Empty(t, f.control.messages())
}

func TestUnknownMessageType(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	require.NoError(t, f.send(`{"to":"performance0","type":"takeHeapSnapshot"}`))

	packets := f.stream.Packets()
	require.Len(t, packets, 1)
	assert.Equal(t, protocol.ErrorUnrecognizedPacketType, packets[0].Get("error").String())
}

func TestStartRecording(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	before := time.Now().UnixMilli()
	require.NoError(t, f.send(`{"to":"performance0","type":"startRecording","options":{"withMarkers":true,"withTicks":true}}`))

	packets := f.stream.Packets()
	require.Len(t, packets, 2)

	first, second := packets[0], packets[1]
	for _, p := range packets {
		assert.Equal(t, "performance0", p.Get("from").String())
		assert.Equal(t, RecordingStarted, p.Get("type").String())
	}
	name := first.Get("recording.actor").String()
	assert.Equal(t, "performance-recording2", name)
	assert.False(t, first.Get("recording.from").Exists())
	assert.Equal(t, "performance0", second.Get("recording.from").String())
	assert.Equal(t, name, second.Get("recording.actor").String())

	rec := first.Get("recording")
	assert.True(t, rec.Get("configuration.withMarkers").Bool())
	assert.True(t, rec.Get("configuration.withTicks").Bool())
	assert.False(t, rec.Get("configuration.withMemory").Bool())
	assert.Equal(t, int64(131004), rec.Get("startingBufferStatus.position").Int())
	assert.Equal(t, int64(10000000), rec.Get("startingBufferStatus.totalSize").Int())
	assert.Equal(t, 6404439.779669, rec.Get("startTime").Float())
	assert.GreaterOrEqual(t, rec.Get("localStartTime").Int(), before)
	assert.True(t, rec.Get("recording").Bool())
	assert.False(t, rec.Get("completed").Bool())
	assert.Equal(t, gjson.False, rec.Get("console").Type)
	assert.Equal(t, "", rec.Get("label").String())
	assert.Equal(t, int64(0), rec.Get("duration").Int())

	assert.True(t, f.actor.IsRecording())
	assert.Equal(t, []string{name}, f.actor.Recordings())
	recording, err := actor.Find[*RecordingActor](f.registry, name)
	require.NoError(t, err)
	assert.False(t, recording.Completed())

	msgs := f.control.messages()
	require.Len(t, msgs, 2)
	raf, ok := msgs[0].(script.RequestAnimationFrame)
	require.True(t, ok)
	assert.Equal(t, "framerate1", raf.Actor)
	set, ok := msgs[1].(script.SetTimelineMarkers)
	require.True(t, ok)
	assert.Equal(t, name, set.Key)
	assert.Equal(t, script.PipelineID(1), set.Pipeline)
}

func TestStartRecordingNumericOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		options  string
		expected Configuration
	}{
		{
			name: "front-end defaults",
			options: `{"withMarkers":true,"withTicks":true,"withMemory":false,"withAllocations":false,` +
				`"withJITOptimizations":false,"allocationsSampleProbability":0.05,` +
				`"allocationsMaxLogLength":125000,"bufferSize":10000000,"sampleFrequency":1}`,
			expected: Configuration{
				WithMarkers: true, WithTicks: true,
				AllocationsSampleProbability: 0.05, AllocationsMaxLogLength: 125000,
				BufferSize: 10000000, SampleFrequency: 1,
			},
		},
		{
			name:     "integral probability ignored",
			options:  `{"withMarkers":true,"withTicks":true,"allocationsSampleProbability":1,"bufferSize":4096}`,
			expected: Configuration{WithMarkers: true, WithTicks: true, BufferSize: 4096},
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, Options{})
			require.NoError(t, f.send(`{"to":"performance0","type":"startRecording","options":%s}`, tc.options))

			packets := f.stream.Packets()
			require.Len(t, packets, 2)
			for _, p := range packets {
				assert.Equal(t, RecordingStarted, p.Get("type").String())
				c := p.Get("recording.configuration")
				assert.Equal(t, tc.expected.AllocationsSampleProbability, c.Get("allocationsSampleProbability").Float())
				assert.Equal(t, tc.expected.AllocationsMaxLogLength, c.Get("allocationsMaxLogLength").Uint())
				assert.Equal(t, tc.expected.BufferSize, c.Get("bufferSize").Uint())
				assert.Equal(t, tc.expected.SampleFrequency, c.Get("sampleFrequency").Uint())
			}

			recording, err := actor.Find[*RecordingActor](f.registry, packets[0].Get("recording.actor").String())
			require.NoError(t, err)
			assert.Equal(t, tc.expected, recording.Configuration())
			assert.True(t, f.actor.IsRecording())
		})
	}
}

func TestStartRecordingUnsupportedConfiguration(t *testing.T) {
	t.Parallel()

	options := []string{
		`{"withMarkers":true,"withTicks":true,"withMemory":true}`,
		`{"withMarkers":true}`,
		`{}`,
		`"nope"`,
	}
	for _, o := range options {
		o := o
		t.Run(o, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, Options{})
			require.NoError(t, f.send(`{"to":"performance0","type":"startRecording","options":%s}`, o))

			packets := f.stream.Packets()
			require.Len(t, packets, 1)
			assert.Equal(t, "performance0", packets[0].Get("from").String())
			assert.Equal(t, protocol.ErrorUnsupportedConfiguration, packets[0].Get("error").String())
			assert.NotEmpty(t, packets[0].Get("message").String())

			assert.False(t, f.actor.IsRecording())
			assert.Empty(t, f.actor.Recordings())
			assert.Empty(t, f.control.messages())
			assert.Equal(t, []string{"performance0"}, f.registry.Names())
		})
	}
}

func TestStopRecordingIgnored(t *testing.T) {
	t.Parallel()

	requests := map[string]string{
		"unknown name":    `{"to":"performance0","type":"stopRecording","options":"performance-recording99"}`,
		"missing options": `{"to":"performance0","type":"stopRecording"}`,
		"numeric options": `{"to":"performance0","type":"stopRecording","options":2}`,
		"object options":  `{"to":"performance0","type":"stopRecording","options":{"actor":"performance-recording2"}}`,
		"actor not owned": `{"to":"performance0","type":"stopRecording","options":"performance0"}`,
	}
	for name, req := range requests {
		req := req
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, Options{})
			recording := f.start()
			msgs := len(f.control.messages())
			f.stream.Reset()

			require.NoError(t, f.send("%s", req))
			assert.Zero(t, f.stream.Len())
			assert.True(t, f.actor.IsRecording())
			assert.Equal(t, []string{recording}, f.actor.Recordings())
			assert.Len(t, f.control.messages(), msgs)

			ra, err := actor.Find[*RecordingActor](f.registry, recording)
			require.NoError(t, err)
			assert.False(t, ra.Completed())
		})
	}
}

func TestStopRecording(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	name := f.start()
	f.markerSinkAdd(name, 3)
	f.stream.Reset()

	f.stop(name)
	assert.False(t, f.actor.IsRecording())
	assert.Empty(t, f.actor.Recordings())

	packets := f.stream.Packets()
	types := make([]string, len(packets))
	for i, p := range packets {
		types[i] = p.Get("type").String()
	}
	assert.Equal(t, []string{RecordingStopping, "markers", "framerate", RecordingStopped}, types)

	stopping, batch, stopped := packets[0], packets[1], packets[3]
	assert.Equal(t, name, stopping.Get("recording.actor").String())
	assert.False(t, stopping.Get("recording.completed").Bool())
	assert.Len(t, batch.Get("markers").Array(), 3)
	assert.Equal(t, name, batch.Get("recordings.0").String())
	assert.Equal(t, "performance0", stopped.Get("from").String())
	assert.True(t, stopped.Get("recording.completed").Bool())
	assert.JSONEq(t, `{}`, stopped.Get("data").Raw)

	ra, err := actor.Find[*RecordingActor](f.registry, name)
	require.NoError(t, err)
	assert.True(t, ra.Completed())

	msgs := f.control.messages()
	require.GreaterOrEqual(t, len(msgs), 2)
	drop, ok := msgs[len(msgs)-2].(script.DropTimelineMarkers)
	require.True(t, ok)
	assert.Equal(t, name, drop.Key)
	_, ok = msgs[len(msgs)-1].(script.CancelAnimationFrame)
	assert.True(t, ok)

	// A second stop is a no-op.
	f.stream.Reset()
	f.stop(name)
	assert.Zero(t, f.stream.Len())
}

func (f *fixture) markerSinkAdd(recording string, n int) {
	f.t.Helper()
	sink := f.control.markerSink(f.t, recording)
	now := time.Now()
	for i := 0; i < n; i++ {
		sink.AddMarkers(script.TimelineMarker{
			Kind: script.Reflow, Name: "Reflow",
			Start: now, End: now.Add(time.Millisecond),
		})
	}
}

func TestActiveFlag(t *testing.T) {
	t.Parallel()

	t.Run("one recording", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, Options{})
		a := f.start()
		assert.True(t, f.actor.IsRecording())
		f.stop(a)
		assert.False(t, f.actor.IsRecording())
	})

	t.Run("two recordings", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, Options{})
		a, b := f.start(), f.start()
		assert.Equal(t, []string{a, b}, f.actor.Recordings())

		f.stop(a)
		assert.True(t, f.actor.IsRecording())
		assert.Equal(t, []string{b}, f.actor.Recordings())

		f.stop(b)
		assert.False(t, f.actor.IsRecording())
		assert.Empty(t, f.actor.Recordings())
	})
}

func TestStoppingOneRecordingKeepsTheOtherStreaming(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{PollInterval: 10 * time.Millisecond})
	a, b := f.start(), f.start()
	f.stop(a)
	f.stream.Reset()

	f.markerSinkAdd(b, 2)
	delivered := f.stream.WaitFor(2*time.Second, func(packets []gjson.Result) bool {
		for _, p := range packets {
			if p.Get("type").String() == "markers" && len(p.Get("markers").Array()) == 2 {
				return true
			}
		}
		return false
	})
	require.True(t, delivered)

	for _, p := range f.stream.Filter("markers") {
		assert.Equal(t, b, p.Get("recordings.0").String())
	}
}

func TestMarkersAreNotLost(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{PollInterval: 5 * time.Millisecond})
	name := f.start()
	sink := f.control.markerSink(t, name)

	const producers, perProducer = 4, 50
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				now := time.Now()
				sink.AddMarkers(script.TimelineMarker{Kind: script.DOMEvent, Name: "DOMEvent", Start: now, End: now})
				if j%5 == 0 {
					time.Sleep(time.Millisecond)
				}
			}
		}()
	}
	wg.Wait()
	f.stop(name)

	total := 0
	for _, p := range f.stream.Filter("markers") {
		total += len(p.Get("markers").Array())
	}
	assert.Equal(t, producers*perProducer, total)
}

func TestControlFailureIsFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.control.fail = script.ErrControlClosed

	err := f.send(`{"to":"performance0","type":"startRecording","options":{"withMarkers":true,"withTicks":true}}`)
	require.Error(t, err)
	assert.ErrorIs(t, err, script.ErrControlClosed)

	var perr *protocol.Error
	assert.False(t, errors.As(err, &perr))
	assert.Zero(t, f.stream.Len())
}

func TestWriteFailureIsFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.stream.FailAfter(1)

	err := f.send(`{"to":"performance0","type":"startRecording","options":{"withMarkers":true,"withTicks":true}}`)
	assert.ErrorIs(t, err, prototest.ErrInjected)
}

type countingObserver struct {
	mu      sync.Mutex
	active  map[string]bool
	started int
}

func (o *countingObserver) RecordingStarted(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active[name] = true
	o.started++
}

func (o *countingObserver) RecordingStopped(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, name)
}

func TestCloseStopsRecordings(t *testing.T) {
	t.Parallel()

	observer := &countingObserver{active: make(map[string]bool)}
	f := newFixture(t, Options{Observer: observer})
	first := f.start()
	f.start()
	assert.Len(t, observer.active, 2)
	f.markerSinkAdd(first, 3)

	n := f.stream.Len()
	require.NoError(t, f.actor.Close())
	assert.Equal(t, n, f.stream.Len(), "closing must not write to the client")
	assert.False(t, f.actor.IsRecording())
	assert.Empty(t, f.actor.Recordings())
	assert.Empty(t, observer.active)
	assert.Equal(t, 2, observer.started)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, f.stream.Len())
}

func TestStreamFailureCallback(t *testing.T) {
	t.Parallel()

	failures := make(chan error, 1)
	f := newFixture(t, Options{
		PollInterval:    5 * time.Millisecond,
		OnStreamFailure: func(err error) { failures <- err },
	})
	f.start()
	f.stream.FailAfter(0)

	select {
	case err := <-failures:
		assert.ErrorIs(t, err, prototest.ErrInjected)
	case <-time.After(2 * time.Second):
		t.Fatal("the stream failure was never reported")
	}
	assert.ErrorIs(t, f.actor.Close(), prototest.ErrInjected)
}
