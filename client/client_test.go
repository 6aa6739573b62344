package client

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/goleak"

	"github.com/liuxd6825/devtools/devtools/actors/performance"
	"github.com/liuxd6825/devtools/devtools/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeServer accepts one connection and hands it to handle.
func fakeServer(t *testing.T, handle func(s *protocol.FramedStream)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s := protocol.NewFramedStream(conn, 0, testLogger())
		defer func() { _ = s.Close() }()
		handle(s)
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		<-done
	})
	return ln.Addr().String()
}

type greeting struct {
	From            string   `json:"from"`
	ApplicationType string   `json:"applicationType"`
	Traits          struct{} `json:"traits"`
}

func readRequest(s *protocol.FramedStream) (protocol.Packet, bool) {
	msg, err := s.ReadPacket()
	return msg, err == nil
}

func TestParseRecordingRoundTrip(t *testing.T) {
	t.Parallel()

	configurations := []performance.Configuration{
		performance.SupportedConfiguration,
		{},
		{WithMarkers: true, WithMemory: true, AllocationsSampleProbability: 0.25, BufferSize: 1024},
		{WithTicks: true, WithAllocations: true, WithJITOptimizations: true, AllocationsMaxLogLength: 7, SampleFrequency: 3},
	}
	start := time.UnixMilli(1690000000000)
	for i, c := range configurations {
		for _, completed := range []bool{false, true} {
			ra := performance.NewRecordingActor("performance-recording", c, start)
			if completed {
				ra.SetCompleted()
			}
			body, err := protocol.Marshal(ra.SnapshotFrom("performance0"))
			require.NoError(t, err)

			model, err := ParseRecording(gjson.ParseBytes(body))
			require.NoError(t, err, "configuration %d", i)
			assert.Equal(t, c, model.Configuration)
			assert.True(t, model.Recording)
			assert.Equal(t, completed, model.Completed)
			assert.Equal(t, "performance-recording", model.Actor)
			assert.Equal(t, "performance0", model.From)
			assert.Equal(t, uint64(1690000000000), model.LocalStartTime)
		}
	}
}

func TestParseRecordingMalformed(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{``, `"recording"`, `[]`, `{}`, `{"actor":5}`} {
		_, err := ParseRecording(gjson.Parse(raw))
		assert.ErrorIs(t, err, ErrMalformedRecording, raw)
	}
}

func TestClientBacklog(t *testing.T) {
	t.Parallel()

	addr := fakeServer(t, func(s *protocol.FramedStream) {
		if s.WritePacket(greeting{From: "root", ApplicationType: "browser"}) != nil {
			return
		}
		msg, ok := readRequest(s)
		if !ok || msg.Type != "ping" {
			return
		}
		_ = s.WritePacket(map[string]interface{}{"from": "perf", "type": "markers", "markers": []int{}})
		_ = s.WritePacket(map[string]interface{}{"from": "other", "type": "noise"})
		_ = s.WritePacket(map[string]interface{}{"from": msg.To, "type": "pong"})
		_, _ = readRequest(s)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, addr, testLogger())
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	assert.Equal(t, "browser", c.Greeting().Get("applicationType").String())

	reply, err := c.Request(ctx, "perf", "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", reply.Get("type").String())

	p, err := c.ReadPacket(ctx)
	require.NoError(t, err)
	assert.True(t, IsEvent(p))
	p, err = c.ReadPacket(ctx)
	require.NoError(t, err)
	assert.Equal(t, "noise", p.Get("type").String())
}

func TestClientRequestError(t *testing.T) {
	t.Parallel()

	addr := fakeServer(t, func(s *protocol.FramedStream) {
		if s.WritePacket(greeting{From: "root"}) != nil {
			return
		}
		msg, ok := readRequest(s)
		if !ok {
			return
		}
		_ = s.WritePacket(protocol.NewError(msg.To, protocol.ErrorUnsupportedConfiguration, "withMemory isn't supported"))
		_, _ = readRequest(s)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, addr, testLogger())
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	_, err = c.StartRecordingWith(ctx, "performance0", map[string]interface{}{"withMemory": true})
	var perr *protocol.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, protocol.ErrorUnsupportedConfiguration, perr.Name)
	assert.Equal(t, "performance0", perr.From)
}

func TestClientConnectionLoss(t *testing.T) {
	t.Parallel()

	addr := fakeServer(t, func(s *protocol.FramedStream) {
		_ = s.WritePacket(greeting{From: "root"})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, addr, testLogger())
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	_, err = c.ReadPacket(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDialUnexpectedGreeting(t *testing.T) {
	t.Parallel()

	addr := fakeServer(t, func(s *protocol.FramedStream) {
		_ = s.WritePacket(map[string]string{"from": "performance0"})
		_, _ = readRequest(s)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, addr, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected greeting")
}

func TestClientBuffered(t *testing.T) {
	t.Parallel()

	addr := fakeServer(t, func(s *protocol.FramedStream) {
		if s.WritePacket(greeting{From: "root"}) != nil {
			return
		}
		for _, typ := range []string{"markers", "framerate", "recording-stopped"} {
			if s.WritePacket(map[string]string{"from": "performance0", "type": typ}) != nil {
				return
			}
		}
		_, _ = readRequest(s)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, addr, testLogger())
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	_, err = c.Expect(ctx, func(p gjson.Result) bool { return !IsEvent(p) })
	require.NoError(t, err)

	buffered := c.Buffered()
	require.Len(t, buffered, 2)
	assert.Equal(t, "markers", buffered[0].Get("type").String())
	assert.Equal(t, "framerate", buffered[1].Get("type").String())
	assert.Empty(t, c.Buffered())
}
