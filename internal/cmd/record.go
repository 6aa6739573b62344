package cmd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/liuxd6825/devtools/client"
	"github.com/liuxd6825/devtools/cmd/state"
	"github.com/liuxd6825/devtools/devtools/timeline"
	"github.com/liuxd6825/devtools/errext"
	"github.com/liuxd6825/devtools/errext/exitcodes"
)

// recordingSummary counts the timeline data streamed during a recording.
type recordingSummary struct {
	Batches int
	Markers map[string]int
	Ticks   int
}

func newRecordingSummary() *recordingSummary {
	return &recordingSummary{Markers: make(map[string]int)}
}

func (s *recordingSummary) add(p gjson.Result) {
	switch p.Get("type").String() {
	case timeline.MarkersType:
		s.Batches++
		p.Get("markers").ForEach(func(_, m gjson.Result) bool {
			s.Markers[m.Get("name").String()]++
			return true
		})
	case timeline.FramerateType:
		s.Ticks += len(p.Get("timestamps").Array())
	}
}

func (s *recordingSummary) totalMarkers() int {
	total := 0
	for _, n := range s.Markers {
		total += n
	}
	return total
}

func (s *recordingSummary) markerBreakdown() string {
	names := make([]string, 0, len(s.Markers))
	for name := range s.Markers {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s %d", name, s.Markers[name])
	}
	return strings.Join(parts, ", ")
}

type cmdRecord struct {
	gs       *state.GlobalState
	address  string
	wsURL    string
	actor    string
	duration time.Duration
}

func (c *cmdRecord) dial(ctx context.Context) (*client.Client, error) {
	if c.wsURL != "" {
		return client.DialWebSocket(ctx, c.wsURL, c.gs.Logger)
	}
	return client.Dial(ctx, c.address, c.gs.Logger)
}

func (c *cmdRecord) run(_ *cobra.Command, _ []string) error {
	if c.duration <= 0 {
		return errext.WithExitCodeIfNone(
			fmt.Errorf("duration must be positive, got %s", c.duration), exitcodes.InvalidConfig)
	}

	ctx, cancel := context.WithCancel(c.gs.Ctx)
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := c.dial(dialCtx)
	dialCancel()
	if err != nil {
		return errext.WithExitCodeIfNone(fmt.Errorf("couldn't connect: %w", err), exitcodes.ConnectionFailed)
	}
	defer func() { _ = conn.Close() }()

	summary, recording, err := c.record(ctx, conn)
	if err != nil {
		return errext.WithExitCodeIfNone(err, exitcodes.RecordingFailed)
	}
	c.printSummary(recording, summary)
	return nil
}

func (c *cmdRecord) record(ctx context.Context, conn *client.Client) (*recordingSummary, string, error) {
	perf := c.actor
	if perf == "" {
		tabs, err := conn.ListTabs(ctx)
		if err != nil {
			return nil, "", err
		}
		if len(tabs) == 0 {
			return nil, "", errext.WithHint(errors.New("the server has no pages"),
				"start the server with --simulate or attach a page")
		}
		perf = tabs[0].PerformanceActor
	}

	logger := c.gs.Logger.WithField("actor", perf)
	recording, err := conn.StartRecording(ctx, perf)
	if err != nil {
		return nil, "", fmt.Errorf("couldn't start the recording: %w", err)
	}
	logger.WithField("recording", recording.Actor).Info("Recording started")

	summary := newRecordingSummary()
	recordCtx, recordCancel := context.WithTimeout(ctx, c.duration)
	defer recordCancel()
	for {
		p, err := conn.ReadPacket(recordCtx)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			break
		}
		if err != nil {
			return nil, "", err
		}
		summary.add(p)
	}

	if _, err := conn.StopRecording(ctx, perf, recording.Actor); err != nil {
		return nil, "", fmt.Errorf("couldn't stop the recording: %w", err)
	}
	for _, p := range conn.Buffered() {
		summary.add(p)
	}
	logger.WithField("recording", recording.Actor).Info("Recording stopped")
	return summary, recording.Actor, nil
}

func (c *cmdRecord) printSummary(recording string, s *recordingSummary) {
	if c.gs.Flags.Quiet {
		return
	}
	value := valueColor(c.gs)
	markers := value.Sprint(s.totalMarkers())
	if breakdown := s.markerBreakdown(); breakdown != "" {
		markers += " (" + breakdown + ")"
	}
	printToStdout(c.gs, fmt.Sprintf(`
  recording...: %s
  duration....: %s
  batches.....: %s
  markers.....: %s
  frame ticks.: %s

`, value.Sprint(recording), value.Sprint(c.duration), value.Sprint(s.Batches), markers, value.Sprint(s.Ticks)))
}

func getCmdRecord(gs *state.GlobalState) *cobra.Command {
	c := &cmdRecord{gs: gs}

	recordCmd := &cobra.Command{
		Use:   "record",
		Short: "Record the performance of a page",
		Long: `Record the performance of a page.

Connects to a running devtools server, records timeline markers and frame
ticks for the given duration and prints a summary.`,
		Example: `
  # Record the first page of a local server for 5 seconds
  devtools record

  # Record a given performance actor over a websocket connection
  devtools record --ws-url ws://localhost:6081/ --actor performance0 --duration 30s`[1:],
		Args: cobra.NoArgs,
		RunE: c.run,
	}

	flags := recordCmd.Flags()
	flags.SortFlags = false
	flags.StringVarP(&c.address, "address", "a", defaultAddress, "`address` of the server")
	flags.StringVar(&c.wsURL, "ws-url", "", "websocket `url` of the server, used instead of --address")
	flags.StringVar(&c.actor, "actor", "", "performance actor to record, the first page's by default")
	flags.DurationVarP(&c.duration, "duration", "d", 5*time.Second, "how long to record")
	return recordCmd
}
