package script

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Page describes a debuggable browsing context.
type Page interface {
	Pipeline() PipelineID
	Title() string
	URL() string
	Control() ControlSender
}

// DefaultFrameInterval is the pace of the simulated page when none is given.
const DefaultFrameInterval = 50 * time.Millisecond

type markerSubscription struct {
	kinds map[MarkerKind]struct{}
	sink  MarkerSink
}

// SimulatedPage is a stand-in for a real script process. It obeys control
// messages and, on every frame, produces one marker of each tagged kind and
// a tick for every animation frame request.
type SimulatedPage struct {
	pipeline PipelineID
	title    string
	url      string
	control  *Channel
	limiter  *rate.Limiter
	logger   logrus.FieldLogger

	mu      sync.Mutex
	markers map[string]markerSubscription
	ticks   map[string]TickSink
	rnd     *rand.Rand
}

var _ Page = &SimulatedPage{}

// NewSimulatedPage creates a page producing frames every interval.
func NewSimulatedPage(
	pipeline PipelineID, title, url string, interval time.Duration, logger logrus.FieldLogger,
) *SimulatedPage {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return &SimulatedPage{
		pipeline: pipeline,
		title:    title,
		url:      url,
		control:  NewChannel(16),
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		logger:   logger.WithField("pipeline", pipeline.String()),
		markers:  make(map[string]markerSubscription),
		ticks:    make(map[string]TickSink),
		rnd:      rand.New(rand.NewSource(int64(pipeline) + 1)), //nolint:gosec
	}
}

// Pipeline implements Page.
func (p *SimulatedPage) Pipeline() PipelineID { return p.pipeline }

// Title implements Page.
func (p *SimulatedPage) Title() string { return p.title }

// URL implements Page.
func (p *SimulatedPage) URL() string { return p.url }

// Control implements Page.
func (p *SimulatedPage) Control() ControlSender { return p.control }

// Run processes control messages and produces frames until ctx is done.
// The control channel is closed when Run returns.
func (p *SimulatedPage) Run(ctx context.Context) error {
	defer p.control.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg := <-p.control.Receive():
				p.apply(msg)
			}
		}
	})
	g.Go(func() error {
		for {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil //nolint:nilerr
			}
			p.Frame(time.Now())
		}
	})
	return g.Wait()
}

func (p *SimulatedPage) apply(msg ControlMsg) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch m := msg.(type) {
	case SetTimelineMarkers:
		kinds := make(map[MarkerKind]struct{}, len(m.Kinds))
		for _, k := range m.Kinds {
			kinds[k] = struct{}{}
		}
		p.markers[m.Key] = markerSubscription{kinds: kinds, sink: m.Sink}
		p.logger.WithFields(logrus.Fields{"key": m.Key, "kinds": m.Kinds}).Debug("Started tagging markers")
	case DropTimelineMarkers:
		delete(p.markers, m.Key)
		p.logger.WithField("key", m.Key).Debug("Stopped tagging markers")
	case RequestAnimationFrame:
		p.ticks[m.Actor] = m.Sink
		p.logger.WithField("actor", m.Actor).Debug("Animation frames requested")
	case CancelAnimationFrame:
		delete(p.ticks, m.Actor)
		p.logger.WithField("actor", m.Actor).Debug("Animation frames cancelled")
	default:
		p.logger.Warnf("Unknown control message %T", msg)
	}
}

// Frame simulates one rendered frame starting at now.
func (p *SimulatedPage) Frame(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	reflow := time.Duration(200+p.rnd.Intn(800)) * time.Microsecond
	event := time.Duration(50+p.rnd.Intn(300)) * time.Microsecond
	produced := map[MarkerKind]TimelineMarker{
		Reflow:   {Kind: Reflow, Name: Reflow.String(), Start: now, End: now.Add(reflow)},
		DOMEvent: {Kind: DOMEvent, Name: DOMEvent.String(), Start: now.Add(reflow), End: now.Add(reflow + event)},
	}

	for _, sub := range p.markers {
		batch := make([]TimelineMarker, 0, len(produced))
		for _, kind := range []MarkerKind{Reflow, DOMEvent} {
			if _, ok := sub.kinds[kind]; ok {
				batch = append(batch, produced[kind])
			}
		}
		if len(batch) > 0 {
			sub.sink.AddMarkers(batch...)
		}
	}
	for _, sink := range p.ticks {
		sink.AddTick(now)
	}
}

// Subscriptions reports how many marker and tick subscriptions are active.
func (p *SimulatedPage) Subscriptions() (markers, ticks int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.markers), len(p.ticks)
}
