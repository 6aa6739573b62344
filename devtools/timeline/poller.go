package timeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultPollInterval is how often buffered markers are flushed to the client.
const DefaultPollInterval = 200 * time.Millisecond

// Poller periodically drains a MarkerBuffer through an Emitter. Every poller
// has its own stop channel, so stopping one recording never affects another.
// Stop waits for one last flush before it returns, Cancel doesn't flush.
type Poller struct {
	period  time.Duration
	source  *MarkerBuffer
	emitter *Emitter
	onFatal func(error)
	logger  logrus.FieldLogger

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	final    bool
	err      error
}

// NewPoller creates a new Poller and starts its goroutine. onFatal, if set,
// is called once when writing a batch fails; the poller exits afterwards.
func NewPoller(
	period time.Duration, source *MarkerBuffer, emitter *Emitter,
	onFatal func(error), logger logrus.FieldLogger,
) (*Poller, error) {
	if period <= 0 {
		return nil, fmt.Errorf("marker poll period should be positive but was %s", period)
	}

	p := &Poller{
		period:  period,
		source:  source,
		emitter: emitter,
		onFatal: onFatal,
		logger:  logger,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	go p.run()

	return p, nil
}

func (p *Poller) run() {
	defer close(p.stopped)

	ticker := time.NewTicker(p.period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !p.flush() {
				return
			}
		case <-p.stop:
			if p.final {
				p.flush()
			}
			return
		}
	}
}

func (p *Poller) flush() bool {
	buffered := p.source.GetBufferedMarkers()
	replies := make([]MarkerReply, len(buffered))
	for i, m := range buffered {
		replies[i] = p.emitter.Marker(m)
	}

	if err := p.emitter.Send(replies); err != nil {
		p.err = err
		p.logger.WithError(err).WithField("markers", len(replies)).Error("Couldn't send timeline markers")
		if p.onFatal != nil {
			p.onFatal(err)
		}
		return false
	}
	return true
}

// Stop waits for the poller to flush one last time and exit. It returns the
// write error that made the poller give up, if any. It's safe to call Stop
// multiple times from different goroutines.
func (p *Poller) Stop() error {
	return p.halt(true)
}

// Cancel makes the poller exit without writing the markers still buffered.
// Like Stop it waits for the goroutine and returns the earlier write error,
// if any. Whichever of Stop and Cancel is called first wins.
func (p *Poller) Cancel() error {
	return p.halt(false)
}

func (p *Poller) halt(final bool) error {
	p.stopOnce.Do(func() {
		p.final = final
		close(p.stop)
	})
	<-p.stopped
	return p.err
}
