// Package mux merges independently paced provider streams into one ordered,
// source-tagged envelope stream.
package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/arena/pkg/config"
	"github.com/pario-ai/arena/pkg/models"
	"github.com/pario-ai/arena/pkg/provider"
)

// Source is one named provider call to be multiplexed. Start is invoked on
// the source's own goroutine with a context that carries the source timeout
// and the consumer's cancellation.
type Source struct {
	Name    string
	Timeout time.Duration
	Start   func(ctx context.Context) (provider.Call, error)
}

// Multiplexer fans in provider calls. It is safe for concurrent use; every
// Run is independent.
type Multiplexer struct {
	idle   time.Duration
	grace  time.Duration
	buffer int
	logger *slog.Logger
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Multiplexer) { m.logger = l }
}

// New creates a Multiplexer from configuration.
func New(cfg config.MuxConfig, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		idle:   cfg.IdleInterval,
		grace:  cfg.GracePeriod,
		buffer: cfg.BufferSize,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run starts every source and returns the merged stream. Each source ends
// with exactly one terminal envelope (done or error) and the channel closes
// once all sources have terminated. Cancelling ctx cancels every running
// source; sources that have not terminated within the grace period get a
// synthetic cancelled terminal and are abandoned.
//
// The caller must drain the channel until it is closed.
func (m *Multiplexer) Run(ctx context.Context, sources []Source) <-chan models.Envelope {
	out := make(chan models.Envelope, m.buffer)
	in := make(chan models.Envelope)
	abandon := make(chan struct{})

	runCtx, cancel := context.WithCancel(ctx)

	var g errgroup.Group
	for _, src := range sources {
		g.Go(func() error {
			m.pump(runCtx, src, in, abandon)
			return nil
		})
	}

	go func() {
		defer cancel()
		if m.coordinate(ctx, sources, in, out, abandon) {
			// Every upstream call is closed before the stream closes.
			_ = g.Wait()
		}
		close(out)
	}()

	return out
}

// coordinate forwards pump envelopes to out and interleaves heartbeats until
// every source has terminated. It reports false when stragglers had to be
// abandoned after the grace period.
func (m *Multiplexer) coordinate(ctx context.Context, sources []Source, in <-chan models.Envelope, out chan<- models.Envelope, abandon chan struct{}) bool {
	pending := make(map[string]bool, len(sources))
	nextSeq := make(map[string]int, len(sources))
	lastSeen := make(map[string]time.Time, len(sources))
	now := time.Now()
	for _, s := range sources {
		pending[s.Name] = true
		lastSeen[s.Name] = now
	}

	var tick <-chan time.Time
	if m.idle > 0 {
		ticker := time.NewTicker(m.idle)
		defer ticker.Stop()
		tick = ticker.C
	}

	done := ctx.Done()
	var graceC <-chan time.Time

	for len(pending) > 0 {
		select {
		case ev := <-in:
			if !pending[ev.Source] {
				continue
			}
			lastSeen[ev.Source] = time.Now()
			nextSeq[ev.Source] = ev.Seq + 1
			if ev.Kind.Terminal() {
				delete(pending, ev.Source)
			}
			out <- ev

		case t := <-tick:
			for name := range pending {
				if t.Sub(lastSeen[name]) >= m.idle {
					out <- models.Envelope{Source: name, Kind: models.KindHeartbeat}
				}
			}

		case <-done:
			done = nil
			grace := m.grace
			if grace <= 0 {
				grace = time.Millisecond
			}
			timer := time.NewTimer(grace)
			defer timer.Stop()
			graceC = timer.C

		case <-graceC:
			close(abandon)
			for name := range pending {
				m.logger.Warn("source did not stop within grace period", "provider", name, "grace", m.grace)
				out <- models.Envelope{Source: name, Seq: nextSeq[name], Kind: models.KindError, Cause: models.CauseCancelled}
			}
			return false
		}
	}
	close(abandon)
	return true
}

// pump drives one source until its terminal envelope has been handed to the
// coordinator.
func (m *Multiplexer) pump(ctx context.Context, src Source, in chan<- models.Envelope, abandon <-chan struct{}) {
	srcCtx := ctx
	if src.Timeout > 0 {
		var cancel context.CancelFunc
		srcCtx, cancel = context.WithTimeout(ctx, src.Timeout)
		defer cancel()
	}

	seq := 0
	emit := func(ev models.Envelope) bool {
		ev.Source = src.Name
		ev.Seq = seq
		select {
		case in <- ev:
			seq++
			return true
		case <-abandon:
			return false
		}
	}
	fail := func(err error) {
		if ctxErr := srcCtx.Err(); ctxErr != nil {
			err = ctxErr
		}
		cause, _ := provider.Classify(err)
		m.logger.Info("provider call failed", "provider", src.Name, "cause", cause, "error", err)
		emit(models.Envelope{Kind: models.KindError, Cause: cause})
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("provider call panicked", "provider", src.Name, "panic", r)
			emit(models.Envelope{Kind: models.KindError, Cause: models.CauseUpstreamError})
		}
	}()

	call, err := src.Start(srcCtx)
	if err != nil {
		fail(err)
		return
	}
	defer call.Close()

	for {
		text, err := call.Next()
		if errors.Is(err, io.EOF) {
			usage := call.Usage()
			emit(models.Envelope{Kind: models.KindDone, Usage: &usage})
			return
		}
		if err != nil {
			fail(fmt.Errorf("next increment: %w", err))
			return
		}
		if !emit(models.Envelope{Kind: models.KindToken, Text: text}) {
			return
		}
	}
}
