package diagnostics

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"flowline/internal/clock"
	"flowline/internal/emitter"
	"flowline/internal/logging"
)

// Sampler runs a ticker at a configurable interval; on each tick it closes
// the sampling window, snapshots the collector, zstd-compresses the
// encoded snapshot, and posts it to a dedicated emitter (spec.md §4.11).
// The ticker/derived-context/done-channel shape mirrors the radar
// scanner's sweep loop.
type Sampler struct {
	collector     *Collector
	interval      time.Duration
	averagingSpan time.Duration
	out           *emitter.Emitter[[]byte]
	clk           *clock.Clock
	log           *logging.Logger
	encoder       *zstd.Encoder

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSampler constructs a sampler that posts to out using virtual-clock
// originating times minted from clk.
func NewSampler(collector *Collector, out *emitter.Emitter[[]byte], clk *clock.Clock, interval, averagingSpan time.Duration, log *logging.Logger) (*Sampler, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	if log != nil {
		log = log.WithClock(clk)
	}
	return &Sampler{
		collector:     collector,
		interval:      interval,
		averagingSpan: averagingSpan,
		out:           out,
		clk:           clk,
		log:           log,
		encoder:       enc,
	}, nil
}

// Start begins ticking sampler snapshots until ctx is cancelled or Stop is
// called.
func (s *Sampler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	derived, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.running = true
	s.mu.Unlock()

	ticker := time.NewTicker(s.interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-derived.Done():
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

// Stop cancels the sampler loop and waits for the worker to exit.
func (s *Sampler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *Sampler) tick() {
	snap := s.collector.Snapshot(time.Now(), s.averagingSpan)
	payload, err := json.Marshal(snap)
	if err != nil {
		if s.log != nil {
			s.log.Error("diagnostics: marshal snapshot failed", logging.Error(err))
		}
		return
	}
	compressed := s.encoder.EncodeAll(payload, nil)

	nowFn := func() clock.Instant { return clock.Instant(0) }
	var ot clock.Instant
	if s.clk != nil {
		ot = s.clk.Now()
		nowFn = s.clk.Now
	}
	if err := s.out.Post(compressed, ot, nowFn); err != nil {
		if s.log != nil {
			s.log.Error("diagnostics: post snapshot failed", logging.Error(err))
		}
	}
}
