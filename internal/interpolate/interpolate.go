// Package interpolate implements the reproducible and greedy interpolator
// families used to fuse a primary stream against a time-ordered view of a
// secondary stream (spec.md §4.7).
package interpolate

import (
	"errors"

	"flowline/internal/clock"
)

// Kind selects the in-window search strategy.
type Kind int

const (
	First Kind = iota
	Last
	Nearest
	Exact
)

// ResultStatus reports what an interpolator's Evaluate call produced.
type ResultStatus int

const (
	// Found means Value holds a matched secondary-stream payload.
	Found ResultStatus = iota
	// InsufficientData means a reproducible interpolator cannot yet prove
	// the result is final; the caller must wait for more secondary
	// messages or stream closure.
	InsufficientData
	// NotFound means the window is provably empty and no default was
	// configured.
	NotFound
	// Default means the window was provably empty and the configured
	// default value is returned instead.
	Default
)

// ErrUnboundedFirst is returned at construction when Kind is First and the
// window's left endpoint is unbounded (spec.md §4.7: "first requires a
// bounded left endpoint").
var ErrUnboundedFirst = errors.New("interpolate: first requires a bounded left endpoint")

// Endpoint describes one side of the relative window, with its inclusivity.
type Endpoint struct {
	Offset    clock.Instant // relative to the primary instant t; added via clock arithmetic at ticks granularity
	Inclusive bool
	Unbounded bool
}

// Window is a relative time interval [t+Left, t+Right] used to search the
// secondary stream around a primary instant t.
type Window struct {
	Left  Endpoint
	Right Endpoint
}

// Secondary is a time-ordered view of the secondary stream a Point
// implementation can query: the set of currently-buffered messages plus
// whether the stream is closed and, if so, its final originating time.
type Secondary[S any] interface {
	// Messages returns the currently-buffered secondary messages in
	// ascending originating-time order.
	Messages() []Point[S]
	// Closed reports whether the secondary stream has finished, and if so
	// the originating time of its last message (or clock.MinInstant if it
	// never produced one).
	Closed() (lastOriginatingTime clock.Instant, closed bool)
	// Discard drops every buffered message with OriginatingTime strictly
	// before t; reproducible interpolators call this once a match proves
	// all earlier messages are obsolete.
	Discard(before clock.Instant)
}

// Point pairs a secondary-stream payload with its originating time.
type Point[S any] struct {
	Value           S
	OriginatingTime clock.Instant
}

// Result is the outcome of evaluating an interpolator at a primary instant.
type Result[S any] struct {
	Status ResultStatus
	Value  S
}

// Interpolator evaluates a window-and-kind search against a Secondary view.
type Interpolator[S any] struct {
	window     Window
	kind       Kind
	reproducible bool
	hasDefault bool
	def        S
}

// NewReproducible constructs the reproducible family: Evaluate returns
// InsufficientData until the match (or absence of one) is provably final.
func NewReproducible[S any](w Window, kind Kind) (*Interpolator[S], error) {
	return newInterpolator[S](w, kind, true, false, *new(S))
}

// NewReproducibleWithDefault is NewReproducible with an or_default fallback.
func NewReproducibleWithDefault[S any](w Window, kind Kind, def S) (*Interpolator[S], error) {
	return newInterpolator[S](w, kind, true, true, def)
}

// NewGreedy constructs the greedy ("available") family: Evaluate only ever
// consults messages currently in view and never returns InsufficientData.
func NewGreedy[S any](w Window, kind Kind) (*Interpolator[S], error) {
	return newInterpolator[S](w, kind, false, false, *new(S))
}

// NewGreedyWithDefault is NewGreedy with an or_default fallback.
func NewGreedyWithDefault[S any](w Window, kind Kind, def S) (*Interpolator[S], error) {
	return newInterpolator[S](w, kind, false, true, def)
}

func newInterpolator[S any](w Window, kind Kind, reproducible, hasDefault bool, def S) (*Interpolator[S], error) {
	if kind == First && w.Left.Unbounded {
		return nil, ErrUnboundedFirst
	}
	return &Interpolator[S]{window: w, kind: kind, reproducible: reproducible, hasDefault: hasDefault, def: def}, nil
}

func (ip *Interpolator[S]) inWindow(t, msgTime clock.Instant) bool {
	if !ip.window.Left.Unbounded {
		left := t + ip.window.Left.Offset
		if ip.window.Left.Inclusive {
			if msgTime < left {
				return false
			}
		} else if msgTime <= left {
			return false
		}
	}
	if !ip.window.Right.Unbounded {
		right := t + ip.window.Right.Offset
		if ip.window.Right.Inclusive {
			if msgTime > right {
				return false
			}
		} else if msgTime >= right {
			return false
		}
	}
	return true
}

func (ip *Interpolator[S]) rightBound(t clock.Instant) (clock.Instant, bool) {
	if ip.window.Right.Unbounded {
		return 0, false
	}
	return t + ip.window.Right.Offset, true
}

// Evaluate computes the interpolated value for primary instant t against
// the current state of sec.
func (ip *Interpolator[S]) Evaluate(t clock.Instant, sec Secondary[S]) Result[S] {
	if ip.kind == Exact {
		return ip.evaluateExact(t, sec)
	}
	msgs := sec.Messages()
	var inWin []Point[S]
	for _, m := range msgs {
		if ip.inWindow(t, m.OriginatingTime) {
			inWin = append(inWin, m)
		}
	}

	lastOT, closed := sec.Closed()

	switch ip.kind {
	case First:
		if len(inWin) > 0 {
			match := inWin[0]
			if ip.reproducible {
				sec.Discard(match.OriginatingTime)
			}
			return Result[S]{Status: Found, Value: match.Value}
		}
		return ip.emptyResult(t, msgs, lastOT, closed)
	case Last:
		if len(inWin) > 0 {
			match := inWin[len(inWin)-1]
			if ip.reproducible {
				if !ip.provenFinalLast(t, match, msgs, lastOT, closed) {
					return Result[S]{Status: InsufficientData}
				}
				sec.Discard(match.OriginatingTime)
			}
			return Result[S]{Status: Found, Value: match.Value}
		}
		return ip.emptyResult(t, msgs, lastOT, closed)
	case Nearest:
		if len(inWin) > 0 {
			best := inWin[0]
			bestDist := abs(best.OriginatingTime - t)
			for _, m := range inWin[1:] {
				d := abs(m.OriginatingTime - t)
				if d < bestDist {
					best, bestDist = m, d
				}
			}
			if ip.reproducible {
				if !ip.provenFinalNearest(t, best, bestDist, msgs, lastOT, closed) {
					return Result[S]{Status: InsufficientData}
				}
				sec.Discard(best.OriginatingTime)
			}
			return Result[S]{Status: Found, Value: best.Value}
		}
		return ip.emptyResult(t, msgs, lastOT, closed)
	}
	return Result[S]{Status: NotFound}
}

func (ip *Interpolator[S]) evaluateExact(t clock.Instant, sec Secondary[S]) Result[S] {
	msgs := sec.Messages()
	lastOT, closed := sec.Closed()
	for _, m := range msgs {
		if m.OriginatingTime == t {
			if ip.reproducible {
				sec.Discard(t)
			}
			return Result[S]{Status: Found, Value: m.Value}
		}
	}
	return ip.emptyResult(t, msgs, lastOT, closed)
}

// emptyResult handles the "no in-window message" case per (i) and the tail
// of (ii): only a reproducible interpolator needs proof before declaring
// not_found/default.
func (ip *Interpolator[S]) emptyResult(t clock.Instant, msgs []Point[S], lastOT clock.Instant, closed bool) Result[S] {
	if !ip.reproducible {
		return ip.defaultOrNotFound()
	}
	if closed {
		return ip.defaultOrNotFound()
	}
	if right, bounded := ip.rightBound(t); bounded {
		if len(msgs) > 0 && msgs[len(msgs)-1].OriginatingTime > right {
			return ip.defaultOrNotFound()
		}
	}
	return Result[S]{Status: InsufficientData}
}

func (ip *Interpolator[S]) defaultOrNotFound() Result[S] {
	if ip.hasDefault {
		return Result[S]{Status: Default, Value: ip.def}
	}
	return Result[S]{Status: NotFound}
}

// provenFinalLast implements case (ii)'s finality proof for `last`: the
// stream is closed, or the most recent seen message is past the window's
// right end, or the match sits exactly on the inclusive right endpoint.
func (ip *Interpolator[S]) provenFinalLast(t clock.Instant, match Point[S], msgs []Point[S], lastOT clock.Instant, closed bool) bool {
	if closed {
		return true
	}
	right, bounded := ip.rightBound(t)
	if !bounded {
		return false
	}
	if len(msgs) > 0 && msgs[len(msgs)-1].OriginatingTime > right {
		return true
	}
	if ip.window.Right.Inclusive && match.OriginatingTime == right {
		return true
	}
	return false
}

// provenFinalNearest proves finality for `nearest`/`exact`: stop scanning
// once a later message's distance from t exceeds the best seen so far, or
// the stream closed, or the newest seen message already exceeds the window.
func (ip *Interpolator[S]) provenFinalNearest(t clock.Instant, best Point[S], bestDist clock.Instant, msgs []Point[S], lastOT clock.Instant, closed bool) bool {
	if closed {
		return true
	}
	right, bounded := ip.rightBound(t)
	if bounded && len(msgs) > 0 && msgs[len(msgs)-1].OriginatingTime > right {
		return true
	}
	if len(msgs) == 0 {
		return false
	}
	newest := msgs[len(msgs)-1]
	if newest.OriginatingTime <= best.OriginatingTime {
		return false
	}
	return abs(newest.OriginatingTime-t) > bestDist
}

func abs(i clock.Instant) clock.Instant {
	if i < 0 {
		return -i
	}
	return i
}

// NextMonotonic applies the monotonic originating-time correction: if
// candidate does not strictly exceed lastEmitted, it is bumped by one tick.
func NextMonotonic(candidate, lastEmitted clock.Instant, hasLast bool) clock.Instant {
	if !hasLast || candidate > lastEmitted {
		return candidate
	}
	return lastEmitted + 1
}
