// ABOUTME: Per-(user, calendar) run coordination for sync work
// ABOUTME: Shares in-flight pulls, queues one follow-up, and serializes exclusive work
package sync

import (
	"context"
	"errors"
	gosync "sync"
)

// errRunPanicked is the outcome waiters see when a run panics.
var errRunPanicked = errors.New("sync run panicked")

type flightKey struct {
	userID     string
	calendarID string
}

type runFunc func() (*Result, error)

type flight struct {
	done      chan struct{}
	result    *Result
	err       error
	waiters   int
	followUp  runFunc
	exclusive bool
}

// flightGroup guarantees at most one run per key at a time.
type flightGroup struct {
	mu      gosync.Mutex
	flights map[flightKey]*flight
}

func newFlightGroup() *flightGroup {
	return &flightGroup{flights: make(map[flightKey]*flight)}
}

// begin registers a new flight for key. Callers hold g.mu.
func (g *flightGroup) begin(key flightKey) *flight {
	f := &flight{done: make(chan struct{})}
	g.flights[key] = f
	return f
}

func (g *flightGroup) run(key flightKey, f *flight, fn runFunc) {
	completed := false
	defer func() {
		if !completed {
			f.result, f.err = nil, errRunPanicked
		}

		g.mu.Lock()
		delete(g.flights, key)
		if next := f.followUp; next != nil {
			nf := g.begin(key)
			go g.run(key, nf, next)
		}
		g.mu.Unlock()

		close(f.done)
	}()

	f.result, f.err = fn()
	completed = true
}

// Do runs fn for key, or waits for the run already in flight and shares its
// outcome. shared reports whether the result came from another caller's run.
// An exclusive flight with nothing to share is waited out, then fn runs.
func (g *flightGroup) Do(ctx context.Context, key flightKey, fn runFunc) (result *Result, shared bool, err error) {
	for {
		g.mu.Lock()
		f, ok := g.flights[key]
		if !ok {
			f = g.begin(key)
			g.mu.Unlock()
			g.run(key, f, fn)
			return f.result, false, f.err
		}
		f.waiters++
		g.mu.Unlock()

		select {
		case <-f.done:
		case <-ctx.Done():
			return nil, !f.exclusive, ctx.Err()
		}
		if !f.exclusive || f.result != nil {
			return f.result, true, f.err
		}
	}
}

// Trigger starts fn in the background. If a run for key is in flight, fn is
// queued to start right after it; repeated triggers collapse into that one
// follow-up.
func (g *flightGroup) Trigger(key flightKey, fn runFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if f, ok := g.flights[key]; ok {
		f.followUp = fn
		return
	}
	f := g.begin(key)
	go g.run(key, f, fn)
}

// Exclusive waits until no run is in flight for key, then runs fn as the
// key's flight. Concurrent Do callers share fn's result only when it is
// non-nil; otherwise they run their own pull afterwards.
func (g *flightGroup) Exclusive(ctx context.Context, key flightKey, fn runFunc) (*Result, error) {
	for {
		g.mu.Lock()
		f, ok := g.flights[key]
		if !ok {
			f = g.begin(key)
			f.exclusive = true
			g.mu.Unlock()
			g.run(key, f, fn)
			return f.result, f.err
		}
		g.mu.Unlock()

		select {
		case <-f.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// waiting reports how many callers are blocked on key's current flight.
func (g *flightGroup) waiting(key flightKey) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if f, ok := g.flights[key]; ok {
		return f.waiters
	}
	return 0
}

// inFlight reports whether key has a run in progress.
func (g *flightGroup) inFlight(key flightKey) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.flights[key]
	return ok
}
