// Package playback drives the timeline step of a loaded simulation.
//
// A Clock is Stopped or Playing. While Playing, one ticker goroutine advances CurrentStep by one
// per interval and stops the clock on reaching MaxStep. Every play run carries a generation
// number; Pause, ScrubTo, Reset and Close bump it, so a tick that was already in flight can
// never move the step after the clock left that run.
package playback

import (
	"sync"
	"time"
)

// DefaultInterval is the tick cadence used when none is configured.
const DefaultInterval = 120 * time.Millisecond

type State struct {
	CurrentStep int  `json:"current_step"`
	MaxStep     int  `json:"max_step"`
	Playing     bool `json:"playing"`
}

// Ticker is the part of *time.Ticker the clock needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

func newTimeTicker(d time.Duration) Ticker { return timeTicker{t: time.NewTicker(d)} }

type Config struct {
	Interval time.Duration
	// NewTicker overrides the ticker source (tests).
	NewTicker func(time.Duration) Ticker
}

type Clock struct {
	interval  time.Duration
	newTicker func(time.Duration) Ticker

	mu     sync.Mutex
	state  State
	gen    uint64
	stop   chan struct{}
	closed bool

	subs    map[uint64]chan State
	nextSub uint64
}

func New(cfg Config) *Clock {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = newTimeTicker
	}
	return &Clock{
		interval:  cfg.Interval,
		newTicker: cfg.NewTicker,
		subs:      map[uint64]chan State{},
	}
}

func (c *Clock) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reset stops playback and rewinds to step 0 for an episode of n steps.
func (c *Clock) Reset(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.haltLocked()
	c.state = State{MaxStep: max(n-1, 0)}
	c.publishLocked()
}

// Play starts ticking. It does nothing when there is no range to animate or when already playing.
func (c *Clock) Play() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state.Playing || c.state.MaxStep == 0 {
		return
	}
	c.gen++
	c.stop = make(chan struct{})
	c.state.Playing = true
	go c.run(c.gen, c.newTicker(c.interval), c.stop)
	c.publishLocked()
}

func (c *Clock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Playing {
		return
	}
	c.haltLocked()
	c.publishLocked()
}

// Toggle pauses a playing clock and plays a stopped one.
func (c *Clock) Toggle() {
	if c.State().Playing {
		c.Pause()
		return
	}
	c.Play()
}

// ScrubTo stops playback and jumps to step clamped into [0, MaxStep].
func (c *Clock) ScrubTo(step int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.haltLocked()
	c.state.CurrentStep = min(max(step, 0), c.state.MaxStep)
	c.publishLocked()
}

// Close stops the clock for good and closes every subscription.
func (c *Clock) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.haltLocked()
	c.closed = true
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
}

// Subscribe returns a channel receiving every state change. Slow readers only lose older
// states. The returned func cancels the subscription.
func (c *Clock) Subscribe() (<-chan State, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan State, 8)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	c.nextSub++
	id := c.nextSub
	c.subs[id] = ch
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			close(sub)
			delete(c.subs, id)
		}
	}
}

func (c *Clock) run(gen uint64, t Ticker, stop <-chan struct{}) {
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C():
			if !c.advance(gen) {
				return
			}
		}
	}
}

// advance applies one tick of run gen and reports whether the run continues.
func (c *Clock) advance(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || !c.state.Playing {
		return false
	}
	c.state.CurrentStep = min(c.state.CurrentStep+1, c.state.MaxStep)
	if c.state.CurrentStep >= c.state.MaxStep {
		c.haltLocked()
	}
	c.publishLocked()
	return c.state.Playing
}

func (c *Clock) haltLocked() {
	c.gen++
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.state.Playing = false
}

func (c *Clock) publishLocked() {
	for _, ch := range c.subs {
		sendLatest(ch, c.state)
	}
}

func sendLatest(ch chan State, s State) {
	select {
	case ch <- s:
		return
	default:
	}
	// Drop one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}
