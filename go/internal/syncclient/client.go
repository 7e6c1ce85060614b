// Package syncclient is the client's decision point: how a local trigger
// reaches other participants and which received events are believed.
package syncclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/captimer/go/internal/timer"
)

// ErrStopped is returned by OnLocalTrigger once Run has returned
var ErrStopped = errors.New("sync client stopped")

// Display is the rendering side. All calls come from the client's run
// loop, one at a time.
type Display interface {
	OnTimerStarted(deadline timer.SessionDeadline)
	// OnCountdownTick is called at the tick cadence while a countdown runs,
	// with the time left rounded by the caller as it sees fit
	OnCountdownTick(remaining time.Duration)
	OnCountdownIdle()
}

// Inbound is an event received from a transport.
type Inbound struct {
	Event timer.Event
	Via   Route
	// Snapshot events are already partly elapsed; Remaining is what is left
	Snapshot  bool
	Remaining time.Duration
}

// RelayTransport is the relay side as seen by the client.
type RelayTransport interface {
	Run(ctx context.Context, deliver func(Inbound)) error
	Send(ev timer.Event) error
	Ready() bool
}

// LANSender broadcasts events on the local subnet.
type LANSender interface {
	Broadcast(ev timer.Event) error
}

// Config holds the client's own settings.
type Config struct {
	OriginID     string
	Presets      []int
	TickInterval time.Duration
}

type triggerResult struct {
	event timer.Event
	route Route
}

type triggerRequest struct {
	reply chan triggerResult
}

// Client owns the session deadline. Transports feed it through channels and
// Run applies everything on one goroutine.
type Client struct {
	config   Config
	clock    timer.Clock
	display  Display
	presets  *timer.PresetCycle
	acceptor *Acceptor

	relay     RelayTransport
	lan       LANSender
	lanEvents <-chan timer.Event

	inbound  chan Inbound
	triggers chan triggerRequest
	done     chan struct{}

	// owned by the run loop
	sequence uint64
	idle     bool

	deadline atomic.Pointer[timer.SessionDeadline]
}

// Option configures optional transports.
type Option func(*Client)

// WithRelay sends and receives through the relay when it is ready.
func WithRelay(relay RelayTransport) Option {
	return func(c *Client) {
		c.relay = relay
	}
}

// WithLAN enables LAN mode. events may be nil for a send-only client.
func WithLAN(sender LANSender, events <-chan timer.Event) Option {
	return func(c *Client) {
		c.lan = sender
		c.lanEvents = events
	}
}

// New creates a client. Without options it runs in single-machine mode.
func New(config Config, display Display, clock timer.Clock, opts ...Option) (*Client, error) {
	if config.OriginID == "" {
		return nil, fmt.Errorf("origin id is required")
	}
	presets, err := timer.NewPresetCycle(config.Presets)
	if err != nil {
		return nil, err
	}
	if config.TickInterval <= 0 {
		config.TickInterval = 100 * time.Millisecond
	}
	if clock == nil {
		clock = timer.NewRealClock()
	}

	c := &Client{
		config:   config,
		clock:    clock,
		display:  display,
		presets:  presets,
		acceptor: NewAcceptor(config.OriginID),
		inbound:  make(chan Inbound, 64),
		triggers: make(chan triggerRequest, 8),
		done:     make(chan struct{}),
		idle:     true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Deadline returns the active countdown, if any. Safe from any goroutine.
func (c *Client) Deadline() (timer.SessionDeadline, bool) {
	d := c.deadline.Load()
	if d == nil {
		return timer.SessionDeadline{}, false
	}
	return *d, true
}

// OnHotkeyTriggered requests a local trigger without waiting for it.
func (c *Client) OnHotkeyTriggered() {
	select {
	case c.triggers <- triggerRequest{}:
	default:
		log.Warn().Msg("trigger queue full, ignoring hotkey")
	}
}

// OnLocalTrigger starts the next preset countdown here and sends it to the
// other participants. It waits until the run loop has applied it.
func (c *Client) OnLocalTrigger(ctx context.Context) (timer.Event, error) {
	req := triggerRequest{reply: make(chan triggerResult, 1)}

	select {
	case c.triggers <- req:
	case <-c.done:
		return timer.Event{}, ErrStopped
	case <-ctx.Done():
		return timer.Event{}, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res.event, nil
	case <-c.done:
		return timer.Event{}, ErrStopped
	case <-ctx.Done():
		return timer.Event{}, ctx.Err()
	}
}

// Run drives the client until ctx is cancelled: it starts the transports,
// applies received events and local triggers, and renders the countdown.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.done)

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	if c.relay != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.relay.Run(ctx, c.deliver(ctx)); err != nil {
				log.Error().Err(err).Msg("relay disabled, continuing without it")
			}
		}()
	}

	if c.lanEvents != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.pumpLAN(ctx)
		}()
	}

	ticker := c.clock.NewTicker(c.config.TickInterval)
	defer ticker.Stop()

	c.display.OnCountdownIdle()

	for {
		select {
		case <-ctx.Done():
			return nil
		case in := <-c.inbound:
			c.apply(in)
		case req := <-c.triggers:
			res := c.trigger()
			if req.reply != nil {
				req.reply <- res
			}
		case <-ticker.Chan():
			c.render()
		}
	}
}

func (c *Client) deliver(ctx context.Context) func(Inbound) {
	return func(in Inbound) {
		select {
		case c.inbound <- in:
		case <-ctx.Done():
		}
	}
}

func (c *Client) pumpLAN(ctx context.Context) {
	deliver := c.deliver(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.lanEvents:
			if !ok {
				return
			}
			deliver(Inbound{Event: ev, Via: RouteLAN})
		}
	}
}

func (c *Client) apply(in Inbound) {
	// checked before acceptance so it cannot consume the origin's sequence
	if in.Snapshot && in.Remaining <= 0 {
		log.Debug().Str("event", in.Event.String()).Msg("dropped elapsed snapshot")
		return
	}

	ok, reason := c.acceptor.Accept(in.Event)
	if !ok {
		log.Debug().
			Str("event", in.Event.String()).
			Str("via", in.Via.String()).
			Str("reason", reason.String()).
			Msg("dropped timer event")
		return
	}

	now := c.clock.Now()
	d := timer.NewSessionDeadline(in.Event, now)
	if in.Snapshot {
		d = timer.NewSessionDeadlineRemaining(in.Event, now, in.Remaining)
	}

	log.Info().
		Str("event", in.Event.String()).
		Str("via", in.Via.String()).
		Dur("remaining", d.Remaining(now)).
		Msg("accepted timer event")
	c.install(d, now)
}

func (c *Client) trigger() triggerResult {
	now := c.clock.Now()
	c.sequence++
	ev := timer.NewEvent(c.config.OriginID, c.sequence, c.presets.Advance(), now)

	c.install(timer.NewSessionDeadline(ev, now), now)
	route := c.transmit(ev)

	log.Info().
		Str("event", ev.String()).
		Str("route", route.String()).
		Msg("local trigger")
	return triggerResult{event: ev, route: route}
}

// transmit sends ev by the current route. Failures are logged; the
// countdown already runs locally.
func (c *Client) transmit(ev timer.Event) Route {
	route := SelectRoute(c.relay != nil, c.relay != nil && c.relay.Ready(), c.lan != nil)

	if route == RouteRelay {
		err := c.relay.Send(ev)
		if err == nil {
			return RouteRelay
		}
		log.Warn().Err(err).Str("event", ev.String()).Msg("relay send failed")
		route = SelectRoute(true, false, c.lan != nil)
	}

	if route == RouteLAN {
		if err := c.lan.Broadcast(ev); err != nil {
			log.Warn().Err(err).Str("event", ev.String()).Msg("LAN broadcast failed")
			return RouteLocal
		}
	}
	return route
}

func (c *Client) install(d timer.SessionDeadline, now time.Time) {
	c.deadline.Store(&d)
	c.idle = false
	c.display.OnTimerStarted(d)
	c.display.OnCountdownTick(d.Remaining(now))
}

func (c *Client) render() {
	d := c.deadline.Load()
	if d == nil {
		return
	}

	remaining := d.Remaining(c.clock.Now())
	c.display.OnCountdownTick(remaining)
	if remaining > 0 {
		return
	}

	c.deadline.Store(nil)
	if !c.idle {
		c.idle = true
		c.display.OnCountdownIdle()
	}
}
