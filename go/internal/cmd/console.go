package main

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/captimer/go/internal/timer"
)

// consoleDisplay renders the countdown on a single terminal line.
type consoleDisplay struct {
	mu    sync.Mutex
	out   io.Writer
	shown int // seconds on screen, -1 when blank
}

func newConsoleDisplay(out io.Writer) *consoleDisplay {
	return &consoleDisplay{out: out, shown: -1}
}

func (d *consoleDisplay) OnTimerStarted(deadline timer.SessionDeadline) {
	log.Debug().Str("event", deadline.Event.String()).Msg("countdown started")
}

func (d *consoleDisplay) OnCountdownTick(remaining time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	secs := timer.CeilSeconds(remaining)
	if secs == d.shown {
		return
	}
	d.shown = secs
	fmt.Fprintf(d.out, "\r%4ds ", secs)
}

func (d *consoleDisplay) OnCountdownIdle() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.shown == -1 {
		return
	}
	d.shown = -1
	fmt.Fprint(d.out, "\r      \r")
}

// readHotkeys calls trigger for every line read from in, until EOF.
func readHotkeys(in io.Reader, trigger func()) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		trigger()
	}
	return scanner.Err()
}
