package main

import (
	"fmt"
	"io"
	"sync"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter shows a single status line with a countdown, or the elapsed
// time when no duration is known. It is single-use: Start once, Stop once or more.
type ProgressPrinter struct {
	w        io.Writer
	prefix   string
	duration time.Duration

	mu      sync.Mutex
	phase   string
	stop    chan struct{}
	done    chan struct{}
	stopped bool
}

func NewProgressPrinter(w io.Writer, prefix, phase string, duration time.Duration) *ProgressPrinter {
	return &ProgressPrinter{w: w, prefix: prefix, phase: phase, duration: duration}
}

// Start begins updating the line in a background goroutine.
func (p *ProgressPrinter) Start() {
	p.mu.Lock()
	if p.stop != nil {
		p.mu.Unlock()
		panic("ProgressPrinter.Start called more than once")
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	p.mu.Unlock()

	start := time.Now()
	p.print(p.currentPhase(), 0)

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.print(p.currentPhase(), p.seconds(time.Since(start)))
			}
		}
	}()
}

func (p *ProgressPrinter) seconds(elapsed time.Duration) int {
	if p.duration <= 0 {
		return int(elapsed.Seconds())
	}
	remaining := p.duration - elapsed
	if remaining <= 0 {
		return 0
	}
	// round to the nearest second
	return int(remaining.Seconds() + 0.5)
}

func (p *ProgressPrinter) print(phase string, seconds int) {
	if seconds > 0 {
		fmt.Fprintf(p.w, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
	} else {
		fmt.Fprintf(p.w, "\r%s (%s...)   ", p.prefix, phase)
	}
}

func (p *ProgressPrinter) currentPhase() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// SetPhase changes the label shown next to the counter.
func (p *ProgressPrinter) SetPhase(phase string) {
	p.mu.Lock()
	p.phase = phase
	p.mu.Unlock()
}

// Stop ends the updates and clears the line.
func (p *ProgressPrinter) Stop() {
	p.mu.Lock()
	if p.stop == nil || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stop)
	p.mu.Unlock()

	<-p.done
	fmt.Fprint(p.w, clearLineSequence)
}
