package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/srg/hrtrack/internal/device"
	"github.com/srg/hrtrack/internal/histogram"
)

// liveView prints connection progress and samples as they arrive.
// On a terminal each sample overwrites the previous one in place.
type liveView struct {
	out        io.Writer
	classifier histogram.Classifier
	inPlace    bool
	opts       renderOptions

	mu         sync.Mutex
	started    bool
	connected  bool
	discovered bool
	lineOpen   bool
	samples    int
	ended      chan struct{}
	endOnce    sync.Once
}

func newLiveView(out io.Writer, classifier histogram.Classifier, inPlace bool, opts renderOptions) *liveView {
	return &liveView{
		out:        out,
		classifier: classifier,
		inPlace:    inPlace,
		opts:       opts,
		ended:      make(chan struct{}),
	}
}

// Ended is closed once a started connection is back to Disconnected.
func (v *liveView) Ended() <-chan struct{} {
	return v.ended
}

// Outcome explains why the session ended; nil while it has not.
func (v *liveView) Outcome() error {
	select {
	case <-v.ended:
	default:
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	switch {
	case !v.connected:
		return fmt.Errorf("could not connect: %w", device.ErrTimeout)
	case !v.discovered:
		return ErrUnsupportedDevice
	default:
		return ErrConnectionLost
	}
}

// Samples returns how many samples were shown.
func (v *liveView) Samples() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.samples
}

func (v *liveView) statusLocked(format string, args ...any) {
	if v.lineOpen {
		fmt.Fprintln(v.out)
		v.lineOpen = false
	}
	fmt.Fprintf(v.out, format+"\n", args...)
}

func (v *liveView) OnStateChanged(name string, dev device.Device, state device.ConnectionState) {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch state {
	case device.Connecting:
		if !v.started {
			v.started = true
			v.statusLocked("Connecting to %s...", name)
		}
	case device.Connected:
		if !v.connected {
			v.connected = true
			v.statusLocked("Connected to %s (%s)", name, dev.Address)
		}
	case device.Disconnecting:
		if v.started {
			v.statusLocked("Disconnecting from %s...", name)
		}
	case device.Disconnected:
		// the replay on subscribe reports Disconnected before anything started
		if v.started {
			v.statusLocked("Disconnected from %s", name)
			v.endOnce.Do(func() { close(v.ended) })
		}
	}
}

func (v *liveView) OnCapabilitiesDiscovered(name string, _ device.Device) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.discovered {
		v.discovered = true
		v.statusLocked("Receiving heart-rate measurements from %s", name)
	}
}

func (v *liveView) OnDataAvailable(_ string, _ device.Device, sample device.Sample) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.samples++

	idx := v.classifier.BinIndex(sample.Value)
	zone := zoneColor(v.classifier.BinColor(idx), v.opts).Sprintf("%-10s", v.classifier.BinName(idx))
	line := fmt.Sprintf("%s  %3d bpm  %s", sample.At.Format(time.TimeOnly), sample.Value, zone)
	if len(sample.RR) > 0 {
		rr := make([]string, len(sample.RR))
		for i, d := range sample.RR {
			rr[i] = fmt.Sprintf("%d", d.Milliseconds())
		}
		line += "  RR " + strings.Join(rr, "/") + " ms"
	}

	if v.inPlace {
		fmt.Fprint(v.out, clearLineSequence+line)
		v.lineOpen = true
		return
	}
	fmt.Fprintln(v.out, line)
}
