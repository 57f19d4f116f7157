// Package listener fans peripheral events out to observers.
package listener

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/hrtrack/internal/device"
)

// Registry is a thread-safe set of listeners.
//
// A round delivers to the listeners of a snapshot: NotifyAll takes it when
// it starts, Bind when it is called. A listener added or removed after the
// snapshot only participates from the next round.
type Registry struct {
	logger *logrus.Logger

	mu        sync.RWMutex
	listeners []device.Listener
}

func NewRegistry(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{logger: logger}
}

// Subscribe adds l if absent and reports whether it was added. Bringing l up
// to date is the owner's job; see connection.StateMachine.AddListener.
func (r *Registry) Subscribe(l device.Listener) bool {
	if l == nil {
		return false
	}

	r.mu.Lock()
	added := true
	for _, existing := range r.listeners {
		if existing == l {
			added = false
			break
		}
	}
	if added {
		r.listeners = append(r.listeners, l)
	}
	count := len(r.listeners)
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"added":     added,
		"listeners": count,
	}).Debug("Listener subscribed")
	return added
}

// Unsubscribe removes l if present.
func (r *Registry) Unsubscribe(l device.Listener) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.listeners {
		if existing == l {
			// copy so snapshots already handed out stay intact
			next := make([]device.Listener, 0, len(r.listeners)-1)
			next = append(next, r.listeners[:i]...)
			next = append(next, r.listeners[i+1:]...)
			r.listeners = next
			return true
		}
	}
	return false
}

// Snapshot returns the current subscribers.
func (r *Registry) Snapshot() []device.Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]device.Listener, len(r.listeners))
	copy(out, r.listeners)
	return out
}

// NotifyAll calls fn for every listener subscribed when the round starts.
// A panicking listener is logged and does not stop the round.
func (r *Registry) NotifyAll(fn func(l device.Listener)) {
	for _, l := range r.Snapshot() {
		r.deliver(l, fn)
	}
}

// Bind snapshots the listeners now and returns a round delivering fn to
// exactly them, whenever it runs.
func (r *Registry) Bind(fn func(l device.Listener)) func() {
	listeners := r.Snapshot()
	return func() {
		for _, l := range listeners {
			r.deliver(l, fn)
		}
	}
}

// NotifyOne calls fn for l alone, with the same panic isolation as NotifyAll.
func (r *Registry) NotifyOne(l device.Listener, fn func(l device.Listener)) {
	r.deliver(l, fn)
}

func (r *Registry) deliver(l device.Listener, fn func(l device.Listener)) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.WithField("panic", p).Error("Listener panicked during delivery")
		}
	}()
	fn(l)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

// Clear drops every listener.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.listeners = nil
	r.mu.Unlock()
}

// ListenerFuncs adapts closures to device.Listener. Use it by pointer so it
// stays comparable; nil fields are skipped.
type ListenerFuncs struct {
	StateChanged           func(name string, dev device.Device, state device.ConnectionState)
	CapabilitiesDiscovered func(name string, dev device.Device)
	DataAvailable          func(name string, dev device.Device, sample device.Sample)
}

func (f *ListenerFuncs) OnStateChanged(name string, dev device.Device, state device.ConnectionState) {
	if f.StateChanged != nil {
		f.StateChanged(name, dev, state)
	}
}

func (f *ListenerFuncs) OnCapabilitiesDiscovered(name string, dev device.Device) {
	if f.CapabilitiesDiscovered != nil {
		f.CapabilitiesDiscovered(name, dev)
	}
}

func (f *ListenerFuncs) OnDataAvailable(name string, dev device.Device, sample device.Sample) {
	if f.DataAvailable != nil {
		f.DataAvailable(name, dev, sample)
	}
}
