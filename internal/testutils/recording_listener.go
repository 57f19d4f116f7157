package testutils

import (
	"fmt"
	"sync"

	"github.com/srg/hrtrack/internal/device"
)

// EventKind names a listener callback.
type EventKind string

const (
	StateEvent     EventKind = "state"
	DiscoveryEvent EventKind = "discovery"
	DataEvent      EventKind = "data"
)

// ListenerEvent is one captured callback.
type ListenerEvent struct {
	Kind   EventKind
	Name   string
	Device device.Device
	State  device.ConnectionState
	Sample device.Sample
}

func (e ListenerEvent) String() string {
	switch e.Kind {
	case StateEvent:
		return fmt.Sprintf("state %s %s", e.Name, e.State)
	case DataEvent:
		return fmt.Sprintf("data %s %d", e.Name, e.Sample.Value)
	default:
		return fmt.Sprintf("%s %s", e.Kind, e.Name)
	}
}

// RecordingListener captures every callback it receives.
type RecordingListener struct {
	mu     sync.Mutex
	events []ListenerEvent
}

func NewRecordingListener() *RecordingListener {
	return &RecordingListener{}
}

func (r *RecordingListener) add(e ListenerEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *RecordingListener) OnStateChanged(name string, dev device.Device, state device.ConnectionState) {
	r.add(ListenerEvent{Kind: StateEvent, Name: name, Device: dev, State: state})
}

func (r *RecordingListener) OnCapabilitiesDiscovered(name string, dev device.Device) {
	r.add(ListenerEvent{Kind: DiscoveryEvent, Name: name, Device: dev})
}

func (r *RecordingListener) OnDataAvailable(name string, dev device.Device, sample device.Sample) {
	r.add(ListenerEvent{Kind: DataEvent, Name: name, Device: dev, Sample: sample})
}

func (r *RecordingListener) Events() []ListenerEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ListenerEvent(nil), r.events...)
}

// States returns the delivered states in order.
func (r *RecordingListener) States() []device.ConnectionState {
	var states []device.ConnectionState
	for _, e := range r.Events() {
		if e.Kind == StateEvent {
			states = append(states, e.State)
		}
	}
	return states
}

// Values returns the delivered sample values in order.
func (r *RecordingListener) Values() []int {
	var values []int
	for _, e := range r.Events() {
		if e.Kind == DataEvent {
			values = append(values, e.Sample.Value)
		}
	}
	return values
}

// Count returns how many events of kind were delivered.
func (r *RecordingListener) Count(kind EventKind) int {
	n := 0
	for _, e := range r.Events() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Reset forgets everything captured so far.
func (r *RecordingListener) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
