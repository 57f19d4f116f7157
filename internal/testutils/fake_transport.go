package testutils

import (
	"context"
	"strings"
	"sync"

	"github.com/srg/hrtrack/internal/device"
)

// FakeTransport is an in-memory device.Transport. Peripherals are created on
// demand by Remote and can be scripted before or after a connect call.
type FakeTransport struct {
	mu          sync.Mutex
	ready       bool
	records     map[string]device.Device
	peripherals map[string]*FakePeripheral
	remoteErr   error
	remoteCalls int
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		ready:       true,
		records:     make(map[string]device.Device),
		peripherals: make(map[string]*FakePeripheral),
	}
}

func key(address string) string {
	return strings.ToUpper(address)
}

func (t *FakeTransport) SetReady(ready bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ready = ready
}

func (t *FakeTransport) SetRemoteError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remoteErr = err
}

// Advertise makes dev the authoritative record for its address.
func (t *FakeTransport) Advertise(dev device.Device) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[key(dev.Address)] = dev
}

func (t *FakeTransport) Initialized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

func (t *FakeTransport) Lookup(address string) (device.Device, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	dev, ok := t.records[key(address)]
	return dev, ok
}

func (t *FakeTransport) Remote(address string) (device.Peripheral, error) {
	p, err := t.remote(address)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (t *FakeTransport) remote(address string) (*FakePeripheral, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remoteCalls++
	if t.remoteErr != nil {
		return nil, t.remoteErr
	}
	p, ok := t.peripherals[key(address)]
	if !ok {
		dev, known := t.records[key(address)]
		if !known {
			dev = device.Device{Address: address}
		}
		p = NewFakePeripheral(dev)
		t.peripherals[key(address)] = p
	}
	return p, nil
}

// Peripheral returns the handle for address, creating it so it can be scripted up front.
func (t *FakeTransport) Peripheral(address string) *FakePeripheral {
	t.mu.Lock()
	p, ok := t.peripherals[key(address)]
	t.mu.Unlock()
	if ok {
		return p
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	dev, known := t.records[key(address)]
	if !known {
		dev = device.Device{Address: address}
	}
	p = NewFakePeripheral(dev)
	t.peripherals[key(address)] = p
	return p
}

// ConnectCalls sums connect calls over every peripheral.
func (t *FakeTransport) ConnectCalls() int {
	t.mu.Lock()
	ps := make([]*FakePeripheral, 0, len(t.peripherals))
	for _, p := range t.peripherals {
		ps = append(ps, p)
	}
	t.mu.Unlock()

	total := 0
	for _, p := range ps {
		total += p.ConnectCalls()
	}
	return total
}

// FakePeripheral records every call and replays scripted transport events.
// With AutoLinkUp and AutoDiscover set, a connect runs the whole happy path
// synchronously on the calling goroutine.
type FakePeripheral struct {
	mu  sync.Mutex
	dev device.Device

	autoLinkUp    bool
	autoDiscover  bool
	echoClose     bool
	capabilities  []device.Capability
	discoverErr   error
	connectErr    error
	subscribeErr  error
	events        device.Events
	connectCalls  int
	discoverCalls int
	closeCalls    int
	subscribed    []string
	unsubscribed  []string
}

func NewFakePeripheral(dev device.Device) *FakePeripheral {
	return &FakePeripheral{dev: dev, echoClose: true}
}

// WithHeartRate scripts a supported peripheral that links up and is discovered on connect.
func (p *FakePeripheral) WithHeartRate() *FakePeripheral {
	return p.WithAutoConnect(device.Capability{ServiceUUID: "180d", UUID: "2a37", Notify: true})
}

// WithAutoConnect scripts link up and discovery of caps on connect.
func (p *FakePeripheral) WithAutoConnect(caps ...device.Capability) *FakePeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.autoLinkUp = true
	p.autoDiscover = true
	p.capabilities = caps
	return p
}

func (p *FakePeripheral) WithConnectError(err error) *FakePeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectErr = err
	return p
}

func (p *FakePeripheral) WithDiscoverError(err error) *FakePeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discoverErr = err
	return p
}

func (p *FakePeripheral) WithSubscribeError(err error) *FakePeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribeErr = err
	return p
}

// WithEchoClose controls whether Close replies with a late link down event.
func (p *FakePeripheral) WithEchoClose(echo bool) *FakePeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.echoClose = echo
	return p
}

func (p *FakePeripheral) Device() device.Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dev
}

func (p *FakePeripheral) Connect(_ context.Context, events device.Events) error {
	p.mu.Lock()
	p.connectCalls++
	if p.connectErr != nil {
		err := p.connectErr
		p.mu.Unlock()
		return err
	}
	p.events = events
	auto := p.autoLinkUp
	p.mu.Unlock()

	if auto {
		p.LinkUp()
	}
	return nil
}

func (p *FakePeripheral) DiscoverCapabilities() error {
	p.mu.Lock()
	p.discoverCalls++
	auto, err, caps := p.autoDiscover, p.discoverErr, p.capabilities
	p.mu.Unlock()

	if auto {
		p.Discovered(caps, err)
	}
	return nil
}

func (p *FakePeripheral) Subscribe(attributeID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subscribeErr != nil {
		return p.subscribeErr
	}
	p.subscribed = append(p.subscribed, attributeID)
	return nil
}

func (p *FakePeripheral) Unsubscribe(attributeID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unsubscribed = append(p.unsubscribed, attributeID)
	return nil
}

func (p *FakePeripheral) Close() error {
	p.mu.Lock()
	p.closeCalls++
	echo := p.echoClose
	p.mu.Unlock()

	if echo {
		p.LinkDown()
	}
	return nil
}

func (p *FakePeripheral) currentEvents() (device.Events, device.Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events, p.dev
}

// LinkUp reports the link as established to the last connect caller.
func (p *FakePeripheral) LinkUp() {
	p.Link(device.LinkUp)
}

// LinkDown reports the link as lost to the last connect caller.
func (p *FakePeripheral) LinkDown() {
	p.Link(device.LinkDown)
}

func (p *FakePeripheral) Link(state device.LinkState) {
	if ev, dev := p.currentEvents(); ev != nil {
		ev.OnLinkStateChanged(dev, state)
	}
}

func (p *FakePeripheral) Discovered(caps []device.Capability, err error) {
	if ev, dev := p.currentEvents(); ev != nil {
		ev.OnCapabilitiesDiscovered(dev, caps, err)
	}
}

// Notify delivers an attribute value to the last connect caller.
func (p *FakePeripheral) Notify(attributeID string, data []byte) {
	if ev, dev := p.currentEvents(); ev != nil {
		ev.OnAttributeValueChanged(dev, attributeID, data, 0)
	}
}

// HeartRate notifies a uint8 heart-rate measurement.
func (p *FakePeripheral) HeartRate(bpm uint8) {
	p.Notify("2a37", []byte{0x00, bpm})
}

// Events returns the callback target captured by the last connect.
func (p *FakePeripheral) Events() device.Events {
	ev, _ := p.currentEvents()
	return ev
}

func (p *FakePeripheral) ConnectCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectCalls
}

func (p *FakePeripheral) DiscoverCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.discoverCalls
}

func (p *FakePeripheral) CloseCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCalls
}

func (p *FakePeripheral) Subscribed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.subscribed...)
}

func (p *FakePeripheral) Unsubscribed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.unsubscribed...)
}
