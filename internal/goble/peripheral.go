package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/hrtrack/internal/device"
	"github.com/srg/hrtrack/internal/groutine"
)

// peripheral is a single-use handle: once closed it cannot be reconnected.
type peripheral struct {
	t      *Transport
	dev    device.Device
	logger *logrus.Entry

	mu         sync.Mutex
	events     device.Events
	client     gattClient
	profile    *ble.Profile
	subscribed map[string]*ble.Characteristic
	cancel     context.CancelFunc
	connecting bool
	closed     bool
}

func newPeripheral(t *Transport, dev device.Device) *peripheral {
	return &peripheral{
		t:          t,
		dev:        dev,
		logger:     t.logger.WithField("address", dev.Address),
		subscribed: make(map[string]*ble.Characteristic),
	}
}

func (p *peripheral) Device() device.Device {
	if dev, ok := p.t.Lookup(p.dev.Address); ok {
		return dev
	}
	return p.dev
}

// Connect starts dialing in the background. LinkUp is reported once the
// dial completes and LinkDown when it fails or the link is later lost.
func (p *peripheral) Connect(ctx context.Context, events device.Events) error {
	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return fmt.Errorf("%w: handle is closed", device.ErrNotConnected)
	case p.connecting || p.client != nil:
		p.mu.Unlock()
		return device.ErrAlreadyConnected
	}
	linkCtx, cancel := context.WithCancel(ctx)
	p.events = events
	p.cancel = cancel
	p.connecting = true
	p.mu.Unlock()

	groutine.Go(linkCtx, "ble-dial-"+p.dev.Address, func(ctx context.Context) {
		p.logger.Debug("Dialing peripheral...")
		client, err := p.t.dial(ctx, p.dev.Address)

		p.mu.Lock()
		p.connecting = false
		if p.closed {
			p.mu.Unlock()
			if err == nil {
				_ = client.CancelConnection()
			}
			return
		}
		if err != nil {
			p.mu.Unlock()
			p.logger.WithError(NormalizeError(err)).Info("Dial failed")
			events.OnLinkStateChanged(p.Device(), device.LinkDown)
			return
		}
		p.client = client
		p.mu.Unlock()

		p.logger.Info("Link established")
		events.OnLinkStateChanged(p.Device(), device.LinkUp)
		p.monitor(ctx, client, events)
	})
	return nil
}

func (p *peripheral) monitor(ctx context.Context, client gattClient, events device.Events) {
	groutine.Go(ctx, "ble-link-monitor-"+p.dev.Address, func(ctx context.Context) {
		select {
		case <-client.Disconnected():
			p.mu.Lock()
			lost := p.client == client
			p.client = nil
			p.profile = nil
			p.subscribed = make(map[string]*ble.Characteristic)
			p.mu.Unlock()

			if lost {
				p.logger.Info("Link lost")
				events.OnLinkStateChanged(p.Device(), device.LinkDown)
			}
		case <-ctx.Done():
		}
	})
}

// DiscoverCapabilities walks the GATT profile in the background and reports
// every characteristic through OnCapabilitiesDiscovered.
func (p *peripheral) DiscoverCapabilities() error {
	p.mu.Lock()
	client, events := p.client, p.events
	p.mu.Unlock()
	if client == nil {
		return device.ErrNotConnected
	}

	groutine.Go(context.Background(), "ble-discovery-"+p.dev.Address, func(_ context.Context) {
		profile, err := client.DiscoverProfile(true)
		if err != nil {
			events.OnCapabilitiesDiscovered(p.Device(), nil, NormalizeError(err))
			return
		}

		p.mu.Lock()
		current := p.client == client
		if current {
			p.profile = profile
		}
		p.mu.Unlock()
		if !current {
			return
		}
		events.OnCapabilitiesDiscovered(p.Device(), capabilities(profile), nil)
	})
	return nil
}

func capabilities(profile *ble.Profile) []device.Capability {
	if profile == nil {
		return nil
	}
	var caps []device.Capability
	for _, svc := range profile.Services {
		svcUUID := device.NormalizeUUID(svc.UUID.String())
		for _, char := range svc.Characteristics {
			caps = append(caps, device.Capability{
				ServiceUUID: svcUUID,
				UUID:        device.NormalizeUUID(char.UUID.String()),
				Notify:      char.Property&(ble.CharNotify|ble.CharIndicate) != 0,
			})
		}
	}
	return caps
}

func findCharacteristic(profile *ble.Profile, uuid string) *ble.Characteristic {
	if profile == nil {
		return nil
	}
	for _, svc := range profile.Services {
		for _, char := range svc.Characteristics {
			if device.SameUUID(char.UUID.String(), uuid) {
				return char
			}
		}
	}
	return nil
}

// indicateOnly reports whether the characteristic must be subscribed with indications.
func indicateOnly(char *ble.Characteristic) bool {
	return char.Property&ble.CharNotify == 0 && char.Property&ble.CharIndicate != 0
}

func (p *peripheral) Subscribe(attributeID string) error {
	p.mu.Lock()
	client, events, profile := p.client, p.events, p.profile
	p.mu.Unlock()
	if client == nil {
		return device.ErrNotConnected
	}

	char := findCharacteristic(profile, attributeID)
	if char == nil {
		return fmt.Errorf("characteristic %s not found", attributeID)
	}
	if char.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		return fmt.Errorf("characteristic %s does not support notifications", attributeID)
	}

	attr := device.NormalizeUUID(char.UUID.String())
	flags := int(char.Property)
	err := client.Subscribe(char, indicateOnly(char), func(data []byte) {
		buf := make([]byte, len(data))
		copy(buf, data)
		events.OnAttributeValueChanged(p.Device(), attr, buf, flags)
	})
	if err != nil {
		return NormalizeError(err)
	}

	p.mu.Lock()
	p.subscribed[attr] = char
	p.mu.Unlock()
	p.logger.WithField("characteristic", attr).Debug("Subscribed")
	return nil
}

func (p *peripheral) Unsubscribe(attributeID string) error {
	attr := device.NormalizeUUID(attributeID)

	p.mu.Lock()
	client := p.client
	char, ok := p.subscribed[attr]
	delete(p.subscribed, attr)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	if client == nil {
		return device.ErrNotConnected
	}
	return NormalizeError(client.Unsubscribe(char, indicateOnly(char)))
}

// Close cancels a pending dial or drops the established link.
func (p *peripheral) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	client, cancel := p.client, p.cancel
	p.client = nil
	p.profile = nil
	p.subscribed = make(map[string]*ble.Characteristic)
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if client == nil {
		return nil
	}
	p.logger.Debug("Cancelling connection...")
	return NormalizeError(client.CancelConnection())
}
