package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/hrtrack/internal/device"
)

// DeviceFactory creates the host radio (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test overrides
var DeviceFactory = newHostDevice

// Radio is the part of a ble.Device the transport uses.
type Radio interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	Dial(ctx context.Context, a ble.Addr) (ble.Client, error)
	Stop() error
}

// gattClient is the part of a ble.Client a peripheral uses.
type gattClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
	Disconnected() <-chan struct{}
}

type dialFunc func(ctx context.Context, address string) (gattClient, error)

// Transport implements device.Transport on top of a go-ble radio.
type Transport struct {
	logger  *logrus.Logger
	radio   Radio
	initErr error
	dial    dialFunc

	// discoveries holds the latest advertisement per lower-cased address
	discoveries *hashmap.Map[string, Discovery]

	scanning atomic.Bool
	stopOnce sync.Once
}

// NewTransport opens the host radio through DeviceFactory.
// A radio that cannot be opened leaves the transport uninitialized rather than failing.
func NewTransport(logger *logrus.Logger) *Transport {
	dev, err := DeviceFactory()
	if err != nil {
		err = NormalizeError(err)
		logger.WithError(err).Warn("Bluetooth radio is not available")
		t := newTransport(nil, logger)
		t.initErr = err
		return t
	}
	return NewTransportWithRadio(dev, logger)
}

// NewTransportWithRadio builds a transport over an already opened radio.
func NewTransportWithRadio(radio Radio, logger *logrus.Logger) *Transport {
	return newTransport(radio, logger)
}

func newTransport(radio Radio, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	t := &Transport{
		logger:      logger,
		radio:       radio,
		discoveries: hashmap.New[string, Discovery](),
	}
	if radio != nil {
		t.dial = func(ctx context.Context, address string) (gattClient, error) {
			client, err := radio.Dial(ctx, ble.NewAddr(address))
			if err != nil {
				return nil, err
			}
			return client, nil
		}
	}
	return t
}

// Initialized reports whether the radio was opened.
func (t *Transport) Initialized() bool {
	return t.radio != nil
}

// InitError returns why the radio could not be opened, if it could not.
func (t *Transport) InitError() error {
	return t.initErr
}

// Lookup returns the device record last advertised under address.
func (t *Transport) Lookup(address string) (device.Device, bool) {
	d, ok := t.discoveries.Get(addressKey(address))
	if !ok {
		return device.Device{}, false
	}
	return d.Device, true
}

// Remote returns a new, unconnected handle for address.
func (t *Transport) Remote(address string) (device.Peripheral, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, fmt.Errorf("%w: empty address", device.ErrInvalidAddress)
	}
	if !t.Initialized() {
		if t.initErr != nil {
			return nil, t.initErr
		}
		return nil, device.ErrNotInitialized
	}

	dev, ok := t.Lookup(address)
	if !ok {
		dev = device.Device{Address: address}
	}
	return newPeripheral(t, dev), nil
}

// Stop releases the radio. It is safe to call more than once.
func (t *Transport) Stop() error {
	if t.radio == nil {
		return nil
	}
	var err error
	t.stopOnce.Do(func() {
		err = NormalizeError(t.radio.Stop())
	})
	return err
}

func addressKey(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
