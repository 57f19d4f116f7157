package goble

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/hrtrack/internal/device"
	"github.com/srg/hrtrack/internal/heartrate"
)

// ScanOptions configures a discovery scan.
type ScanOptions struct {
	Duration        time.Duration `default:"10s"`
	DuplicateFilter bool
	// ServiceUUIDs keeps only advertisers of at least one of these services.
	ServiceUUIDs []string
	AllowList    []string
	BlockList    []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	opts := &ScanOptions{DuplicateFilter: true}
	defaults.SetDefaults(opts)
	return opts
}

// Discovery is what the latest advertisement of a device told us.
type Discovery struct {
	Device      device.Device
	RSSI        int
	Connectable bool
	Services    []string
	LastSeen    time.Time
}

// HeartRate reports whether the device advertises the Heart Rate service.
func (d Discovery) HeartRate() bool {
	for _, s := range d.Services {
		if device.SameUUID(s, heartrate.ServiceUUID) {
			return true
		}
	}
	return false
}

// advertisement is the part of a ble.Advertisement used to build a Discovery.
type advertisement interface {
	LocalName() string
	Addr() ble.Addr
	RSSI() int
	Services() []ble.UUID
	Connectable() bool
}

// Scan listens for advertisements until ctx is done or opts.Duration elapses,
// recording each accepted one so that Lookup and Remote can resolve names.
// handler, if not nil, is called for every accepted advertisement.
func (t *Transport) Scan(ctx context.Context, opts *ScanOptions, handler func(Discovery)) error {
	if !t.Initialized() {
		if t.initErr != nil {
			return t.initErr
		}
		return device.ErrNotInitialized
	}
	if opts == nil {
		opts = DefaultScanOptions()
	}
	if !t.scanning.CompareAndSwap(false, true) {
		return fmt.Errorf("scanner is already running")
	}
	defer t.scanning.Store(false)

	scanCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	t.logger.Info("Starting BLE scan...")
	err := t.radio.Scan(scanCtx, !opts.DuplicateFilter, func(adv ble.Advertisement) {
		if !accept(adv, opts) {
			return
		}
		d := t.observe(adv)
		if handler != nil {
			handler(d)
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("scan failed: %w", NormalizeError(err))
	}

	t.logger.WithField("device_count", t.discoveries.Len()).Info("BLE scan completed")
	return nil
}

// observe merges an advertisement into the registry. A name is never
// replaced by an empty one.
func (t *Transport) observe(adv advertisement) Discovery {
	address := adv.Addr().String()
	key := addressKey(address)

	d := Discovery{
		Device:      device.Device{Name: strings.TrimSpace(adv.LocalName()), Address: address},
		RSSI:        adv.RSSI(),
		Connectable: adv.Connectable(),
		LastSeen:    time.Now(),
	}
	for _, s := range adv.Services() {
		d.Services = append(d.Services, device.NormalizeUUID(s.String()))
	}

	prev, known := t.discoveries.Get(key)
	if known {
		if d.Device.Name == "" {
			d.Device.Name = prev.Device.Name
		}
		if len(d.Services) == 0 {
			d.Services = prev.Services
		}
	}
	t.discoveries.Set(key, d)

	fields := logrus.Fields{"device": d.Device.DisplayName(), "address": address, "rssi": d.RSSI}
	if known {
		t.logger.WithFields(fields).Debug("Updated device")
	} else {
		t.logger.WithFields(fields).Info("Discovered new device")
	}
	return d
}

func accept(adv advertisement, opts *ScanOptions) bool {
	addr := adv.Addr().String()

	for _, blocked := range opts.BlockList {
		if strings.EqualFold(addr, blocked) {
			return false
		}
	}

	if len(opts.AllowList) > 0 {
		allowed := false
		for _, a := range opts.AllowList {
			if strings.EqualFold(addr, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(opts.ServiceUUIDs) > 0 {
		for _, required := range opts.ServiceUUIDs {
			for _, advUUID := range adv.Services() {
				if device.SameUUID(required, advUUID.String()) {
					return true
				}
			}
		}
		return false
	}

	return true
}

// Discoveries returns a snapshot of the registry, strongest signal first.
func (t *Transport) Discoveries() []Discovery {
	out := make([]Discovery, 0, t.discoveries.Len())
	t.discoveries.Range(func(_ string, d Discovery) bool {
		out = append(out, d)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		return out[i].Device.Address < out[j].Device.Address
	})
	return out
}

// Forget drops every recorded advertisement.
func (t *Transport) Forget() {
	var keys []string
	t.discoveries.Range(func(k string, _ Discovery) bool {
		keys = append(keys, k)
		return true
	})
	for _, k := range keys {
		t.discoveries.Del(k)
	}
}
