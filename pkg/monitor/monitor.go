// Package monitor wires the connection state machine, the listener registry
// and the history store into one object with an explicit lifecycle.
//
//	m, err := monitor.New(cfg, transport, logger)
//	if err != nil {
//	    return err
//	}
//	defer m.Destroy()
//
//	m.AddListener(myListener)
//	_, err = m.Connect("Polar H10", "AA:BB:CC:DD:EE:FF")
package monitor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/hrtrack/internal/connection"
	"github.com/srg/hrtrack/internal/device"
	"github.com/srg/hrtrack/internal/histogram"
	"github.com/srg/hrtrack/internal/history"
	"github.com/srg/hrtrack/internal/listener"
	"github.com/srg/hrtrack/pkg/config"
)

// HistoryDirName is the record directory inside the data directory.
const HistoryDirName = "history"

// ErrDestroyed is returned by operations on a destroyed monitor.
var ErrDestroyed = errors.New("monitor destroyed")

// Options carries collaborators that are not configuration.
type Options struct {
	// Classifier defaults to the heart-rate zones.
	Classifier histogram.Classifier
	// Storage defaults to a directory under the configured data dir.
	Storage history.RecordStorage
	Clock   func() time.Time
}

// Monitor is the single entry point for connecting a heart-rate peripheral
// and reading its accumulated history.
type Monitor struct {
	logger     *logrus.Logger
	store      *history.Store
	registry   *listener.Registry
	machine    *connection.StateMachine
	memoryPath string
	now        func() time.Time

	mu        sync.Mutex
	destroyed bool
}

// New loads the history, ensures the current bucket exists and starts autosave.
// transport may be nil, in which case every connect fails with device.ErrNotInitialized.
func New(cfg *config.Config, transport device.Transport, logger *logrus.Logger) (*Monitor, error) {
	return NewWithOptions(cfg, transport, Options{}, logger)
}

func NewWithOptions(cfg *config.Config, transport device.Transport, opts Options, logger *logrus.Logger) (*Monitor, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = cfg.NewLogger()
	}
	if opts.Classifier == nil {
		opts.Classifier = histogram.HeartRateZones()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	dataDir, err := cfg.ResolvedDataDir()
	if err != nil {
		return nil, err
	}
	if opts.Storage == nil {
		storage, err := history.NewDirStorage(filepath.Join(dataDir, HistoryDirName))
		if err != nil {
			return nil, fmt.Errorf("failed to open history: %w", err)
		}
		opts.Storage = storage
	}

	store, err := history.NewStore(opts.Classifier, opts.Storage, history.Options{
		Period:       cfg.Period(),
		Retention:    cfg.History.Retention,
		SaveInterval: cfg.History.SaveInterval,
		Clock:        opts.Clock,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	store.EnsureCurrent()
	store.StartAutosave(context.Background())

	registry := listener.NewRegistry(logger)
	machine := connection.NewStateMachine(transport, registry, store, connection.Options{
		RequiredCapability: cfg.Connection.RequiredCapability,
		ConnectTimeout:     cfg.Connection.ConnectTimeout,
		Clock:              opts.Clock,
	}, logger)

	logger.WithFields(logrus.Fields{
		"data_dir": dataDir,
		"period":   cfg.Period(),
		"buckets":  len(store.PeriodKeys()),
	}).Debug("Monitor created")

	return &Monitor{
		logger:     logger,
		store:      store,
		registry:   registry,
		machine:    machine,
		memoryPath: filepath.Join(dataDir, MemoryFileName),
		now:        opts.Clock,
	}, nil
}

func (m *Monitor) isDestroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}

// Connect remembers the device and starts connecting to it. For the device
// that is already connected the memory is left alone and the state machine
// only re-emits the current state.
func (m *Monitor) Connect(name, address string) (device.Device, error) {
	if m.isDestroyed() {
		return device.Device{}, ErrDestroyed
	}

	current := m.machine.CurrentDevice()
	if m.machine.CurrentState() == device.Connected && current.SameAddress(address) {
		m.logger.WithField("device", current.DisplayName()).Debug("Already connected")
	} else if address != "" {
		mem := DeviceMemory{Device: device.Device{Name: name, Address: address}, RequestedAt: m.now()}
		if err := SaveDeviceMemory(m.memoryPath, mem); err != nil {
			m.logger.WithError(err).Warn("Failed to remember device")
		}
	}
	return m.machine.Connect(name, address)
}

// ConnectLast connects to the remembered device.
func (m *Monitor) ConnectLast() (device.Device, error) {
	mem, err := m.LastDevice()
	if err != nil {
		return device.Device{}, err
	}
	return m.Connect(mem.Device.Name, mem.Device.Address)
}

// LastDevice returns the remembered device.
func (m *Monitor) LastDevice() (DeviceMemory, error) {
	return LoadDeviceMemory(m.memoryPath)
}

func (m *Monitor) Disconnect() error {
	return m.machine.Disconnect()
}

func (m *Monitor) CurrentState() device.ConnectionState {
	return m.machine.CurrentState()
}

func (m *Monitor) CurrentDevice() device.Device {
	return m.machine.CurrentDevice()
}

// AddListener subscribes l and queues the current state, and the last
// sample while connected, for it alone.
func (m *Monitor) AddListener(l device.Listener) bool {
	return m.machine.AddListener(l)
}

func (m *Monitor) RemoveListener(l device.Listener) bool {
	return m.machine.RemoveListener(l)
}

// History returns the bucket for a period key.
func (m *Monitor) History(key string) (*history.Bucket, bool) {
	return m.store.Bucket(key)
}

// PeriodKeys lists the known buckets, oldest first.
func (m *Monitor) PeriodKeys() []string {
	return m.store.PeriodKeys()
}

// RecentValues returns the current bucket's recent samples, oldest first.
func (m *Monitor) RecentValues() []int {
	return m.store.RecentValues()
}

// LastSample returns the most recent decoded sample of this process.
func (m *Monitor) LastSample() (device.Sample, bool) {
	return m.machine.LastSample()
}

func (m *Monitor) Classifier() histogram.Classifier {
	return m.store.Classifier()
}

func (m *Monitor) Period() history.Period {
	return m.store.Period()
}

// Sync waits for queued listener deliveries.
func (m *Monitor) Sync() {
	m.machine.Sync()
}

// CloseStore flushes and releases the history. Later samples are dropped.
func (m *Monitor) CloseStore() {
	m.store.Close()
}

// Destroy drops all listeners, disconnects and closes the store.
// It is safe to call more than once.
func (m *Monitor) Destroy() error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil
	}
	m.destroyed = true
	m.mu.Unlock()

	m.registry.Clear()
	err := m.machine.Close()
	m.CloseStore()
	m.logger.Debug("Monitor destroyed")
	return err
}
