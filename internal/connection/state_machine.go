package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/hrtrack/internal/device"
	"github.com/srg/hrtrack/internal/heartrate"
	"github.com/srg/hrtrack/internal/listener"
)

// SampleRecorder receives every decoded sample before listeners see it.
type SampleRecorder interface {
	RecordSample(value, weight int)
}

// Options configures a StateMachine.
type Options struct {
	// RequiredCapability is the attribute a peripheral must expose to stay connected.
	RequiredCapability string `default:"2a37"`
	// ConnectTimeout abandons a connect that never links up. Zero waits forever.
	ConnectTimeout time.Duration
	Decoder        Decoder
	Clock          func() time.Time
}

// StateMachine owns the single monitored peripheral and maps transport
// callbacks onto device.ConnectionState transitions.
//
// connect and disconnect requests are serialized by opMu. mu guards the state
// fields. Listener deliveries are queued while mu is held and run later on the
// dispatcher goroutine, so they observe transitions in order and never run
// under a lock.
type StateMachine struct {
	transport device.Transport
	registry  *listener.Registry
	recorder  SampleRecorder
	logger    *logrus.Logger
	opts      Options
	events    *dispatcher

	opMu sync.Mutex

	mu         sync.Mutex
	state      device.ConnectionState
	current    device.Device
	session    *session
	peripheral device.Peripheral
	subscribed string
	lastSample *device.Sample
}

// NewStateMachine creates a state machine in the Disconnected state.
// transport may be nil; connects then fail with device.ErrNotInitialized.
func NewStateMachine(transport device.Transport, registry *listener.Registry, recorder SampleRecorder, opts Options, logger *logrus.Logger) *StateMachine {
	if logger == nil {
		logger = logrus.New()
	}
	if registry == nil {
		registry = listener.NewRegistry(logger)
	}
	defaults.SetDefaults(&opts)
	if opts.Decoder == nil {
		opts.Decoder = HeartRateDecoder
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &StateMachine{
		transport: transport,
		registry:  registry,
		recorder:  recorder,
		logger:    logger,
		opts:      opts,
		events:    newDispatcher("connection-dispatcher"),
		state:     device.Disconnected,
	}
}

// session is one connect attempt. It is the callback target handed to the
// transport; callbacks from a session that is no longer current are dropped.
type session struct {
	id     uuid.UUID
	sm     *StateMachine
	cancel context.CancelFunc
	timer  *time.Timer
}

func (s *session) stop() {
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *session) OnLinkStateChanged(dev device.Device, state device.LinkState) {
	s.sm.handleLinkState(s, dev, state)
}

func (s *session) OnCapabilitiesDiscovered(dev device.Device, caps []device.Capability, err error) {
	s.sm.handleCapabilities(s, dev, caps, err)
}

func (s *session) OnAttributeValueChanged(dev device.Device, attributeID string, data []byte, flags int) {
	s.sm.handleAttributeValue(s, dev, attributeID, data, flags)
}

// Connect starts connecting to address and returns the device being connected.
//
// A call for the device that is already Connected or Connecting is a no-op that
// re-emits the current state. Connecting to another device first tears the
// current link down.
func (sm *StateMachine) Connect(name, address string) (device.Device, error) {
	log := sm.logger.WithFields(logrus.Fields{"name": name, "address": address})

	if address == "" {
		log.Warn("Ignoring connect request without address")
		return device.Device{}, &device.ConnectionError{State: device.InvalidAddress, Msg: "address is empty"}
	}
	if sm.transport == nil || !sm.transport.Initialized() {
		log.Warn("Ignoring connect request, transport is not initialized")
		return device.Device{}, device.ErrNotInitialized
	}

	sm.opMu.Lock()
	defer sm.opMu.Unlock()

	sm.mu.Lock()
	if sm.current.SameAddress(address) && (sm.state == device.Connected || sm.state == device.Connecting) {
		dev, state := sm.current, sm.state
		sm.emitStateLocked(dev, state)
		sm.mu.Unlock()
		log.WithField("state", state).Info("Already connecting or connected to this device")
		return dev, nil
	}
	previous := sm.session
	sm.mu.Unlock()

	if previous != nil {
		log.WithField("previous", sm.CurrentDevice().Address).Info("Switching devices, dropping current link")
		sm.teardown(previous, "switching devices")
	}

	dev := sm.resolve(device.Device{Name: name, Address: address})
	sess := &session{id: uuid.New(), sm: sm}
	log = log.WithField("session", sess.id.String())

	sm.mu.Lock()
	sm.session = sess
	sm.current = dev
	sm.subscribed = ""
	sm.lastSample = nil
	sm.setStateLocked(device.Connecting)
	sm.mu.Unlock()

	peripheral, err := sm.transport.Remote(address)
	if err != nil {
		err = device.NormalizeError(err)
		log.WithError(err).Warn("Transport rejected connect request")
		sm.abort(sess)
		return dev, fmt.Errorf("failed to connect to %s: %w", dev.DisplayName(), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel
	if timeout := sm.opts.ConnectTimeout; timeout > 0 {
		sess.timer = time.AfterFunc(timeout, func() { sm.connectTimedOut(sess, timeout) })
	}

	sm.mu.Lock()
	if sm.session == sess {
		sm.peripheral = peripheral
	}
	sm.mu.Unlock()

	log.Info("Connecting to device")
	if err := peripheral.Connect(ctx, sess); err != nil {
		err = device.NormalizeError(err)
		log.WithError(err).Warn("Transport rejected connect request")
		sm.abort(sess)
		if cerr := peripheral.Close(); cerr != nil {
			log.WithError(cerr).Debug("Failed to release rejected peripheral")
		}
		return dev, fmt.Errorf("failed to connect to %s: %w", dev.DisplayName(), err)
	}
	return dev, nil
}

// abort reverts a failed connect attempt to Disconnected.
func (sm *StateMachine) abort(sess *session) {
	sess.stop()

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.session != sess {
		return
	}
	sm.session = nil
	sm.peripheral = nil
	sm.setStateLocked(device.Disconnected)
}

func (sm *StateMachine) connectTimedOut(sess *session, timeout time.Duration) {
	sm.mu.Lock()
	stuck := sm.session == sess && sm.state == device.Connecting
	sm.mu.Unlock()
	if !stuck {
		return
	}

	sm.logger.WithFields(logrus.Fields{
		"session": sess.id.String(),
		"timeout": timeout,
	}).Warn("Connect timed out")
	sm.teardown(sess, "connect timeout")
}

// Disconnect tears down the current link. It is a no-op when nothing is held.
// The state goes Disconnecting then Disconnected without waiting for the
// transport; its late reply is ignored.
func (sm *StateMachine) Disconnect() error {
	sm.opMu.Lock()
	defer sm.opMu.Unlock()

	sm.mu.Lock()
	sess, state := sm.session, sm.state
	sm.mu.Unlock()

	if sess == nil {
		sm.logger.WithField("state", state).Info("Nothing to disconnect")
		return nil
	}
	sm.teardown(sess, "disconnect requested")
	return nil
}

// teardown detaches sess and releases its peripheral. Only the first caller
// for a session does anything.
func (sm *StateMachine) teardown(sess *session, reason string) {
	sm.mu.Lock()
	if sm.session != sess {
		sm.mu.Unlock()
		return
	}
	peripheral, subscribed, dev := sm.peripheral, sm.subscribed, sm.current
	sm.session = nil
	sm.peripheral = nil
	sm.subscribed = ""
	sm.setStateLocked(device.Disconnecting)
	sm.mu.Unlock()

	log := sm.logger.WithFields(logrus.Fields{
		"address": dev.Address,
		"session": sess.id.String(),
		"reason":  reason,
	})
	log.Info("Disconnecting")

	sess.stop()
	if peripheral != nil {
		if subscribed != "" {
			if err := peripheral.Unsubscribe(subscribed); err != nil {
				log.WithError(err).Debug("Failed to unsubscribe")
			}
		}
		if err := peripheral.Close(); err != nil {
			log.WithError(device.NormalizeError(err)).Warn("Failed to release peripheral")
		}
	}

	sm.mu.Lock()
	sm.setStateLocked(device.Disconnected)
	sm.mu.Unlock()
}

func (sm *StateMachine) handleLinkState(sess *session, dev device.Device, link device.LinkState) {
	sm.mu.Lock()
	if sm.session != sess {
		sm.mu.Unlock()
		sm.logger.WithFields(logrus.Fields{
			"session": sess.id.String(),
			"link":    link.String(),
		}).Debug("Ignoring link event from stale session")
		return
	}
	sm.current = sm.resolveLocked(dev)
	next := link.ConnectionState()

	switch next {
	case device.Connected:
		if sm.state == device.Connected {
			sm.mu.Unlock()
			return
		}
		sm.setStateLocked(device.Connected)
		peripheral, current := sm.peripheral, sm.current
		sm.mu.Unlock()

		if sess.timer != nil {
			sess.timer.Stop()
		}
		log := sm.logger.WithFields(logrus.Fields{"address": current.Address, "session": sess.id.String()})
		log.Info("Connected, discovering capabilities")
		if peripheral == nil {
			return
		}
		if err := peripheral.DiscoverCapabilities(); err != nil {
			log.WithError(err).Warn("Capability discovery failed to start")
		}

	case device.Disconnected:
		peripheral := sm.peripheral
		sm.session = nil
		sm.peripheral = nil
		sm.subscribed = ""
		sm.setStateLocked(device.Disconnected)
		sm.mu.Unlock()

		sess.stop()
		sm.logger.WithFields(logrus.Fields{"address": dev.Address, "session": sess.id.String()}).Info("Link lost")
		if peripheral != nil {
			if err := peripheral.Close(); err != nil {
				sm.logger.WithError(err).Debug("Failed to release peripheral after link loss")
			}
		}

	default:
		if sm.state != next {
			sm.setStateLocked(next)
		}
		sm.mu.Unlock()
	}
}

func (sm *StateMachine) handleCapabilities(sess *session, dev device.Device, caps []device.Capability, err error) {
	sm.mu.Lock()
	if sm.session != sess || sm.state != device.Connected {
		sm.mu.Unlock()
		sm.logger.WithField("session", sess.id.String()).Debug("Ignoring discovery result from stale session")
		return
	}
	sm.current = sm.resolveLocked(dev)
	peripheral, prior, current := sm.peripheral, sm.subscribed, sm.current
	sm.mu.Unlock()

	log := sm.logger.WithFields(logrus.Fields{
		"address": current.Address,
		"session": sess.id.String(),
	})
	if err != nil {
		log.WithError(err).Warn("Capability discovery failed")
		return
	}

	required := sm.opts.RequiredCapability
	capability, ok := device.FindCapability(caps, required)
	if !ok {
		log.WithFields(logrus.Fields{
			"required":     required,
			"capabilities": len(caps),
		}).Warn("Device does not expose the required capability, disconnecting")
		sm.teardown(sess, device.ErrUnsupported.Error())
		return
	}

	if prior != "" {
		if err := peripheral.Unsubscribe(prior); err != nil {
			log.WithError(err).Debug("Failed to drop previous subscription")
		}
	}
	if err := peripheral.Subscribe(capability.UUID); err != nil {
		log.WithError(err).WithField("capability", capability.UUID).Warn("Failed to subscribe, disconnecting")
		sm.teardown(sess, "subscribe failed")
		return
	}

	sm.mu.Lock()
	if sm.session == sess {
		sm.subscribed = capability.UUID
		name := current.DisplayName()
		sm.events.enqueue(sm.registry.Bind(func(l device.Listener) {
			l.OnCapabilitiesDiscovered(name, current)
		}))
	}
	sm.mu.Unlock()
	log.WithField("capability", capability.UUID).Info("Subscribed to measurements")
}

func (sm *StateMachine) handleAttributeValue(sess *session, dev device.Device, attributeID string, data []byte, flags int) {
	sm.mu.Lock()
	if sm.session != sess {
		sm.mu.Unlock()
		return
	}
	subscribed := sm.subscribed
	current := sm.resolveLocked(dev)
	sm.mu.Unlock()

	if subscribed == "" || !device.SameUUID(attributeID, subscribed) {
		sm.logger.WithField("attribute", attributeID).Debug("Ignoring value of unsubscribed attribute")
		return
	}

	sample, err := sm.opts.Decoder(data, sm.opts.Clock())
	if err != nil {
		log := sm.logger.WithError(err).WithFields(logrus.Fields{"attribute": attributeID, "flags": flags})
		if errors.Is(err, heartrate.ErrNoContact) {
			log.Debug("Dropping sample without sensor contact")
		} else {
			log.Warn("Dropping undecodable sample")
		}
		return
	}

	if sm.recorder != nil {
		sm.recorder.RecordSample(sample.Value, 1)
	}

	sm.mu.Lock()
	if sm.session == sess {
		sm.lastSample = &sample
		name := current.DisplayName()
		sm.events.enqueue(sm.registry.Bind(func(l device.Listener) {
			l.OnDataAvailable(name, current, sample)
		}))
	}
	sm.mu.Unlock()
}

// resolve prefers the transport's record, and its advertised name, over the caller's.
func (sm *StateMachine) resolve(dev device.Device) device.Device {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.resolveLocked(dev)
}

func (sm *StateMachine) resolveLocked(dev device.Device) device.Device {
	if dev.Address == "" {
		dev.Address = sm.current.Address
	}
	if sm.transport != nil {
		if known, ok := sm.transport.Lookup(dev.Address); ok {
			if known.Name != "" {
				dev.Name = known.Name
			}
			if known.Address != "" {
				dev.Address = known.Address
			}
		}
	}
	if dev.Name == "" && sm.current.SameAddress(dev.Address) {
		dev.Name = sm.current.Name
	}
	return dev
}

func (sm *StateMachine) setStateLocked(state device.ConnectionState) {
	prev := sm.state
	sm.state = state
	sm.logger.WithFields(logrus.Fields{
		"from":    prev.String(),
		"to":      state.String(),
		"address": sm.current.Address,
	}).Debug("Connection state changed")
	sm.emitStateLocked(sm.current, state)
}

func (sm *StateMachine) emitStateLocked(dev device.Device, state device.ConnectionState) {
	name := dev.DisplayName()
	sm.events.enqueue(sm.registry.Bind(func(l device.Listener) {
		l.OnStateChanged(name, dev, state)
	}))
}

// AddListener subscribes l and queues the current state, and the last sample
// while connected, for l alone. Rounds queued before the call never reach l
// and every later one does, so l sees transitions in order and only once.
// A repeated call replays again without adding l twice.
func (sm *StateMachine) AddListener(l device.Listener) bool {
	if l == nil {
		return false
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	added := sm.registry.Subscribe(l)
	dev, state := sm.current, sm.state
	var last *device.Sample
	if sm.lastSample != nil && state == device.Connected {
		sample := *sm.lastSample
		last = &sample
	}
	name := dev.DisplayName()
	sm.events.enqueue(func() {
		sm.registry.NotifyOne(l, func(l device.Listener) {
			l.OnStateChanged(name, dev, state)
			if last != nil {
				l.OnDataAvailable(name, dev, *last)
			}
		})
	})
	return added
}

func (sm *StateMachine) RemoveListener(l device.Listener) bool {
	return sm.registry.Unsubscribe(l)
}

func (sm *StateMachine) CurrentState() device.ConnectionState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// CurrentDevice returns the device of the latest connect, even once disconnected.
func (sm *StateMachine) CurrentDevice() device.Device {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}

func (sm *StateMachine) LastSample() (device.Sample, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.lastSample == nil {
		return device.Sample{}, false
	}
	return *sm.lastSample, true
}

// Sync waits until every event emitted so far has been delivered.
// It must not be called from a listener callback.
func (sm *StateMachine) Sync() {
	sm.events.sync()
}

// Close disconnects and stops event delivery after draining it.
func (sm *StateMachine) Close() error {
	err := sm.Disconnect()
	sm.events.close()
	return err
}
