package goble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srg/hrtrack/internal/device"
	"github.com/srg/hrtrack/internal/testutils"
)

// fakeAdv overrides the advertisement fields a scan reads; the embedded
// interface stays nil.
type fakeAdv struct {
	ble.Advertisement
	name        string
	addr        string
	rssi        int
	services    []ble.UUID
	connectable bool
}

func (a fakeAdv) LocalName() string    { return a.name }
func (a fakeAdv) Addr() ble.Addr       { return ble.NewAddr(a.addr) }
func (a fakeAdv) RSSI() int            { return a.rssi }
func (a fakeAdv) Services() []ble.UUID { return a.services }
func (a fakeAdv) Connectable() bool    { return a.connectable }

type fakeRadio struct {
	adverts []ble.Advertisement
	scanErr error
	stops   int
}

func (r *fakeRadio) Scan(_ context.Context, _ bool, h ble.AdvHandler) error {
	for _, a := range r.adverts {
		h(a)
	}
	return r.scanErr
}

func (r *fakeRadio) Dial(context.Context, ble.Addr) (ble.Client, error) {
	return nil, errors.New("dial is replaced in tests")
}

func (r *fakeRadio) Stop() error {
	r.stops++
	return nil
}

type mockClient struct {
	mock.Mock
	disconnected chan struct{}
}

func newMockClient() *mockClient {
	return &mockClient{disconnected: make(chan struct{})}
}

func (c *mockClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := c.Called(force)
	profile, _ := args.Get(0).(*ble.Profile)
	return profile, args.Error(1)
}

func (c *mockClient) Subscribe(char *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	return c.Called(char, ind, h).Error(0)
}

func (c *mockClient) Unsubscribe(char *ble.Characteristic, ind bool) error {
	return c.Called(char, ind).Error(0)
}

func (c *mockClient) CancelConnection() error {
	return c.Called().Error(0)
}

func (c *mockClient) Disconnected() <-chan struct{} {
	return c.disconnected
}

type recordingEvents struct {
	mu     sync.Mutex
	links  []device.LinkState
	caps   [][]device.Capability
	capErr error
	values [][]byte
	attrs  []string
}

func (e *recordingEvents) OnLinkStateChanged(_ device.Device, state device.LinkState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.links = append(e.links, state)
}

func (e *recordingEvents) OnCapabilitiesDiscovered(_ device.Device, caps []device.Capability, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.caps = append(e.caps, caps)
	e.capErr = err
}

func (e *recordingEvents) OnAttributeValueChanged(_ device.Device, attr string, data []byte, _ int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attrs = append(e.attrs, attr)
	e.values = append(e.values, data)
}

func (e *recordingEvents) linkStates() []device.LinkState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]device.LinkState(nil), e.links...)
}

func (e *recordingEvents) discoveries() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.caps)
}

func heartRateProfile() *ble.Profile {
	return &ble.Profile{Services: []*ble.Service{
		{
			UUID: ble.UUID16(0x180d),
			Characteristics: []*ble.Characteristic{
				{UUID: ble.UUID16(0x2a37), Property: ble.CharNotify},
				{UUID: ble.UUID16(0x2a38), Property: ble.CharRead},
			},
		},
	}}
}

type TransportTestSuite struct {
	suite.Suite
	radio     *fakeRadio
	client    *mockClient
	dialErr   error
	transport *Transport
}

func (s *TransportTestSuite) SetupTest() {
	s.radio = &fakeRadio{}
	s.client = newMockClient()
	s.dialErr = nil
	s.transport = newTransport(s.radio, testutils.NewTestHelper(s.T()).Logger)
	s.transport.dial = func(ctx context.Context, _ string) (gattClient, error) {
		if s.dialErr != nil {
			return nil, s.dialErr
		}
		return s.client, nil
	}
}

func (s *TransportTestSuite) connect(events *recordingEvents) device.Peripheral {
	p, err := s.transport.Remote("AA:BB:CC:DD:EE:FF")
	s.Require().NoError(err)
	s.Require().NoError(p.Connect(context.Background(), events))
	s.Require().Eventually(func() bool {
		return len(events.linkStates()) == 1
	}, time.Second, 5*time.Millisecond)
	return p
}

func (s *TransportTestSuite) TestRemoteRejectsEmptyAddress() {
	_, err := s.transport.Remote("  ")
	s.ErrorIs(err, device.ErrInvalidAddress)
}

func (s *TransportTestSuite) TestUninitializedTransport() {
	t := newTransport(nil, nil)
	s.False(t.Initialized())

	_, err := t.Remote("AA:BB")
	s.ErrorIs(err, device.ErrNotInitialized)
	s.ErrorIs(t.Scan(context.Background(), nil, nil), device.ErrNotInitialized)
	s.NoError(t.Stop())
}

func (s *TransportTestSuite) TestScanRecordsAdvertisements() {
	s.radio.adverts = []ble.Advertisement{
		fakeAdv{name: "Polar H10", addr: "AA:BB:CC:DD:EE:FF", rssi: -60, services: []ble.UUID{ble.UUID16(0x180d)}, connectable: true},
		fakeAdv{name: "", addr: "aa:bb:cc:dd:ee:ff", rssi: -55, connectable: true},
		fakeAdv{name: "Lamp", addr: "11:22:33:44:55:66", rssi: -80},
	}

	var seen []Discovery
	err := s.transport.Scan(context.Background(), &ScanOptions{Duration: time.Second}, func(d Discovery) {
		seen = append(seen, d)
	})
	s.Require().NoError(err)
	s.Len(seen, 3)

	dev, ok := s.transport.Lookup("AA:BB:CC:DD:EE:FF")
	s.Require().True(ok)
	s.Equal("Polar H10", dev.Name, "an empty advertised name must not replace a known one")

	all := s.transport.Discoveries()
	s.Require().Len(all, 2)
	s.Equal(-55, all[0].RSSI)
	s.True(all[0].HeartRate())
	s.False(all[1].HeartRate())

	p, err := s.transport.Remote("aa:bb:cc:dd:ee:ff")
	s.Require().NoError(err)
	s.Equal("Polar H10", p.Device().Name)

	s.transport.Forget()
	s.Empty(s.transport.Discoveries())
}

func (s *TransportTestSuite) TestScanFilters() {
	s.radio.adverts = []ble.Advertisement{
		fakeAdv{name: "Strap", addr: "01", services: []ble.UUID{ble.UUID16(0x180d)}},
		fakeAdv{name: "Blocked", addr: "02", services: []ble.UUID{ble.UUID16(0x180d)}},
		fakeAdv{name: "Lamp", addr: "03"},
	}

	opts := &ScanOptions{ServiceUUIDs: []string{"180D"}, BlockList: []string{"02"}}
	s.Require().NoError(s.transport.Scan(context.Background(), opts, nil))

	all := s.transport.Discoveries()
	s.Require().Len(all, 1)
	s.Equal("Strap", all[0].Device.Name)

	s.transport.Forget()
	opts = &ScanOptions{AllowList: []string{"03"}}
	s.Require().NoError(s.transport.Scan(context.Background(), opts, nil))
	all = s.transport.Discoveries()
	s.Require().Len(all, 1)
	s.Equal("Lamp", all[0].Device.Name)
}

func (s *TransportTestSuite) TestScanTreatsTimeoutAsSuccess() {
	s.radio.scanErr = context.DeadlineExceeded
	s.NoError(s.transport.Scan(context.Background(), nil, nil))

	s.radio.scanErr = errors.New("bluetooth is turned off")
	err := s.transport.Scan(context.Background(), nil, nil)
	s.ErrorIs(err, device.ErrNotInitialized)
}

func (s *TransportTestSuite) TestConnectReportsLinkUp() {
	events := &recordingEvents{}
	p := s.connect(events)
	s.Equal([]device.LinkState{device.LinkUp}, events.linkStates())

	s.ErrorIs(p.Connect(context.Background(), events), device.ErrAlreadyConnected)
}

func (s *TransportTestSuite) TestDialFailureReportsLinkDown() {
	s.dialErr = errors.New("connection refused")
	events := &recordingEvents{}
	s.connect(events)
	s.Equal([]device.LinkState{device.LinkDown}, events.linkStates())
}

func (s *TransportTestSuite) TestDiscoverAndSubscribe() {
	profile := heartRateProfile()
	s.client.On("DiscoverProfile", true).Return(profile, nil)
	s.client.On("Subscribe", profile.Services[0].Characteristics[0], false, mock.Anything).Return(nil)
	s.client.On("Unsubscribe", profile.Services[0].Characteristics[0], false).Return(nil)

	events := &recordingEvents{}
	p := s.connect(events)

	s.Require().NoError(p.DiscoverCapabilities())
	s.Require().Eventually(func() bool { return events.discoveries() == 1 }, time.Second, 5*time.Millisecond)

	events.mu.Lock()
	caps, capErr := events.caps[0], events.capErr
	events.mu.Unlock()
	s.Require().NoError(capErr)
	s.Require().Len(caps, 2)
	s.Equal(device.Capability{ServiceUUID: "180d", UUID: "2a37", Notify: true}, caps[0])
	s.False(caps[1].Notify)

	s.Require().NoError(p.Subscribe("2A37"))
	s.Error(p.Subscribe("2a38"), "read-only characteristic")
	s.Error(p.Subscribe("ffff"), "unknown characteristic")

	handler := s.client.Calls[1].Arguments.Get(2).(ble.NotificationHandler)
	payload := []byte{0x00, 72}
	handler(payload)
	payload[1] = 0

	events.mu.Lock()
	s.Equal([]string{"2a37"}, events.attrs)
	s.Equal([]byte{0x00, 72}, events.values[0], "notification data must be copied")
	events.mu.Unlock()

	s.NoError(p.Unsubscribe("2a37"))
	s.NoError(p.Unsubscribe("2a37"), "second unsubscribe is a no-op")
	s.client.AssertExpectations(s.T())
}

func (s *TransportTestSuite) TestDiscoveryErrorIsReported() {
	s.client.On("DiscoverProfile", true).Return(nil, errors.New("device not connected"))

	events := &recordingEvents{}
	p := s.connect(events)
	s.Require().NoError(p.DiscoverCapabilities())
	s.Require().Eventually(func() bool { return events.discoveries() == 1 }, time.Second, 5*time.Millisecond)

	events.mu.Lock()
	defer events.mu.Unlock()
	s.ErrorIs(events.capErr, device.ErrNotConnected)
}

func (s *TransportTestSuite) TestNotConnectedOperations() {
	p, err := s.transport.Remote("AA")
	s.Require().NoError(err)

	s.ErrorIs(p.DiscoverCapabilities(), device.ErrNotConnected)
	s.ErrorIs(p.Subscribe("2a37"), device.ErrNotConnected)
	s.NoError(p.Close())
}

func (s *TransportTestSuite) TestLinkLossReportsLinkDown() {
	events := &recordingEvents{}
	p := s.connect(events)

	close(s.client.disconnected)
	s.Require().Eventually(func() bool {
		return len(events.linkStates()) == 2
	}, time.Second, 5*time.Millisecond)
	s.Equal([]device.LinkState{device.LinkUp, device.LinkDown}, events.linkStates())
	s.ErrorIs(p.DiscoverCapabilities(), device.ErrNotConnected)
}

func (s *TransportTestSuite) TestCloseCancelsConnection() {
	s.client.On("CancelConnection").Return(nil).Once()

	events := &recordingEvents{}
	p := s.connect(events)

	s.NoError(p.Close())
	s.NoError(p.Close())
	s.client.AssertNumberOfCalls(s.T(), "CancelConnection", 1)
	s.ErrorIs(p.Connect(context.Background(), events), device.ErrNotConnected)
}

func (s *TransportTestSuite) TestStopIsIdempotent() {
	s.NoError(s.transport.Stop())
	s.NoError(s.transport.Stop())
	s.Equal(1, s.radio.stops)
}

func TestTransportTestSuite(t *testing.T) {
	suite.Run(t, new(TransportTestSuite))
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"bluetooth off", errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"), device.ErrNotInitialized},
		{"turned off", errors.New("Bluetooth is turned off"), device.ErrNotInitialized},
		{"disconnected", errors.New("peripheral disconnected"), device.ErrNotConnected},
		{"not connected", errors.New("device not connected"), device.ErrNotConnected},
		{"already connected", errors.New("device already connected"), device.ErrAlreadyConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeError(tt.err)
			require.Error(t, got)
			assert.ErrorIs(t, got, tt.want)
			assert.Contains(t, got.Error(), tt.err.Error())
		})
	}

	assert.NoError(t, NormalizeError(nil))

	plain := errors.New("something else")
	assert.Equal(t, plain, NormalizeError(plain))

	wrapped := device.ErrNotConnected
	assert.Same(t, wrapped, NormalizeError(wrapped).(*device.ConnectionError))
}
