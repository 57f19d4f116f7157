package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/hrtrack/internal/device"
	"github.com/srg/hrtrack/internal/goble"
)

type ScanTestSuite struct {
	CommandTestSuite

	now time.Time
}

func (s *ScanTestSuite) SetupTest() {
	s.CommandTestSuite.SetupTest()
	s.now = time.Date(2026, 10, 17, 10, 0, 0, 0, time.Local)
	s.ble.found = []goble.Discovery{
		{
			Device:      device.Device{Name: "Polar H10 A1B2C3", Address: strapAddr},
			RSSI:        -58,
			Connectable: true,
			Services:    []string{"180d", "180f"},
			LastSeen:    s.now.Add(-2 * time.Second),
		},
		{
			Device:   device.Device{Address: "11:22:33:44:55:66"},
			RSSI:     -90,
			LastSeen: s.now.Add(-1500 * time.Millisecond),
		},
	}
}

func (s *ScanTestSuite) TestTable() {
	out := new(bytes.Buffer)
	s.Require().NoError(writeDiscoveriesTable(out, s.ble.found, s.now))

	text := out.String()
	s.Contains(text, "NAME")
	s.Contains(text, "HEART RATE")
	s.Regexp(`Polar H10 A1B2C3\s+AA:BB:CC:DD:EE:01\s+-58 dBm\s+yes\s+2s ago`, text)
	s.Regexp(`11:22:33:44:55:66\s+11:22:33:44:55:66\s+-90 dBm\s+no\s+1s ago`, text)
}

func (s *ScanTestSuite) TestTableTruncatesLongNames() {
	found := []goble.Discovery{{Device: device.Device{Name: "An Extremely Long Sensor Name", Address: strapAddr}}}
	out := new(bytes.Buffer)
	s.Require().NoError(writeDiscoveriesTable(out, found, s.now))
	s.Contains(out.String(), "An Extremely Long...")
}

func (s *ScanTestSuite) TestTableEmpty() {
	out := new(bytes.Buffer)
	s.Require().NoError(writeDiscoveriesTable(out, nil, s.now))
	s.Equal("No devices discovered\n", out.String())
}

func (s *ScanTestSuite) TestJSON() {
	out := new(bytes.Buffer)
	s.Require().NoError(writeDiscoveriesJSON(out, s.ble.found))

	var list []map[string]any
	s.Require().NoError(json.Unmarshal(out.Bytes(), &list))
	s.Require().Len(list, 2)
	s.Equal("Polar H10 A1B2C3", list[0]["name"])
	s.Equal(true, list[0]["heart_rate"])
	s.Equal(float64(-58), list[0]["rssi"])
	s.NotContains(list[1], "name")
	s.Equal(false, list[1]["heart_rate"])
}

func (s *ScanTestSuite) TestCommandDefaultsToHeartRateService() {
	stdout, stderr, err := s.ExecuteCommand("scan", "--duration", "20ms")
	s.Require().NoError(err)

	s.Contains(stdout, "Polar H10 A1B2C3")
	s.Contains(stderr, "Scanning for heart-rate sensors")
	scans := s.ble.Scans()
	s.Require().Len(scans, 1)
	s.Equal(20*time.Millisecond, scans[0].Duration)
	s.Equal([]string{"180d"}, scans[0].ServiceUUIDs)
	s.True(scans[0].DuplicateFilter)
	s.Equal(1, s.ble.stops)
}

func (s *ScanTestSuite) TestCommandAllUsesConfiguredDuration() {
	_, _, err := s.ExecuteCommand("scan", "--all", "--format", "json")
	s.Require().NoError(err)

	scans := s.ble.Scans()
	s.Require().Len(scans, 1)
	s.Equal(10*time.Second, scans[0].Duration)
	s.Empty(scans[0].ServiceUUIDs)
}

func (s *ScanTestSuite) TestCommandRejectsUnknownFormat() {
	_, _, err := s.ExecuteCommand("scan", "--format", "xml")
	s.ErrorContains(err, "invalid format 'xml'")
	s.Empty(s.ble.Scans())
}

func (s *ScanTestSuite) TestCommandReportsScanFailure() {
	s.ble.scanErr = errors.New("scan failed: radio busy")
	_, _, err := s.ExecuteCommand("scan", "--duration", "10ms")
	s.ErrorContains(err, "radio busy")
}

func TestScanTestSuite(t *testing.T) {
	suite.Run(t, new(ScanTestSuite))
}
