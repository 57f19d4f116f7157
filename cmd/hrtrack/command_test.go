package main

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/suite"

	"github.com/srg/hrtrack/internal/goble"
	"github.com/srg/hrtrack/internal/testutils"
)

const strapAddr = "AA:BB:CC:DD:EE:01"

// fakeBLE adds scanning to the in-memory transport.
type fakeBLE struct {
	*testutils.FakeTransport

	mu       sync.Mutex
	found    []goble.Discovery
	scanErr  error
	scanOpts []*goble.ScanOptions
	stops    int
}

func newFakeBLE() *fakeBLE {
	return &fakeBLE{FakeTransport: testutils.NewFakeTransport()}
}

func (f *fakeBLE) Scan(_ context.Context, opts *goble.ScanOptions, handler func(goble.Discovery)) error {
	f.mu.Lock()
	f.scanOpts = append(f.scanOpts, opts)
	found, err := f.found, f.scanErr
	f.mu.Unlock()

	if handler != nil {
		for _, d := range found {
			handler(d)
		}
	}
	return err
}

func (f *fakeBLE) Discoveries() []goble.Discovery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]goble.Discovery(nil), f.found...)
}

func (f *fakeBLE) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeBLE) Scans() []*goble.ScanOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*goble.ScanOptions(nil), f.scanOpts...)
}

// CommandTestSuite resets command globals and injects a fake radio.
// All cmd/hrtrack test suites embed it.
type CommandTestSuite struct {
	suite.Suite

	helper       *testutils.TestHelper
	logger       *logrus.Logger
	ble          *fakeBLE
	dataDir      string
	configPath   string
	oldTransport func(*logrus.Logger) bleTransport
}

func (s *CommandTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.logger = s.helper.Logger
	s.ble = newFakeBLE()
	s.dataDir = s.T().TempDir()
	// a config path that does not exist keeps the user's config out of tests
	s.configPath = filepath.Join(s.T().TempDir(), "config.yaml")

	s.oldTransport = newTransport
	newTransport = func(*logrus.Logger) bleTransport { return s.ble }

	scanDuration, scanFormat, scanAll = 0, "table", false
	historyFormat, historyLast = "table", 7
	monitorName, monitorScan, monitorDuration = "", 0, 0
}

func (s *CommandTestSuite) TearDownTest() {
	newTransport = s.oldTransport
}

// ExecuteCommand runs the root command with args and the suite's config and
// data dir, returning stdout and stderr separately.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, string, error) {
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.SetArgs(append(args, "--config", s.configPath, "--data-dir", s.dataDir, "--log-level", "error"))
	defer rootCmd.SetArgs(nil)

	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

// NewOutputCommand returns a bare command writing into out.
func (s *CommandTestSuite) NewOutputCommand(out io.Writer) *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	cmd.SetOut(out)
	cmd.SetErr(out)
	return cmd
}

// syncBuffer is a bytes.Buffer safe to read while listeners write to it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
