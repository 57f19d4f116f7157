package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/srg/hrtrack/internal/goble"
	"github.com/srg/hrtrack/internal/heartrate"
	"github.com/srg/hrtrack/pkg/config"
	"github.com/srg/hrtrack/pkg/monitor"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor [address]",
	Short: "Connect to a heart-rate strap and record its samples",
	Long: `Connect to a heart-rate strap, show every measurement and record it into
the zone history until interrupted.

Without an address the last connected device is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMonitor,
}

var (
	monitorName     string
	monitorScan     time.Duration
	monitorDuration time.Duration
)

func init() {
	monitorCmd.Flags().StringVar(&monitorName, "name", "", "Name to show until the device advertises its own")
	monitorCmd.Flags().DurationVar(&monitorScan, "scan", 3*time.Second, "Scan this long before connecting (0 to skip)")
	monitorCmd.Flags().DurationVarP(&monitorDuration, "duration", "d", 0, "Stop after this long (0 to run until interrupted)")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if monitorDuration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, monitorDuration)
		defer stop()
	}

	transport := newTransport(logger)
	defer func() { _ = transport.Stop() }()

	address := ""
	if len(args) == 1 {
		address = args[0]
	}
	return monitorSession(ctx, cmd, cfg, transport, address, logger)
}

func monitorSession(ctx context.Context, cmd *cobra.Command, cfg *config.Config, transport bleTransport, address string, logger *logrus.Logger) error {
	out := cmd.OutOrStdout()

	if monitorScan > 0 && transport.Initialized() {
		opts := goble.DefaultScanOptions()
		opts.Duration = monitorScan
		opts.ServiceUUIDs = []string{heartrate.ServiceUUID}
		if err := transport.Scan(ctx, opts, nil); err != nil {
			logger.WithError(err).Warn("Pre-connect scan failed")
		}
	}

	m, err := monitor.New(cfg, transport, logger)
	if err != nil {
		return err
	}
	defer func() { _ = m.Destroy() }()

	opts := terminalOptions(out)
	inPlace := false
	if f, ok := out.(*os.File); ok {
		inPlace = term.IsTerminal(int(f.Fd()))
	}
	view := newLiveView(out, m.Classifier(), inPlace, opts)
	m.AddListener(view)

	if address == "" {
		_, err = m.ConnectLast()
	} else {
		_, err = m.Connect(monitorName, address)
	}
	if err != nil {
		return err
	}

	var outcome error
	select {
	case <-ctx.Done():
	case <-view.Ended():
		outcome = view.Outcome()
	}

	if err := m.Disconnect(); err != nil && outcome == nil {
		outcome = err
	}
	m.Sync()

	if view.Samples() > 0 {
		if b, ok := m.History(m.Period().Key(time.Now())); ok {
			fmt.Fprintln(out)
			writeBucket(out, b, opts)
		}
	}
	return outcome
}
