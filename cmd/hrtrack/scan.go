package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/hrtrack/internal/device"
	"github.com/srg/hrtrack/internal/goble"
	"github.com/srg/hrtrack/internal/heartrate"
)

// bleTransport is what the commands need from the radio.
type bleTransport interface {
	device.Transport
	Scan(ctx context.Context, opts *goble.ScanOptions, handler func(goble.Discovery)) error
	Discoveries() []goble.Discovery
	Stop() error
}

// newTransport opens the radio (can be overridden in tests)
var newTransport = func(logger *logrus.Logger) bleTransport {
	return goble.NewTransport(logger)
}

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for heart-rate sensors",
	Long: `Scan for Bluetooth Low Energy devices advertising the Heart Rate service
and list their names, addresses and signal strength.

Use --all to list every advertising device.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanAll      bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default from config)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().BoolVarP(&scanAll, "all", "a", false, "List devices without the Heart Rate service too")
}

func runScan(cmd *cobra.Command, _ []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	opts := goble.DefaultScanOptions()
	opts.Duration = cfg.Connection.ScanTimeout
	if scanDuration > 0 {
		opts.Duration = scanDuration
	}
	if !scanAll {
		opts.ServiceUUIDs = []string{heartrate.ServiceUUID}
	}

	transport := newTransport(logger)
	defer func() { _ = transport.Stop() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Scanning for heart-rate sensors", "Scanning", opts.Duration)
	progress.Start()
	err = transport.Scan(ctx, opts, nil)
	progress.Stop()
	if err != nil {
		return err
	}

	found := transport.Discoveries()
	if scanFormat == "json" {
		return writeDiscoveriesJSON(cmd.OutOrStdout(), found)
	}
	return writeDiscoveriesTable(cmd.OutOrStdout(), found, time.Now())
}

func writeDiscoveriesTable(out io.Writer, found []goble.Discovery, now time.Time) error {
	if len(found) == 0 {
		_, err := fmt.Fprintln(out, "No devices discovered")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tHEART RATE\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 72))

	for _, d := range found {
		name := d.Device.DisplayName()
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		hr := "no"
		if d.HeartRate() {
			hr = "yes"
		}
		lastSeen := now.Sub(d.LastSeen).Truncate(time.Second)
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s ago\n", name, d.Device.Address, d.RSSI, hr, lastSeen)
	}
	return w.Flush()
}

type discoveryJSON struct {
	Name        string   `json:"name,omitempty"`
	Address     string   `json:"address"`
	RSSI        int      `json:"rssi"`
	Connectable bool     `json:"connectable"`
	HeartRate   bool     `json:"heart_rate"`
	Services    []string `json:"services,omitempty"`
}

func writeDiscoveriesJSON(out io.Writer, found []goble.Discovery) error {
	list := make([]discoveryJSON, 0, len(found))
	for _, d := range found {
		list = append(list, discoveryJSON{
			Name:        d.Device.Name,
			Address:     d.Device.Address,
			RSSI:        d.RSSI,
			Connectable: d.Connectable,
			HeartRate:   d.HeartRate(),
			Services:    d.Services,
		})
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(list)
}
