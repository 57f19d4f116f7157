package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/srg/hrtrack/internal/histogram"
	"github.com/srg/hrtrack/internal/history"
)

const defaultBarWidth = 40

// renderOptions controls terminal-dependent output.
type renderOptions struct {
	Colors   bool
	BarWidth int
}

// terminalOptions detects whether out is a terminal and sizes bars to it.
func terminalOptions(out io.Writer) renderOptions {
	opts := renderOptions{BarWidth: defaultBarWidth}
	f, ok := out.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return opts
	}
	opts.Colors = !color.NoColor
	if width, _, err := term.GetSize(int(f.Fd())); err == nil {
		// name, percentage and count columns take about 30 cells
		opts.BarWidth = min(max(width-30, 10), defaultBarWidth)
	}
	return opts
}

// zoneColor returns a printer for a bin colour honouring opts.Colors.
func zoneColor(c histogram.Color, opts renderOptions) *color.Color {
	printer := color.RGB(int(c.R), int(c.G), int(c.B))
	if opts.Colors {
		printer.EnableColor()
	} else {
		printer.DisableColor()
	}
	return printer
}

// historySource is anything holding buckets by period key.
type historySource interface {
	Bucket(key string) (*history.Bucket, bool)
	PeriodKeys() []string
}

func writeHistory(out io.Writer, src historySource, keys []string, opts renderOptions) error {
	if len(keys) == 0 {
		_, err := fmt.Fprintln(out, "No history recorded")
		return err
	}

	for i, key := range keys {
		bucket, ok := src.Bucket(key)
		if !ok {
			return fmt.Errorf("no history for period %q", key)
		}
		if i > 0 {
			fmt.Fprintln(out)
		}
		writeBucket(out, bucket, opts)
	}
	return nil
}

func writeBucket(out io.Writer, bucket *history.Bucket, opts renderOptions) {
	total := bucket.Total()
	fmt.Fprintf(out, "%s  (%d samples)\n", bucket.Key(), total)

	width := opts.BarWidth
	if width <= 0 {
		width = defaultBarWidth
	}
	for _, bin := range bucket.Bins() {
		share := 0.0
		if total > 0 {
			share = float64(bin.Frequency) / float64(total)
		}
		filled := int(math.Round(share * float64(width)))
		bar := strings.Repeat("█", filled) + strings.Repeat("·", width-filled)
		fmt.Fprintf(out, "  %-10s %s %5.1f%%  %d\n",
			bin.Name, zoneColor(bin.Color, opts).Sprint(bar), share*100, bin.Frequency)
	}
}

type bucketJSON struct {
	Period string    `json:"period"`
	Total  int       `json:"total"`
	Bins   []binJSON `json:"bins"`
}

type binJSON struct {
	Name      string `json:"name"`
	Color     string `json:"color"`
	Frequency int    `json:"frequency"`
}

func historyJSON(src historySource, keys []string) ([]bucketJSON, error) {
	list := make([]bucketJSON, 0, len(keys))
	for _, key := range keys {
		bucket, ok := src.Bucket(key)
		if !ok {
			return nil, fmt.Errorf("no history for period %q", key)
		}
		entry := bucketJSON{Period: key, Total: bucket.Total()}
		for _, bin := range bucket.Bins() {
			entry.Bins = append(entry.Bins, binJSON{Name: bin.Name, Color: bin.Color.Hex(), Frequency: bin.Frequency})
		}
		list = append(list, entry)
	}
	return list, nil
}
