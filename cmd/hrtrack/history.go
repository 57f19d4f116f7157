package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/srg/hrtrack/internal/histogram"
	"github.com/srg/hrtrack/internal/history"
	"github.com/srg/hrtrack/pkg/monitor"
)

// historyCmd represents the history command
var historyCmd = &cobra.Command{
	Use:   "history [period-key...]",
	Short: "Show recorded heart-rate zone history",
	Long: `Show how recorded samples are spread over the heart-rate zones.

Without arguments the most recent periods are listed (see --last). Period keys
follow the configured period: 2006-01-02 for days, 2006-01-02-15 for hours and
2006-01-02-1504 for minutes.`,
	RunE: runHistory,
}

var (
	historyFormat string
	historyLast   int
)

func init() {
	historyCmd.Flags().StringVarP(&historyFormat, "format", "f", "table", "Output format (table, json)")
	historyCmd.Flags().IntVarP(&historyLast, "last", "n", 7, "Number of most recent periods to show (0 for all)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	if historyFormat != "table" && historyFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", historyFormat)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	dataDir, err := cfg.ResolvedDataDir()
	if err != nil {
		return err
	}
	storage, err := history.NewDirStorage(filepath.Join(dataDir, monitor.HistoryDirName))
	if err != nil {
		return err
	}
	store, err := history.NewStore(histogram.HeartRateZones(), storage, history.Options{
		Period:       cfg.Period(),
		Retention:    cfg.History.Retention,
		SaveInterval: cfg.History.SaveInterval,
	}, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	keys := args
	if len(keys) == 0 {
		keys = store.PeriodKeys()
		if historyLast > 0 && len(keys) > historyLast {
			keys = keys[len(keys)-historyLast:]
		}
	}

	if historyFormat == "json" {
		list, err := historyJSON(store, keys)
		if err != nil {
			return err
		}
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(list)
	}
	return writeHistory(cmd.OutOrStdout(), store, keys, terminalOptions(cmd.OutOrStdout()))
}
