package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blesense/internal/sensor"
	"github.com/srg/blesense/internal/storage"
)

func newSensorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sensors",
		Short: "List stored sensors with their latest readings",
		Args:  cobra.NoArgs,
		RunE:  runSensors,
	}
	cmd.Flags().Bool("json", false, "Output as JSON")
	return cmd
}

// sensorSummary is one row of the sensors listing
type sensorSummary struct {
	storage.SensorRecord
	Temperature *sensor.TimestampedReading `json:"temperature,omitempty"`
	Humidity    *sensor.TimestampedReading `json:"humidity,omitempty"`
}

func runSensors(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	asJSON, _ := cmd.Flags().GetBool("json")
	cmd.SilenceUsage = true

	ctx := cmd.Context()
	store, err := storage.OpenSQLite(ctx, cfg.Storage.SQLiteConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	summaries, err := summarizeSensors(ctx, store)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(summaries)
	}
	return displaySensorsTable(cmd.OutOrStdout(), summaries)
}

func summarizeSensors(ctx context.Context, store storage.Store) ([]sensorSummary, error) {
	records, err := store.GetSensors(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sensors: %w", err)
	}

	summaries := make([]sensorSummary, 0, len(records))
	for _, rec := range records {
		sum := sensorSummary{SensorRecord: rec}
		if sum.Temperature, err = latest(ctx, store, rec.Handle, sensor.KindTemperature); err != nil {
			return nil, err
		}
		if sum.Humidity, err = latest(ctx, store, rec.Handle, sensor.KindHumidity); err != nil {
			return nil, err
		}
		summaries = append(summaries, sum)
	}
	return summaries, nil
}

// latest returns nil when the sensor has no reading of that kind
func latest(ctx context.Context, store storage.Store, h storage.Handle, kind sensor.Kind) (*sensor.TimestampedReading, error) {
	r, err := store.GetLatestReading(ctx, h, kind)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest %s of sensor %d: %w", kind, h, err)
	}
	return &r, nil
}

func displaySensorsTable(out io.Writer, summaries []sensorSummary) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tADDRESS\tNAME\tTEMPERATURE\tHUMIDITY\tLAST READING")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for _, s := range summaries {
		name := s.Name
		if name == "" {
			name = "-"
		}
		temp, hum, last := "-", "-", "-"
		var lastTS time.Time
		if s.Temperature != nil {
			temp = fmt.Sprintf("%d °C", s.Temperature.Value)
			lastTS = s.Temperature.Timestamp
		}
		if s.Humidity != nil {
			hum = fmt.Sprintf("%d %%", s.Humidity.Value)
			if s.Humidity.Timestamp.After(lastTS) {
				lastTS = s.Humidity.Timestamp
			}
		}
		if !lastTS.IsZero() {
			last = lastTS.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", s.Handle, s.Address, name, temp, hum, last)
	}
	return w.Flush()
}
