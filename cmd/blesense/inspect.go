package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blesense/internal/alpha"
	"github.com/srg/blesense/internal/config"
	"github.com/srg/blesense/internal/device"
	goble "github.com/srg/blesense/internal/device/go-ble"
	"golang.org/x/term"
)

// Attacher resolves a peripheral by address without scanning
type Attacher interface {
	Attach(address string) device.Peripheral
	Close() error
}

// openAttacher creates the platform BLE adapter for inspect (can be overridden in tests)
var openAttacher = func(cfg *config.Config, logger *logrus.Logger) (Attacher, error) {
	c, err := goble.OpenCentral(cfg.Adapter.DeviceID, &goble.CentralOptions{
		ConnectTimeout: cfg.Adapter.ConnectTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <device-address>",
		Short: "Handshake with one sensor and take a single reading",
		Long: `Connects to a BLE device by address, checks that it exposes the Alpha
characteristic, performs the handshake and polls it once.`,
		Args: cobra.ExactArgs(1),
		RunE: runInspect,
	}
	cmd.Flags().Bool("json", false, "Output as JSON")
	return cmd
}

// inspectResult is what inspect prints
type inspectResult struct {
	Address     string    `json:"address"`
	Name        string    `json:"name,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Temperature int8      `json:"temperature_c"`
	Humidity    uint8     `json:"humidity_pct"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	address := args[0]

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	asJSON, _ := cmd.Flags().GetBool("json")

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	adapter, err := openAttacher(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = adapter.Close() }()

	tty := isTerminal(cmd.OutOrStdout())
	var progressOut io.Writer
	if tty && !asJSON {
		progressOut = cmd.OutOrStdout()
	}
	progress := NewProgressPrinter(progressOut, fmt.Sprintf("Inspecting device %s", address), "Connecting")
	progress.Start()

	res, err := inspectSensor(ctx, adapter.Attach(address), &cfg.Protocol, logger, progress.SetPhase)
	progress.Stop()
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printInspectResult(cmd.OutOrStdout(), res, tty)
	return nil
}

// inspectSensor probes p and takes one measurement. The peripheral is disconnected on return.
func inspectSensor(ctx context.Context, p device.Peripheral, opts *alpha.SessionOptions, logger *logrus.Logger, phase func(string)) (*inspectResult, error) {
	if phase == nil {
		phase = func(string) {}
	}

	phase("Handshake")
	session, ok := alpha.Probe(ctx, p, opts, logger)
	if err := ctx.Err(); err != nil {
		if ok {
			session.Close()
		}
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", p.Address(), ErrNotASensor)
	}
	defer session.Close()

	phase("Polling")
	m, err := session.Poll()
	if err != nil {
		return nil, fmt.Errorf("poll %s: %w", p.Address(), err)
	}

	return &inspectResult{
		Address:     p.Address(),
		Name:        p.Name(),
		Timestamp:   time.Now().UTC(),
		Temperature: m.Temperature,
		Humidity:    m.Humidity,
	}, nil
}

func printInspectResult(w io.Writer, res *inspectResult, colored bool) {
	label := color.New(color.Bold)
	value := color.New(color.FgCyan)
	ok := color.New(color.FgGreen, color.Bold)
	for _, c := range []*color.Color{label, value, ok} {
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}

	name := res.Name
	if name == "" {
		name = "(unnamed)"
	}
	fmt.Fprintf(w, "%s %s %s\n", ok.Sprint("✓"), label.Sprint(res.Address), name)
	fmt.Fprintf(w, "  %s %s\n", label.Sprint("Temperature:"), value.Sprintf("%d °C", res.Temperature))
	fmt.Fprintf(w, "  %s %s\n", label.Sprint("Humidity:   "), value.Sprintf("%d %%", res.Humidity))
	fmt.Fprintf(w, "  %s %s\n", label.Sprint("Measured:   "), res.Timestamp.Format(time.RFC3339))
}

// isTerminal reports whether w is an interactive terminal
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
