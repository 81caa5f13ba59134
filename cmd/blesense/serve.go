package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blesense/internal/config"
	"github.com/srg/blesense/internal/device"
	goble "github.com/srg/blesense/internal/device/go-ble"
	"github.com/srg/blesense/internal/groutine"
	"github.com/srg/blesense/internal/httpapi"
	"github.com/srg/blesense/internal/publish"
	"github.com/srg/blesense/internal/recorder"
	"github.com/srg/blesense/internal/registry"
	"github.com/srg/blesense/internal/scheduler"
	"github.com/srg/blesense/internal/storage"
)

// Central is the scanning adapter used by serve
type Central interface {
	device.Central
	Close() error
}

// openCentral creates the platform BLE adapter (can be overridden in tests)
var openCentral = func(cfg *config.Config, logger *logrus.Logger) (Central, error) {
	c, err := goble.OpenCentral(cfg.Adapter.DeviceID, &goble.CentralOptions{
		NameFilter:     cfg.Adapter.NameFilter,
		ConnectTimeout: cfg.Adapter.ConnectTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway: scan, poll, store and serve readings",
		Long: `Scans for Alpha sensors, polls every handshaken sensor on the configured
interval, stores the readings and serves them over HTTP until interrupted.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

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
			logger.Info("Received interrupt signal, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	central, err := openCentral(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := central.Close(); err != nil {
			logger.WithError(err).Warn("Failed to stop BLE adapter")
		}
	}()

	return runGateway(ctx, cfg, central, logger)
}

// gateway owns every long-running component of serve
type gateway struct {
	cfg       *config.Config
	logger    *logrus.Logger
	central   device.Central
	store     *storage.SQLiteStore
	publisher *publish.Publisher
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	http      *httpapi.Server
}

func newGateway(ctx context.Context, cfg *config.Config, central device.Central, logger *logrus.Logger) (*gateway, error) {
	store, err := storage.OpenSQLite(ctx, cfg.Storage.SQLiteConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	g := &gateway{cfg: cfg, logger: logger, central: central, store: store}

	var recOpts []recorder.Option
	if cfg.MQTT.Enabled() {
		pub, err := publish.New(cfg.MQTT, logger)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		g.publisher = pub
		recOpts = append(recOpts, recorder.WithPublisher(pub))
	}

	rec := recorder.New(store, &cfg.Storage.Options, logger, recOpts...)
	g.registry = registry.New(registry.AlphaProbe(&cfg.Protocol, logger), rec, logger)
	g.scheduler = scheduler.New(central, g.registry, &cfg.Scheduler, logger)
	g.http = httpapi.NewServer(cfg.HTTP, store, g.registry, logger)
	return g, nil
}

// run blocks until ctx is done, then tears everything down in reverse order
func (g *gateway) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	fail := func(name string, err error) {
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		g.logger.WithError(err).WithField("component", name).Error("Component failed")
		errMu.Lock()
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", name, err)
		}
		errMu.Unlock()
		cancel()
	}

	if g.publisher != nil {
		groutine.GoWait(ctx, &wg, "mqtt-connect", func(ctx context.Context) {
			if err := g.publisher.Connect(ctx); err != nil && !errors.Is(err, context.Canceled) {
				// paho keeps retrying in the background; readings are still stored
				g.logger.WithError(err).Warn("MQTT broker not reachable yet")
			}
		})
	}
	groutine.GoWait(ctx, &wg, "ble-scan", func(ctx context.Context) {
		fail("scan", g.central.Scan(ctx))
	})
	groutine.GoWait(ctx, &wg, "scheduler", func(ctx context.Context) {
		fail("scheduler", g.scheduler.Run(ctx))
	})
	groutine.GoWait(ctx, &wg, "http", func(ctx context.Context) {
		fail("http", g.http.Run(ctx))
	})

	g.logger.WithFields(logrus.Fields{
		"database": g.cfg.Storage.Path,
		"listen":   g.cfg.HTTP.Listen,
		"mqtt":     g.publisher != nil,
	}).Info("Gateway started")

	<-ctx.Done()
	wg.Wait()
	g.close()

	g.logger.Info("Gateway stopped")
	return firstErr
}

func (g *gateway) close() {
	g.registry.Shutdown()
	if g.publisher != nil {
		g.publisher.Close()
	}
	if err := g.store.Close(); err != nil {
		g.logger.WithError(err).Warn("Failed to close database")
	}
}

func runGateway(ctx context.Context, cfg *config.Config, central device.Central, logger *logrus.Logger) error {
	g, err := newGateway(ctx, cfg, central, logger)
	if err != nil {
		return err
	}
	return g.run(ctx)
}
