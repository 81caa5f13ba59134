package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blesense/internal/config"
)

// loadConfig reads --config and applies --log-level on top of it
func loadConfig(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// configureLogger creates the logger; --log-level takes precedence over the config file
func configureLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, error) {
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		if _, err := config.ParseLogLevel(level); err != nil {
			return nil, err
		}
		cfg.LogLevel = level
	}

	logger := cfg.NewLogger()
	logger.SetOutput(cmd.ErrOrStderr())
	logger.WithField("level", logger.GetLevel().String()).Debug("Logger configured")
	return logger, nil
}
