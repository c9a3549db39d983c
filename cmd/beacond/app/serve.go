// SPDX-FileCopyrightText: Copyright 2026 Quartzband, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/quartzband/beacond/pkg/activity"
	"github.com/quartzband/beacond/pkg/api"
	"github.com/quartzband/beacond/pkg/config"
	"github.com/quartzband/beacond/pkg/logger"
	"github.com/quartzband/beacond/pkg/secrets"
	"github.com/quartzband/beacond/pkg/store"
	"github.com/quartzband/beacond/pkg/sweeper"
	"github.com/quartzband/beacond/pkg/tokens"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the beacond API server",
	Long: `Starts the credential daemon: opens (or repairs) the token database,
loads the secrets directory, and serves the management API until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to the config file")
	serveCmd.Flags().String("address", "", "Listen address, overriding the config file")
	if err := viper.BindPFlag("config", serveCmd.Flags().Lookup("config")); err != nil {
		logger.Fatalf("Failed to bind config flag: %v", err)
	}
	if err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address")); err != nil {
		logger.Fatalf("Failed to bind address flag: %v", err)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	// Ensure server is shutdown gracefully on Ctrl+C.
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	secretStore := secrets.New(cfg.SecretsDir)
	if err := secretStore.LoadOrCreate(); err != nil {
		return err
	}

	db, err := store.Open(ctx, cfg.DBPath, cfg.DBMaxSizeMB)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warnf("closing database: %v", err)
		}
	}()

	issuer := cfg.ApplianceID
	if issuer == "" {
		if issuer, err = os.Hostname(); err != nil {
			issuer = "beacond"
		}
	}

	tokenManager := tokens.NewManager(db, secretStore, tokens.Config{
		Issuer:         issuer,
		TTL:            cfg.AccessTokenTTL(),
		TimeValidation: cfg.TimeValidationEnabled,
	})

	recorder := activity.NewRecorder(db, tokenManager, activity.Config{
		BufferSize:    cfg.ActivityBufferSize,
		FlushInterval: cfg.ActivityFlushInterval(),
	})

	retention := sweeper.New(tokenManager, db, 0, cfg.RecentActivityRetention())

	address := cfg.ListenAddr
	isUnixSocket := false
	if cfg.UnixSocket != "" {
		address = cfg.UnixSocket
		isUnixSocket = true
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return api.Serve(ctx, address, isUnixSocket, api.Deps{
			DB:       db,
			Tokens:   tokenManager,
			Secrets:  secretStore,
			Recorder: recorder,
		})
	})
	group.Go(func() error {
		return recorder.Run(ctx)
	})
	group.Go(func() error {
		return retention.Run(ctx)
	})

	err = group.Wait()
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func loadConfig() (config.Config, error) {
	var cfg config.Config
	var err error

	if path := viper.GetString("config"); path != "" {
		cfg, err = config.LoadFrom(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return config.Config{}, err
	}

	if address := viper.GetString("address"); address != "" {
		cfg.ListenAddr = address
	}
	return cfg, nil
}
