// SPDX-FileCopyrightText: Copyright 2026 Quartzband, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the beacond command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quartzband/beacond/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "beacond",
	DisableAutoGenTag: true,
	Short:             "beacond is the local credential and authorization daemon",
	Long: `beacond is the credential and authorization core of the appliance
management API. It issues bearer tokens to local processes over a
loopback-only, HMAC-protected bootstrap channel, validates them on every
request, and keeps a per-device activity trail in a local SQLite store.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the beacond daemon.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Fatalf("Failed to bind debug flag: %v", err)
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
