// SPDX-FileCopyrightText: Copyright 2026 Quartzband, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the beacond daemon.
package main

import (
	"os"

	"github.com/quartzband/beacond/cmd/beacond/app"
	"github.com/quartzband/beacond/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
