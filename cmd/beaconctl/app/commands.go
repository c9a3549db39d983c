// SPDX-FileCopyrightText: Copyright 2026 Quartzband, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the beaconctl command-line application.
package app

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/quartzband/beacond/pkg/config"
	"github.com/quartzband/beacond/pkg/logger"
)

var (
	serverAddr string
	secretsDir string
)

var rootCmd = &cobra.Command{
	Use:               "beaconctl",
	DisableAutoGenTag: true,
	Short:             "beaconctl bootstraps and administers the local credential daemon",
	Long: `beaconctl talks to a running beacond over loopback. Requests are signed
with the appliance's shared secret, so the CLI must run on the appliance
itself with read access to the secrets directory.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the beaconctl CLI.
func NewRootCmd() *cobra.Command {
	defaults := config.Default()

	rootCmd.PersistentFlags().StringVar(&serverAddr, "server",
		"http://"+defaults.ListenAddr, "Base URL of the beacond API")
	rootCmd.PersistentFlags().StringVar(&secretsDir, "secrets-dir",
		defaults.SecretsDir, "Secrets directory holding the shared secret")

	rootCmd.AddCommand(newTokenCmd())
	rootCmd.AddCommand(newRevokeCmd())
	rootCmd.AddCommand(newRotateCmd())
	rootCmd.AddCommand(newKeysCmd())
	rootCmd.AddCommand(newDevicesCmd())

	return rootCmd
}

func newTokenCmd() *cobra.Command {
	var deviceID string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a device",
		Long: `Requests a bearer token from the daemon's loopback bootstrap channel
and prints it. Without --device-id a random device id is generated.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if deviceID == "" {
				deviceID = uuid.NewString()
			}

			client, err := newClient()
			if err != nil {
				return err
			}

			var resp struct {
				AccessToken string `json:"access_token"`
				TokenType   string `json:"token_type"`
			}
			err = client.do(cmd.Context(), "POST", "/api/v1/auth/token",
				map[string]string{"device_id": deviceID}, &resp)
			if err != nil {
				return err
			}

			fmt.Printf("Device ID: %s\n", deviceID)
			fmt.Printf("Token: %s\n", resp.AccessToken)
			return nil
		},
	}

	cmd.Flags().StringVar(&deviceID, "device-id", "", "Device identifier to issue the token for")

	return cmd
}

func newRevokeCmd() *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a bearer token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "" {
				return fmt.Errorf("--token is required")
			}

			client, err := newClient()
			if err != nil {
				return err
			}

			var resp struct {
				Status   string `json:"status"`
				DeviceID string `json:"device_id"`
			}
			err = client.do(cmd.Context(), "POST", "/api/v1/auth/revoke",
				map[string]string{"token": token}, &resp)
			if err != nil {
				return err
			}

			fmt.Printf("Status: %s\n", resp.Status)
			if resp.DeviceID != "" {
				fmt.Printf("Device ID: %s\n", resp.DeviceID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "Token to revoke")

	return cmd
}

func newRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the active signing key",
		Long: `Installs a fresh signing key and revokes every token signed with a
prior key. Devices must request new tokens afterwards.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}

			var resp struct {
				KeyID int64 `json:"key_id"`
			}
			if err := client.do(cmd.Context(), "POST", "/api/v1/auth/rotate", struct{}{}, &resp); err != nil {
				return err
			}

			fmt.Printf("New active key: %d\n", resp.KeyID)
			return nil
		},
	}
}

func newKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "List signing keys and their token counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}

			var resp []struct {
				ID           int64  `json:"id"`
				Active       bool   `json:"active"`
				CreatedAt    string `json:"created_at"`
				ActiveTokens int64  `json:"active_tokens"`
			}
			if err := client.do(cmd.Context(), "GET", "/api/v1/auth/keys", nil, &resp); err != nil {
				return err
			}

			for _, key := range resp {
				marker := " "
				if key.Active {
					marker = "*"
				}
				fmt.Printf("%s %d  created %s  tokens %d\n", marker, key.ID, key.CreatedAt, key.ActiveTokens)
			}
			return nil
		},
	}
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List devices holding a live token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}

			var resp []struct {
				DeviceID string `json:"device_id"`
				Stats    *struct {
					RequestCount int64  `json:"request_count"`
					ErrorCount   int64  `json:"error_count"`
					LastActivity string `json:"last_activity"`
				} `json:"stats"`
			}
			if err := client.do(cmd.Context(), "GET", "/api/v1/system/devices", nil, &resp); err != nil {
				return err
			}

			for _, dev := range resp {
				if dev.Stats == nil {
					fmt.Printf("%s\n", dev.DeviceID)
					continue
				}
				fmt.Printf("%s  requests %d  errors %d  last %s\n",
					dev.DeviceID, dev.Stats.RequestCount, dev.Stats.ErrorCount, dev.Stats.LastActivity)
			}
			return nil
		},
	}
}
