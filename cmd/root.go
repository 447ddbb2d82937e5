// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/Thermoquad/smpflash/pkg/transport"
	"github.com/pion/logging"
	"github.com/spf13/cobra"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Session flags
	linkMTU        int
	commandTimeout time.Duration

	// Logging flags
	logLevel string
	logJSON  bool

	loggerFactory logging.LoggerFactory = logging.NewDefaultLoggerFactory()
)

var rootCmd = &cobra.Command{
	Use:   "smpflash",
	Short: "SMP/McuMgr device management and firmware upgrade tool",
	Long: `smpflash - A CLI tool for managing devices over the SMP (McuMgr) protocol.

Uploads firmware images and drives the full upgrade sequence (upload, test,
reset, reconnect, confirm), lists image slots, resets devices and decodes SMP
traffic for diagnosis.

Connection modes:
  Serial:    --port /dev/ttyACM0 [--baud 115200]
  WebSocket: --url ws://host/path [--username user]

For WebSocket authentication, the password is read from the SMPFLASH_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:       "0.3.0",
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		factory, err := newLoggerFactory(cmd.ErrOrStderr(), logLevel, logJSON)
		if err != nil {
			return err
		}
		loggerFactory = factory
		return nil
	},
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	rootCmd.PersistentFlags().IntVar(&linkMTU, "mtu", 0, "Maximum write length of the link (0 uses the link default)")
	rootCmd.PersistentFlags().DurationVar(&commandTimeout, "timeout", transport.DefaultConnectionTimeout, "Connection and command timeout")

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (trace, debug, info, warn, error, disabled)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON")
}

// Execute runs the root command. An interrupt cancels the command's context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}
