// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/Thermoquad/smpflash/pkg/mcumgr"
	"github.com/spf13/cobra"
)

var eraseSettings bool

var eraseCmd = &cobra.Command{
	Use:   "erase",
	Short: "Erase the secondary image slot",
	Long: `Erase the secondary image slot of the device.

A slot holding a confirmed or pending image cannot be erased; reset the
device or confirm the running image first.

With --settings the application settings partition is erased as well.`,
	Args: cobra.NoArgs,
	RunE: runErase,
}

func init() {
	rootCmd.AddCommand(eraseCmd)
	eraseCmd.Flags().BoolVar(&eraseSettings, "settings", false, "Also erase the application settings")
}

func runErase(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	client, session, connInfo := OpenClient(ctx)
	defer session.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Connection: %s\n\n", connInfo)
	return eraseDevice(ctx, client, out, eraseSettings)
}

func eraseDevice(ctx context.Context, client *mcumgr.Client, out io.Writer, settings bool) error {
	if err := client.EraseImage(ctx); err != nil {
		return fmt.Errorf("erasing secondary slot: %w", err)
	}
	fmt.Fprintln(out, "Secondary slot erased")

	if !settings {
		return nil
	}
	if err := client.EraseAppSettings(ctx); err != nil {
		return fmt.Errorf("erasing app settings: %w", err)
	}
	fmt.Fprintln(out, "App settings erased")
	return nil
}
