// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Thermoquad/smpflash/pkg/transport"
	"github.com/spf13/cobra"
)

var (
	resetBootloader bool
	resetForce      bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the device",
	Long: `Send the OS reset command.

With --bootloader the device restarts into its bootloader or firmware loader
instead of the application. The link usually drops before or right after the
acknowledgement; a drop after the request was sent counts as success.`,
	Args: cobra.NoArgs,
	RunE: runReset,
}

var paramsCmd = &cobra.Command{
	Use:   "params",
	Short: "Show the McuMgr buffer parameters and bootloader information",
	Args:  cobra.NoArgs,
	RunE:  runParams,
}

var echoCmd = &cobra.Command{
	Use:   "echo TEXT...",
	Short: "Send text and print the device's echo",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runEcho,
}

func init() {
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(paramsCmd)
	rootCmd.AddCommand(echoCmd)

	resetCmd.Flags().BoolVar(&resetBootloader, "bootloader", false, "Reset into the bootloader")
	resetCmd.Flags().BoolVar(&resetForce, "force", false, "Reset even if the application vetoes it")
}

func runReset(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	client, session, connInfo := OpenClient(ctx)
	defer session.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "Connection: %s\n", connInfo)

	err := client.Reset(ctx, resetBootloader, resetForce)
	if err != nil && !errors.Is(err, transport.ErrDisconnected) {
		return fmt.Errorf("reset failed: %w", err)
	}

	target := "application"
	if resetBootloader {
		target = "bootloader"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Device reset into %s\n", target)
	return nil
}

func runParams(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	client, session, connInfo := OpenClient(ctx)
	defer session.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Connection: %s\n", connInfo)
	fmt.Fprintf(out, "Link MTU:   %d\n\n", session.MTU())

	params, err := client.Params(ctx)
	if err != nil {
		return fmt.Errorf("reading parameters: %w", err)
	}
	if params.BufferSize != nil {
		fmt.Fprintf(out, "Buffer size:  %d\n", *params.BufferSize)
	}
	if params.BufferCount != nil {
		fmt.Fprintf(out, "Buffer count: %d\n", *params.BufferCount)
	}

	info, err := client.BootloaderInfo(ctx)
	if err != nil {
		// Older devices have no bootloader info command
		fmt.Fprintf(out, "Bootloader:   unknown (%v)\n", err)
		return nil
	}
	fmt.Fprintf(out, "Bootloader:   %s\n", info.Bootloader)

	if mode, err := client.BootloaderMode(ctx); err == nil {
		fmt.Fprintf(out, "Mode:         %s\n", mode)
	}
	return nil
}

func runEcho(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	client, session, _ := OpenClient(ctx)
	defer session.Close()

	reply, err := client.Echo(ctx, strings.Join(args, " "))
	if err != nil {
		return fmt.Errorf("echo failed: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), reply)
	return nil
}
