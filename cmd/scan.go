// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/Thermoquad/smpflash/pkg/dfu"
	"github.com/Thermoquad/smpflash/pkg/transport"
	"github.com/spf13/cobra"
	"go.bug.st/serial/enumerator"
)

var scanUSBOnly bool

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List serial ports and the devices behind them",
	Long: `Enumerate serial ports with their USB identifiers.

The product string is the name a device advertises. After a reset into the
firmware loader, the upgrade command finds the loader by this name.

Exit codes:
  0 - At least one port found
  1 - No ports found
  2 - Enumeration failed`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().BoolVar(&scanUSBOnly, "usb", false, "Only show USB ports")
}

func runScan(cmd *cobra.Command, args []string) error {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Enumeration error: %v\n", err)
		os.Exit(2)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PORT\tVID:PID\tSERIAL\tPRODUCT")
	found := 0
	for _, p := range ports {
		if scanUSBOnly && !p.IsUSB {
			continue
		}
		ids := "-"
		if p.IsUSB {
			ids = p.VID + ":" + p.PID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Name, ids, orDash(p.SerialNumber), orDash(p.Product))
		found++
	}
	w.Flush()

	if found == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No serial ports found")
		os.Exit(1)
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// serialScanner reports USB serial ports as devices named by their product
// string
func serialScanner(ctx context.Context) ([]dfu.Device, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}

	devices := make([]dfu.Device, 0, len(ports))
	for _, p := range ports {
		if !p.IsUSB || p.Product == "" {
			continue
		}
		devices = append(devices, dfu.Device{Name: p.Product, Address: p.Name})
	}
	return devices, nil
}

// dialSerialDevice opens a stream link to a device found by serialScanner
func dialSerialDevice(ctx context.Context, device dfu.Device) (transport.Link, error) {
	return serialLink(device.Address), nil
}
