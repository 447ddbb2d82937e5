// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/Thermoquad/smpflash/pkg/smp"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the image slots of the device",
	Long: `Read the image state of the device and print one entry per slot.

Flags shown per slot:
  active     the slot the device is running from
  confirmed  the image will keep booting
  pending    the image boots on the next reset
  permanent  the pending image is also confirmed
  bootable   the image header is valid`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	client, session, connInfo := OpenClient(ctx)
	defer session.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Connection: %s\n\n", connInfo)

	resp, err := client.ListImages(ctx)
	if err != nil {
		return fmt.Errorf("reading image state: %w", err)
	}
	printImageState(out, resp)

	if mode, err := client.BootloaderMode(ctx); err == nil && mode != smp.BootloaderModeUnknown {
		fmt.Fprintf(out, "\nBootloader mode: %s\n", mode)
	}
	return nil
}

// printImageState writes one block per slot
func printImageState(w io.Writer, resp *smp.ImageStateResponse) {
	if len(resp.Images) == 0 {
		fmt.Fprintln(w, "No images reported")
		return
	}

	for _, s := range resp.Images {
		fmt.Fprintf(w, "Image %d, slot %d\n", s.Image, s.Slot)
		fmt.Fprintf(w, "  Version: %s\n", s.Version)
		fmt.Fprintf(w, "  Hash:    %s\n", hex.EncodeToString(s.Hash))
		fmt.Fprintf(w, "  Flags:   %s\n", slotFlags(s))
	}
	if resp.SplitStatus != nil {
		fmt.Fprintf(w, "Split status: %d\n", *resp.SplitStatus)
	}
}

func slotFlags(s smp.ImageSlot) string {
	var flags []string
	for _, f := range []struct {
		set  bool
		name string
	}{
		{s.Active, "active"},
		{s.Confirmed, "confirmed"},
		{s.Pending, "pending"},
		{s.Permanent, "permanent"},
		{s.Bootable, "bootable"},
		{s.Compressed, "compressed"},
	} {
		if f.set {
			flags = append(flags, f.name)
		}
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, " ")
}
