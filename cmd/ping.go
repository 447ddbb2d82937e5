// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	pingTimeout time.Duration
	pingCount   int
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the device answers SMP requests",
	Long: `Send echo requests and wait for the replies.

This is most useful over a WebSocket bridge, where it verifies:
  - WebSocket connection is established
  - HTTP Basic authentication works
  - The bridge forwards SMP packets in both directions

Exit codes:
  0 - All pings successful
  1 - One or more pings failed/timed out
  2 - Connection error`,
	Args: cobra.NoArgs,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().DurationVar(&pingTimeout, "wait", 5*time.Second, "Timeout for each ping")
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
}

func runPing(cmd *cobra.Command, args []string) error {
	if pingCount < 1 {
		return fmt.Errorf("--count must be at least 1")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	client, session, connInfo := OpenClient(ctx)
	defer session.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "smpflash - Ping\n")
	fmt.Fprintf(out, "Connection: %s\n", connInfo)
	fmt.Fprintf(out, "Count: %d pings\n\n", pingCount)

	successCount := 0
	failCount := 0

	for i := 1; i <= pingCount; i++ {
		fmt.Fprintf(out, "Ping %d/%d: ", i, pingCount)

		text := fmt.Sprintf("ping %d", i)
		pingCtx, pingCancel := context.WithTimeout(ctx, pingTimeout)
		start := time.Now()
		reply, err := client.Echo(pingCtx, text)
		pingCancel()

		switch {
		case err != nil:
			fmt.Fprintf(out, "FAILED: %v\n", err)
			failCount++
		case reply != text:
			fmt.Fprintf(out, "BAD REPLY %q\n", reply)
			failCount++
		default:
			fmt.Fprintf(out, "reply, rtt=%v\n", time.Since(start).Round(time.Millisecond))
			successCount++
		}

		if i < pingCount {
			time.Sleep(100 * time.Millisecond)
		}
	}

	fmt.Fprintf(out, "\n--- Ping statistics ---\n")
	fmt.Fprintf(out, "%d pings sent, %d replies received, %.0f%% loss\n",
		pingCount, successCount, float64(failCount)/float64(pingCount)*100)

	if failCount > 0 {
		os.Exit(1)
	}
	return nil
}
