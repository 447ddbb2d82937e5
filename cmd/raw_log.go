// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/Thermoquad/smpflash/pkg/smp"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var (
	rawLogStatsInterval int
	rawLogConsole       bool
	rawLogHex           bool
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display SMP traffic in human-readable format",
	Long: `Continuously decode and display SMP packets as they cross the link.

Nothing is sent. Every packet is printed with timestamp, operation, group,
command and decoded payload. Responses are checked against the request with
the same sequence number; mismatches are reported as validation errors.

Serial links carry console-framed packets mixed with plain console output,
which is shown with --console. WebSocket links carry one packet per binary
message.`,
	Args: cobra.NoArgs,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().IntVar(&rawLogStatsInterval, "stats-interval", 0, "Print statistics every N seconds (0 disables)")
	rawLogCmd.Flags().BoolVar(&rawLogConsole, "console", false, "Show console output between packets")
	rawLogCmd.Flags().BoolVar(&rawLogHex, "hex", false, "Show the raw bytes of every packet")
}

// packetMonitor validates and prints a stream of packets
type packetMonitor struct {
	out      io.Writer
	stats    *smp.Statistics
	requests map[uint8]smp.Header
	showHex  bool
}

func newPacketMonitor(out io.Writer, showHex bool) *packetMonitor {
	return &packetMonitor{
		out:      out,
		stats:    smp.NewStatistics(),
		requests: make(map[uint8]smp.Header),
		showHex:  showHex,
	}
}

// handle processes one complete packet
func (m *packetMonitor) handle(data []byte) {
	packet, err := smp.DecodePacket(data)
	if err != nil {
		m.decodeError(err)
		return
	}

	h := packet.Header()
	var problems []smp.ValidationError
	if !h.IsResponse() {
		m.requests[h.Sequence] = h
	} else if req, ok := m.requests[h.Sequence]; ok {
		delete(m.requests, h.Sequence)
		problems = smp.ValidateResponse(req, data)
	}
	m.stats.Update(packet, nil, problems)

	fmt.Fprint(m.out, smp.FormatPacket(packet))
	if m.showHex {
		fmt.Fprintf(m.out, "  Raw: %s\n", smp.FormatHex(data))
	}
	for i, p := range problems {
		fmt.Fprintf(m.out, "  \033[1;33mIssue %d:\033[0m %s\n", i+1, p.Message)
	}
}

func (m *packetMonitor) decodeError(err error) {
	m.stats.Update(nil, err, nil)
	timestamp := time.Now().Format("15:04:05.000")
	fmt.Fprintf(m.out, "[%s] \033[1;31mDECODE ERROR:\033[0m %v\n", timestamp, err)
}

func runRawLog(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	monitor := newPacketMonitor(out, rawLogHex)

	var ticks <-chan time.Time
	if rawLogStatsInterval > 0 {
		ticker := time.NewTicker(time.Duration(rawLogStatsInterval) * time.Second)
		defer ticker.Stop()
		ticks = ticker.C
	}

	packets := make(chan []byte, 16)
	decodeErrs := make(chan error, 16)
	readErr := make(chan error, 1)

	switch {
	case wsURL != "":
		conn, err := dialRawWebSocket(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
			os.Exit(2)
		}
		defer conn.Close()
		fmt.Fprintf(out, "smpflash - Raw Packet Log\nConnection: WebSocket: %s\nPress Ctrl+C to exit\n\n", wsURL)
		go readWebSocketPackets(conn, packets, readErr)

	case portName != "":
		port, err := openSerialPort(portName, baudRate)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
			os.Exit(2)
		}
		defer port.Close()
		fmt.Fprintf(out, "smpflash - Raw Packet Log\nConnection: Serial: %s @ %d baud\nPress Ctrl+C to exit\n\n", portName, baudRate)
		go readSerialPackets(port, out, packets, decodeErrs, readErr)

	default:
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", errNoConnection)
		os.Exit(2)
	}

	for {
		select {
		case data := <-packets:
			monitor.handle(data)
		case err := <-decodeErrs:
			monitor.decodeError(err)
		case <-ticks:
			fmt.Fprintln(out)
			fmt.Fprint(out, monitor.stats.String())
			fmt.Fprintln(out)
		case err := <-readErr:
			log.Printf("Connection closed: %v", err)
			fmt.Fprint(out, monitor.stats.String())
			return nil
		case <-cmd.Context().Done():
			return nil
		}
	}
}

func dialRawWebSocket(ctx context.Context) (*websocket.Conn, error) {
	password := ""
	if wsUsername != "" {
		var err error
		if password, err = GetPassword(); err != nil {
			return nil, err
		}
	}
	dial, err := webSocketDialer(wsURL, wsUsername, password, wsNoSSLVerify)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	return dial(ctx)
}

func readWebSocketPackets(conn *websocket.Conn, packets chan<- []byte, readErr chan<- error) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		packets <- data
	}
}

// readSerialPackets feeds the port through a console frame decoder. Decode
// errors before the first good packet are line noise and only counted.
func readSerialPackets(port io.Reader, out io.Writer, packets chan<- []byte, decodeErrs chan<- error, readErr chan<- error) {
	decoder := smp.NewSerialDecoder()
	synchronized := false
	skipped := 0
	var line []byte
	buf := make([]byte, 256)

	for {
		n, err := port.Read(buf)
		if err != nil {
			readErr <- err
			return
		}

		for _, b := range buf[:n] {
			packet, decodeErr := decoder.DecodeByte(b)
			switch {
			case decodeErr != nil:
				if synchronized {
					decodeErrs <- decodeErr
				} else {
					skipped++
				}
			case packet != nil:
				if !synchronized {
					synchronized = true
					if skipped > 0 {
						fmt.Fprintf(out, "[SYNC] Synchronized after %d decode errors\n\n", skipped)
					}
				}
				packets <- packet
			}

			if !rawLogConsole {
				continue
			}
			if b == '\n' {
				if text := consoleText(line); text != "" {
					fmt.Fprintf(out, "  console: %s\n", text)
				}
				line = line[:0]
			} else if len(line) < smp.SerialMaxLineLength {
				line = append(line, b)
			}
		}
	}
}

// consoleText returns line unless it is part of an SMP frame
func consoleText(line []byte) string {
	if len(line) >= 2 {
		first, second := line[0], line[1]
		if (first == smp.SerialFrameStart1 && second == smp.SerialFrameStart2) ||
			(first == smp.SerialFrameContinuation1 && second == smp.SerialFrameContinuation2) {
			return ""
		}
	}
	for len(line) > 0 && (line[len(line)-1] == '\r' || line[len(line)-1] == ' ') {
		line = line[:len(line)-1]
	}
	return string(line)
}
