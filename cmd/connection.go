// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/Thermoquad/smpflash/pkg/mcumgr"
	"github.com/Thermoquad/smpflash/pkg/transport"
	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"golang.org/x/term"
)

// passwordEnv names the environment variable holding the WebSocket password
const passwordEnv = "SMPFLASH_PASSWORD"

// errNoConnection is returned when neither --port nor --url was given
var errNoConnection = errors.New("either --port or --url must be specified")

// openSerialPort opens a serial port with 8N1 framing
func openSerialPort(portName string, baudRate int) (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}
	return port, nil
}

// serialLink returns a stream link that reopens portName on every connect
func serialLink(portName string) *transport.StreamLink {
	opener := func() (io.ReadWriteCloser, error) {
		return openSerialPort(portName, baudRate)
	}
	return transport.NewStreamLink(opener, linkMTU, loggerFactory)
}

// webSocketDialer dials wsURL with HTTP Basic auth
func webSocketDialer(wsURL, username, password string, skipSSLVerify bool) (transport.WebSocketDialer, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: skipSSLVerify,
		}
	}

	headers := http.Header{}
	if username != "" && password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	return func(ctx context.Context) (*websocket.Conn, error) {
		conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
			}
			return nil, fmt.Errorf("WebSocket connection failed: %w", err)
		}
		return conn, nil
	}, nil
}

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	if pw := os.Getenv(passwordEnv); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Not a terminal, read a plain line instead
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// OpenLink builds the link selected by the connection flags. The link is
// not connected yet; the session connects it on first use.
func OpenLink() (transport.Link, string, error) {
	if wsURL != "" {
		password := ""
		if wsUsername != "" {
			var err error
			password, err = GetPassword()
			if err != nil {
				return nil, "", err
			}
		}

		dial, err := webSocketDialer(wsURL, wsUsername, password, wsNoSSLVerify)
		if err != nil {
			return nil, "", err
		}
		return transport.NewWebSocketLink(dial, linkMTU, loggerFactory), fmt.Sprintf("WebSocket: %s", wsURL), nil
	}

	if portName != "" {
		return serialLink(portName), fmt.Sprintf("Serial: %s @ %d baud", portName, baudRate), nil
	}

	return nil, "", errNoConnection
}

// sessionConfig applies the session flags to the default configuration
func sessionConfig() transport.SessionConfig {
	config := transport.DefaultSessionConfig()
	config.ConnectionTimeout = commandTimeout
	config.MTU = linkMTU
	config.LoggerFactory = loggerFactory
	return config
}

// OpenSession opens the link selected by the flags and connects a session
// over it. Connection failures exit with status 2.
func OpenSession(ctx context.Context) (*transport.Session, string) {
	link, connInfo, err := OpenLink()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}

	session := transport.NewSession(link, sessionConfig())
	if err := session.Connect(ctx); err != nil {
		session.Close()
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	return session, connInfo
}

// OpenClient opens a session and wraps it in a command client
func OpenClient(ctx context.Context) (*mcumgr.Client, *transport.Session, string) {
	session, connInfo := OpenSession(ctx)
	return mcumgr.NewClient(session, loggerFactory), session, connInfo
}
