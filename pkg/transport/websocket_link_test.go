// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Thermoquad/smpflash/pkg/smp"
	"github.com/gorilla/websocket"
)

// newEchoBridge serves a WebSocket SMP bridge answering every binary
// message with its response and ignoring text messages
func newEchoBridge(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind != websocket.BinaryMessage {
				continue
			}
			h, err := smp.ParseHeader(data)
			if err != nil {
				continue
			}
			h.Op++
			// A log line ahead of the response must be skipped
			conn.WriteMessage(websocket.TextMessage, []byte("log"))
			conn.WriteMessage(websocket.BinaryMessage, append(h.Bytes(), data[smp.HeaderSize:]...))
		}
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebSocketLink_SessionRoundTrip(t *testing.T) {
	url := newEchoBridge(t)
	link := NewWebSocketLink(func(ctx context.Context) (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		return conn, err
	}, 64, nil)

	config := testSessionConfig()
	config.ChunkToMTU = true
	s := NewSession(link, config)
	defer s.Close()

	request := echoRequest(t, 40, strings.Repeat("w", 150))
	resp, err := s.Send(context.Background(), request, 2*time.Second)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(resp) != len(request) {
		t.Errorf("response is %d bytes, want %d", len(resp), len(request))
	}
	if h, _ := smp.ParseHeader(resp); h.Sequence != 40 {
		t.Errorf("response sequence = %d, want 40", h.Sequence)
	}

	if err := s.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != StateDisconnected && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", s.State())
	}
}
