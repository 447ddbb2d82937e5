// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
)

// Defaults of a WebSocketLink
const (
	DefaultWebSocketMTU         = 1024
	DefaultWebSocketDialTimeout = 15 * time.Second
)

// WebSocketDialer opens the connection of a WebSocketLink
type WebSocketDialer func(ctx context.Context) (*websocket.Conn, error)

// WebSocketLink carries one SMP packet per binary WebSocket message, as
// served by SMP bridges
type WebSocketLink struct {
	dial        WebSocketDialer
	dialTimeout time.Duration
	mtu         int
	log         logging.LeveledLogger

	mu            sync.Mutex
	writeMu       sync.Mutex
	conn          *websocket.Conn
	connected     bool
	disconnecting bool
	observer      LinkObserver
	assembler     packetAssembler
}

// NewWebSocketLink creates a link that connects with dial. A zero mtu uses
// DefaultWebSocketMTU.
func NewWebSocketLink(dial WebSocketDialer, mtu int, factory logging.LoggerFactory) *WebSocketLink {
	if mtu <= 0 {
		mtu = DefaultWebSocketMTU
	}
	return &WebSocketLink{
		dial:        dial,
		dialTimeout: DefaultWebSocketDialTimeout,
		mtu:         mtu,
		log:         ScopedLogger(factory, "smp-websocket"),
	}
}

// SetObserver implements Link
func (l *WebSocketLink) SetObserver(observer LinkObserver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observer = observer
}

func (l *WebSocketLink) getObserver() LinkObserver {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.observer
}

// PoweredOn implements Link
func (l *WebSocketLink) PoweredOn() bool {
	return true
}

// Connected implements Link
func (l *WebSocketLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Disconnecting implements Link
func (l *WebSocketLink) Disconnecting() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disconnecting
}

// Connect implements Link. Dialing runs in the background.
func (l *WebSocketLink) Connect() error {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), l.dialTimeout)
		defer cancel()

		conn, err := l.dial(ctx)
		if err != nil {
			l.log.Warnf("dial failed: %v", err)
			if o := l.getObserver(); o != nil {
				o.OnConnectFailed(err)
			}
			return
		}

		l.mu.Lock()
		l.conn = conn
		l.connected = true
		l.disconnecting = false
		l.assembler.reset()
		l.mu.Unlock()

		go l.readLoop(conn)

		if o := l.getObserver(); o != nil {
			o.OnConnected()
		}
	}()
	return nil
}

// Disconnect implements Link
func (l *WebSocketLink) Disconnect() error {
	l.mu.Lock()
	conn := l.conn
	if conn == nil || !l.connected {
		l.mu.Unlock()
		return nil
	}
	l.disconnecting = true
	l.mu.Unlock()

	l.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	l.writeMu.Unlock()
	return conn.Close()
}

// DiscoverServices implements Link
func (l *WebSocketLink) DiscoverServices() error {
	if o := l.getObserver(); o != nil {
		o.OnServiceDiscovered(nil)
		o.OnCharacteristicReady(nil)
	}
	return nil
}

// IsReadyForWrite implements Link
func (l *WebSocketLink) IsReadyForWrite() bool {
	return l.Connected()
}

// MaxWriteLength implements Link
func (l *WebSocketLink) MaxWriteLength() int {
	return l.mtu
}

// WriteChunk implements Link
func (l *WebSocketLink) WriteChunk(chunk []byte) error {
	l.mu.Lock()
	conn := l.conn
	if conn == nil || !l.connected {
		l.mu.Unlock()
		return ErrDisconnected
	}
	packets := l.assembler.add(chunk)
	l.mu.Unlock()

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	for _, packet := range packets {
		if err := conn.WriteMessage(websocket.BinaryMessage, packet); err != nil {
			return err
		}
	}
	return nil
}

func (l *WebSocketLink) readLoop(conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			l.closed(err)
			return
		}
		// Only binary messages carry SMP
		if messageType != websocket.BinaryMessage {
			continue
		}
		if o := l.getObserver(); o != nil {
			o.OnNotification(data)
		}
	}
}

func (l *WebSocketLink) closed(err error) {
	l.mu.Lock()
	wasDisconnecting := l.disconnecting
	l.connected = false
	l.disconnecting = false
	l.conn = nil
	l.mu.Unlock()

	var closeErr *websocket.CloseError
	if wasDisconnecting || (errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure) {
		err = nil
	} else {
		l.log.Warnf("connection closed: %v", err)
	}
	if o := l.getObserver(); o != nil {
		o.OnDisconnected(err)
	}
}
