// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"sync"
)

// Responder answers one complete request packet written to a MemoryLink
// with the notification fragments to deliver. Returning nil drops the
// request.
type Responder func(packet []byte) [][]byte

// MemoryLink is an in-memory Link driven by a Responder. Notifications are
// delivered in order on a single goroutine, like a radio's event queue.
type MemoryLink struct {
	mu         sync.Mutex
	observer   LinkObserver
	responder  Responder
	powered    bool
	connected  bool
	ready      bool
	maxWrite   int
	connectErr error
	connects   int
	chunks     [][]byte
	assembler  packetAssembler

	events  chan func()
	closeCh chan struct{}
	once    sync.Once
}

// NewMemoryLink creates a powered, disconnected link that accepts chunks of
// up to maxWrite bytes
func NewMemoryLink(maxWrite int, responder Responder) *MemoryLink {
	l := &MemoryLink{
		responder: responder,
		powered:   true,
		ready:     true,
		maxWrite:  maxWrite,
		events:    make(chan func(), 256),
		closeCh:   make(chan struct{}),
	}
	go l.deliver()
	return l
}

func (l *MemoryLink) deliver() {
	for {
		select {
		case fn := <-l.events:
			fn()
		case <-l.closeCh:
			return
		}
	}
}

// post queues an observer call
func (l *MemoryLink) post(fn func(o LinkObserver)) {
	l.mu.Lock()
	o := l.observer
	l.mu.Unlock()
	if o == nil {
		return
	}
	select {
	case l.events <- func() { fn(o) }:
	case <-l.closeCh:
	}
}

// Close stops event delivery
func (l *MemoryLink) Close() {
	l.once.Do(func() { close(l.closeCh) })
}

// SetResponder replaces the responder
func (l *MemoryLink) SetResponder(responder Responder) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.responder = responder
}

// SetPowered changes the power state; powering on notifies the observer
func (l *MemoryLink) SetPowered(powered bool) {
	l.mu.Lock()
	was := l.powered
	l.powered = powered
	l.mu.Unlock()
	if powered && !was {
		l.post(func(o LinkObserver) { o.OnPoweredOn() })
	}
}

// SetConnected marks the link connected without going through Connect
func (l *MemoryLink) SetConnected(connected bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = connected
}

// SetReadyForWrite changes write readiness; becoming ready notifies the
// observer
func (l *MemoryLink) SetReadyForWrite(ready bool) {
	l.mu.Lock()
	was := l.ready
	l.ready = ready
	l.mu.Unlock()
	if ready && !was {
		l.post(func(o LinkObserver) { o.OnReadyForWrite() })
	}
}

// SetConnectError makes following Connect calls fail with err
func (l *MemoryLink) SetConnectError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connectErr = err
}

// Drop simulates the device going away
func (l *MemoryLink) Drop(err error) {
	l.mu.Lock()
	l.connected = false
	l.assembler.reset()
	l.mu.Unlock()
	l.post(func(o LinkObserver) { o.OnDisconnected(err) })
}

// Notify delivers unsolicited notification data
func (l *MemoryLink) Notify(data []byte) {
	l.post(func(o LinkObserver) { o.OnNotification(data) })
}

// Chunks returns every chunk written so far
func (l *MemoryLink) Chunks() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.chunks))
	copy(out, l.chunks)
	return out
}

// Connects returns how many times Connect was called
func (l *MemoryLink) Connects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connects
}

// SetObserver implements Link
func (l *MemoryLink) SetObserver(observer LinkObserver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observer = observer
}

// PoweredOn implements Link
func (l *MemoryLink) PoweredOn() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.powered
}

// Connected implements Link
func (l *MemoryLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Disconnecting implements Link
func (l *MemoryLink) Disconnecting() bool {
	return false
}

// Connect implements Link
func (l *MemoryLink) Connect() error {
	l.mu.Lock()
	l.connects++
	err := l.connectErr
	if err == nil {
		l.connected = true
	}
	l.mu.Unlock()

	if err != nil {
		l.post(func(o LinkObserver) { o.OnConnectFailed(err) })
		return nil
	}
	l.post(func(o LinkObserver) { o.OnConnected() })
	return nil
}

// Disconnect implements Link
func (l *MemoryLink) Disconnect() error {
	l.Drop(nil)
	return nil
}

// DiscoverServices implements Link
func (l *MemoryLink) DiscoverServices() error {
	l.post(func(o LinkObserver) {
		o.OnServiceDiscovered(nil)
		o.OnCharacteristicReady(nil)
	})
	return nil
}

// IsReadyForWrite implements Link
func (l *MemoryLink) IsReadyForWrite() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}

// MaxWriteLength implements Link
func (l *MemoryLink) MaxWriteLength() int {
	return l.maxWrite
}

// WriteChunk implements Link. Each completed packet is handed to the
// responder and its fragments are delivered as notifications.
func (l *MemoryLink) WriteChunk(chunk []byte) error {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return ErrDisconnected
	}
	c := make([]byte, len(chunk))
	copy(c, chunk)
	l.chunks = append(l.chunks, c)
	packets := l.assembler.add(c)
	responder := l.responder
	l.mu.Unlock()

	if responder == nil {
		return nil
	}
	for _, packet := range packets {
		for _, fragment := range responder(packet) {
			l.Notify(fragment)
		}
	}
	return nil
}
