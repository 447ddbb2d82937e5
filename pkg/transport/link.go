// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

// Link is the capability of a physical link to carry SMP chunks. Setup
// operations return once started; their outcome arrives through the
// LinkObserver, which may be called from any goroutine.
type Link interface {
	// PoweredOn reports whether the underlying radio or port can be used.
	PoweredOn() bool

	// Connected reports whether the link is connected.
	Connected() bool

	// Disconnecting reports whether a disconnect is in progress.
	Disconnecting() bool

	// Connect starts connecting. The result is reported with OnConnected or
	// OnConnectFailed.
	Connect() error

	// Disconnect closes the link. OnDisconnected follows.
	Disconnect() error

	// DiscoverServices locates the SMP endpoint on a connected link and
	// enables notifications. Reported with OnServiceDiscovered and
	// OnCharacteristicReady.
	DiscoverServices() error

	// IsReadyForWrite reports whether the link accepts another chunk now.
	// After returning false the link calls OnReadyForWrite once it does.
	IsReadyForWrite() bool

	// WriteChunk writes one chunk without waiting for a response.
	WriteChunk(chunk []byte) error

	// MaxWriteLength returns the largest chunk the link accepts.
	MaxWriteLength() int

	// SetObserver registers the receiver of link events.
	SetObserver(observer LinkObserver)
}

// LinkObserver receives asynchronous link events
type LinkObserver interface {
	OnPoweredOn()
	OnConnected()
	OnDisconnected(err error)
	OnConnectFailed(err error)
	OnServiceDiscovered(err error)
	OnCharacteristicReady(err error)
	OnNotification(data []byte)
	OnReadyForWrite()
}

// State is the connection state of a Session
type State string

// Session link states
const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateInitializing  State = "initializing"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
)

// StateObserver is notified of Session state changes
type StateObserver interface {
	OnTransportStateChanged(state State)
}

// StateObserverFunc adapts a function to StateObserver
type StateObserverFunc func(state State)

// OnTransportStateChanged implements StateObserver
func (f StateObserverFunc) OnTransportStateChanged(state State) {
	f(state)
}

// Mode selects which link a Session uses
type Mode int

const (
	// ModeDefault talks to the application firmware.
	ModeDefault Mode = iota
	// ModeAlternate talks to the firmware loader found after a reset into
	// the bootloader.
	ModeAlternate
)

func (m Mode) String() string {
	if m == ModeAlternate {
		return "alternate"
	}
	return "default"
}
