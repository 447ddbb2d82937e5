// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"errors"
	"fmt"
)

// Errors returned by the transport package.
var (
	// ErrPoweredOff is returned when the link's radio or port is unavailable.
	ErrPoweredOff = errors.New("transport: link powered off")

	// ErrConnectionTimeout is returned when link setup does not finish in time.
	ErrConnectionTimeout = errors.New("transport: connection timed out")

	// ErrConnectionFailed is returned when the link reports a failed connect.
	ErrConnectionFailed = errors.New("transport: connection failed")

	// ErrDisconnected is returned to waiters when the link drops mid-operation.
	ErrDisconnected = errors.New("transport: disconnected")

	// ErrMissingCharacteristic is returned when setup finished without a
	// writable SMP endpoint.
	ErrMissingCharacteristic = errors.New("transport: SMP characteristic not found")

	// ErrBadHeader is returned when no sequence number can be read from a request.
	ErrBadHeader = errors.New("transport: bad header")

	// ErrBadResponse is returned for malformed notifications.
	ErrBadResponse = errors.New("transport: bad response")

	// ErrBadChunking is returned when MTU chunking does not account for every byte.
	ErrBadChunking = errors.New("transport: bad chunking")

	// ErrSendTimeout is returned when no complete response arrived in time.
	ErrSendTimeout = errors.New("transport: send timed out")

	// ErrWaitAndRetry signals a transient condition; the request is retried
	// after the retry interval.
	ErrWaitAndRetry = errors.New("transport: wait and retry")

	// ErrNotReady signals that the request timed out while its chunks were
	// still queued behind link backpressure; it is retried immediately.
	ErrNotReady = errors.New("transport: link not ready for write")

	// ErrSendFailed is returned once every retry attempt has been used.
	ErrSendFailed = errors.New("transport: send failed")

	// ErrClosed is returned when sending on a closed session.
	ErrClosed = errors.New("transport: session closed")

	// ErrAlreadyInMode is returned by SwitchMode when the mode is current.
	ErrAlreadyInMode = errors.New("transport: already in requested mode")

	// ErrModeSwitchStillConnected is returned by SwitchMode while the current
	// link is connected.
	ErrModeSwitchStillConnected = errors.New("transport: cannot switch mode while connected")

	// ErrModeSwitchNoLink is returned by SwitchMode to the alternate mode
	// without a link.
	ErrModeSwitchNoLink = errors.New("transport: no link for alternate mode")
)

// InsufficientMTUError is returned when a request does not fit the MTU and
// chunking is disabled.
type InsufficientMTUError struct {
	MTU int
}

func (e *InsufficientMTUError) Error() string {
	return fmt.Sprintf("transport: insufficient MTU %d", e.MTU)
}

// isRetryable reports whether the send loop handles err itself
func isRetryable(err error) bool {
	return errors.Is(err, ErrWaitAndRetry) || errors.Is(err, ErrNotReady)
}
