// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package smp

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// maxSerialBody bounds the base64 text accumulated for one packet
const maxSerialBody = (MaxReassemblyBufferSize + HeaderSize + 4) * 4 / 3

// SerialDecoder reassembles SMP packets from console-framed bytes
type SerialDecoder struct {
	state     int
	first     byte
	line      []byte // base64 text of the current line
	body      []byte // base64 text accumulated across lines
	inPacket  bool
	rawBuffer []byte // raw bytes since the last packet, including framing
}

// NewSerialDecoder creates a new console frame decoder
func NewSerialDecoder() *SerialDecoder {
	return &SerialDecoder{
		state:     stateIdle,
		line:      make([]byte, 0, SerialMaxLineLength),
		body:      make([]byte, 0, 256),
		rawBuffer: make([]byte, 0, 256),
	}
}

// Reset resets the decoder state to idle
func (d *SerialDecoder) Reset() {
	d.state = stateIdle
	d.line = d.line[:0]
	d.body = d.body[:0]
	d.inPacket = false
	d.rawBuffer = d.rawBuffer[:0]
}

// GetRawBytes returns the accumulated raw bytes since the last packet
func (d *SerialDecoder) GetRawBytes() []byte {
	return d.rawBuffer
}

// DecodeByte processes a single byte through the decoder state machine.
// Returns a complete SMP packet (header and payload), or nil if the packet is
// incomplete. Bytes outside of a frame (console output) are ignored.
func (d *SerialDecoder) DecodeByte(b byte) ([]byte, error) {
	d.rawBuffer = append(d.rawBuffer, b)

	switch d.state {
	case stateIdle:
		if b == SerialFrameStart1 || b == SerialFrameContinuation1 {
			d.first = b
			d.state = stateStart2
		} else if !d.inPacket {
			d.rawBuffer = d.rawBuffer[:0]
		}
		return nil, nil

	case stateStart2:
		switch {
		case d.first == SerialFrameStart1 && b == SerialFrameStart2:
			d.body = d.body[:0]
			d.inPacket = true
		case d.first == SerialFrameContinuation1 && b == SerialFrameContinuation2:
			if !d.inPacket {
				d.state = stateIdle
				return nil, fmt.Errorf("continuation frame without start frame")
			}
		default:
			d.state = stateIdle
			return nil, nil
		}
		d.line = d.line[:0]
		d.state = stateBody
		return nil, nil

	case stateBody:
		if b != SerialFrameEnd {
			if len(d.line) >= SerialMaxLineLength {
				d.Reset()
				return nil, fmt.Errorf("frame line exceeds %d bytes", SerialMaxLineLength)
			}
			d.line = append(d.line, b)
			return nil, nil
		}
		d.state = stateIdle
		if len(d.body)+len(d.line) > maxSerialBody {
			d.Reset()
			return nil, fmt.Errorf("frame body exceeds %d bytes", maxSerialBody)
		}
		d.body = append(d.body, d.line...)
		return d.tryComplete()

	default:
		d.Reset()
		return nil, fmt.Errorf("invalid state: %d", d.state)
	}
}

// tryComplete decodes the accumulated body and returns the packet once the
// declared length has arrived.
func (d *SerialDecoder) tryComplete() ([]byte, error) {
	if len(d.body)%4 != 0 {
		// Line split inside a base64 quantum; wait for the next line
		return nil, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(string(d.body))
	if err != nil {
		d.Reset()
		return nil, fmt.Errorf("invalid base64 body: %w", err)
	}
	if len(decoded) < 2 {
		return nil, nil
	}
	declared := int(binary.BigEndian.Uint16(decoded))
	if declared < 2 {
		d.Reset()
		return nil, fmt.Errorf("invalid frame length: %d", declared)
	}
	if len(decoded)-2 < declared {
		return nil, nil
	}
	if len(decoded)-2 > declared {
		d.Reset()
		return nil, fmt.Errorf("frame overrun: declared %d bytes, got %d", declared, len(decoded)-2)
	}

	packet := decoded[2 : len(decoded)-2]
	received := binary.BigEndian.Uint16(decoded[len(decoded)-2:])
	calculated := CalculateCRC(packet)
	d.Reset()
	if received != calculated {
		return nil, fmt.Errorf("%w: expected 0x%04X, got 0x%04X", ErrCRCMismatch, calculated, received)
	}
	return packet, nil
}
