// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package smp

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Header is the fixed 8-byte SMP header
type Header struct {
	Version  uint8
	Op       uint8
	Flags    uint8
	Length   uint16
	Group    uint16
	Sequence uint8
	Command  uint8
}

// ParseHeader decodes the first HeaderSize bytes of data
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("header too short: %d bytes (need %d)", len(data), HeaderSize)
	}
	return Header{
		Version:  (data[headerOffsetOp] >> 3) & 0x03,
		Op:       data[headerOffsetOp] & 0x07,
		Flags:    data[headerOffsetFlags],
		Length:   binary.BigEndian.Uint16(data[headerOffsetLength:]),
		Group:    binary.BigEndian.Uint16(data[headerOffsetGroup:]),
		Sequence: data[headerOffsetSequence],
		Command:  data[headerOffsetCommand],
	}, nil
}

// Bytes encodes the header to its 8-byte wire form
func (h Header) Bytes() []byte {
	b := make([]byte, HeaderSize)
	b[headerOffsetOp] = (h.Version&0x03)<<3 | h.Op&0x07
	b[headerOffsetFlags] = h.Flags
	binary.BigEndian.PutUint16(b[headerOffsetLength:], h.Length)
	binary.BigEndian.PutUint16(b[headerOffsetGroup:], h.Group)
	b[headerOffsetSequence] = h.Sequence
	b[headerOffsetCommand] = h.Command
	return b
}

// IsResponse reports whether the header carries a response operation
func (h Header) IsResponse() bool {
	return h.Op == OpReadResponse || h.Op == OpWriteResponse
}

// SequenceNumber extracts the sequence number from a raw packet
func SequenceNumber(data []byte) (uint8, bool) {
	if len(data) < HeaderSize {
		return 0, false
	}
	return data[headerOffsetSequence], true
}

// ExpectedLength returns the total size of the packet whose first fragment
// is data: the header length field plus the header itself
func ExpectedLength(data []byte) (int, bool) {
	if len(data) < HeaderSize {
		return 0, false
	}
	return int(binary.BigEndian.Uint16(data[headerOffsetLength:])) + HeaderSize, true
}

// Packet represents a decoded SMP packet
type Packet struct {
	header      Header
	cborPayload []byte
	timestamp   time.Time

	// Cached parsed values (lazy parsing)
	payloadMap map[string]interface{}
	parsed     bool
	parseErr   error
}

// NewPacket creates a packet from a header and raw CBOR payload
func NewPacket(header Header, cborPayload []byte) *Packet {
	return &Packet{
		header:      header,
		cborPayload: cborPayload,
		timestamp:   time.Now(),
	}
}

// NewPacketWithPayload creates a request packet from a payload map.
// The CBOR encoding and header length are computed on Encode.
func NewPacketWithPayload(op uint8, group uint16, command uint8, payload map[string]interface{}) *Packet {
	return &Packet{
		header: Header{
			Version: VersionV2,
			Op:      op,
			Group:   group,
			Command: command,
		},
		payloadMap: payload,
		parsed:     true,
		timestamp:  time.Now(),
	}
}

// DecodePacket splits raw bytes into header and payload. The payload is
// parsed lazily.
func DecodePacket(data []byte) (*Packet, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	body := data[HeaderSize:]
	if len(body) < int(header.Length) {
		return nil, fmt.Errorf("payload truncated: header declares %d bytes, got %d", header.Length, len(body))
	}
	return NewPacket(header, body[:header.Length]), nil
}

// ensureParsed parses the CBOR payload if not already done
func (p *Packet) ensureParsed() {
	if p.parsed {
		return
	}
	p.parsed = true
	if len(p.cborPayload) == 0 {
		return
	}
	p.payloadMap, p.parseErr = ParsePayload(p.cborPayload)
}

// Header returns the packet header
func (p *Packet) Header() Header {
	return p.header
}

// Sequence returns the packet's sequence number
func (p *Packet) Sequence() uint8 {
	return p.header.Sequence
}

// SetSequence assigns the sequence number used on Encode
func (p *Packet) SetSequence(seq uint8) {
	p.header.Sequence = seq
}

// Group returns the packet's command group
func (p *Packet) Group() uint16 {
	return p.header.Group
}

// Command returns the packet's command ID
func (p *Packet) Command() uint8 {
	return p.header.Command
}

// Op returns the packet's operation
func (p *Packet) Op() uint8 {
	return p.header.Op
}

// Payload returns the raw CBOR payload bytes
func (p *Packet) Payload() []byte {
	return p.cborPayload
}

// PayloadMap returns the decoded CBOR payload map (nil for empty payloads)
func (p *Packet) PayloadMap() map[string]interface{} {
	p.ensureParsed()
	return p.payloadMap
}

// ParseError returns any error from parsing the CBOR payload
func (p *Packet) ParseError() error {
	p.ensureParsed()
	return p.parseErr
}

// Timestamp returns the packet's decode timestamp
func (p *Packet) Timestamp() time.Time {
	return p.timestamp
}
