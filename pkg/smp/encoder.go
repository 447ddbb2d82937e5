// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package smp

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// Encode encodes a Packet to its wire format: header followed by the CBOR
// payload. The header length field is filled in from the encoded payload.
func Encode(p *Packet) ([]byte, error) {
	payload := p.cborPayload
	if payload == nil {
		var err error
		payload, err = EncodePayload(p.PayloadMap())
		if err != nil {
			return nil, fmt.Errorf("failed to encode CBOR payload: %w", err)
		}
	}
	if len(payload) > MaxReassemblyBufferSize {
		return nil, fmt.Errorf("CBOR payload too large: %d bytes (max %d)", len(payload), MaxReassemblyBufferSize)
	}

	header := p.header
	header.Length = uint16(len(payload))

	data := make([]byte, 0, HeaderSize+len(payload))
	data = append(data, header.Bytes()...)
	data = append(data, payload...)
	return data, nil
}

// MustEncode encodes a packet and panics on error.
// Command builders only produce encodable payloads, so this is safe for them.
func MustEncode(p *Packet) []byte {
	data, err := Encode(p)
	if err != nil {
		panic(fmt.Sprintf("smp: encode error: %v", err))
	}
	return data
}

// EncodeSerial wraps a raw SMP packet in console framing.
//
// The framed body is base64(len || packet || crc) where len covers the
// packet and the CRC. The body is split across lines of at most
// SerialMaxLineLength bytes; the first line starts with 0x06 0x09 and each
// following line with 0x04 0x14.
func EncodeSerial(packet []byte) []byte {
	body := make([]byte, 2, len(packet)+4)
	binary.BigEndian.PutUint16(body, uint16(len(packet)+2))
	body = append(body, packet...)
	crc := CalculateCRC(packet)
	body = append(body, byte(crc>>8), byte(crc&0xFF))

	encoded := base64.StdEncoding.EncodeToString(body)

	// 2 marker bytes and the newline share the line budget
	perLine := SerialMaxLineLength - 3
	perLine -= perLine % 4

	out := make([]byte, 0, len(encoded)+(len(encoded)/perLine+1)*3)
	for i := 0; i < len(encoded); i += perLine {
		if i == 0 {
			out = append(out, SerialFrameStart1, SerialFrameStart2)
		} else {
			out = append(out, SerialFrameContinuation1, SerialFrameContinuation2)
		}
		end := i + perLine
		if end > len(encoded) {
			end = len(encoded)
		}
		out = append(out, encoded[i:end]...)
		out = append(out, SerialFrameEnd)
	}
	return out
}
