// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package smp

import (
	"bytes"
	"fmt"
)

// Response carries the fields every SMP response may include
type Response struct {
	RC  *int        `cbor:"rc,omitempty"`
	Err *GroupError `cbor:"err,omitempty"`
}

// ReturnCode returns the "rc" field; an absent field means success
func (r Response) ReturnCode() ReturnCode {
	if r.RC == nil {
		return RCOk
	}
	return ReturnCode(*r.RC)
}

// GroupErr returns the SMPv2 group error, or nil when the command succeeded
func (r Response) GroupErr() error {
	if r.Err == nil || r.Err.RC == 0 {
		return nil
	}
	return r.Err
}

// Responder is implemented by every typed response
type Responder interface {
	ReturnCode() ReturnCode
	GroupErr() error
}

// EchoResponse is returned by the OS echo command
type EchoResponse struct {
	Response
	Text string `cbor:"r"`
}

// ParamsResponse is returned by the OS MCUmgr parameters command
type ParamsResponse struct {
	Response
	BufferSize  *uint64 `cbor:"buf_size,omitempty"`
	BufferCount *uint64 `cbor:"buf_count,omitempty"`
}

// BootloaderInfoResponse is returned by the OS bootloader info command
type BootloaderInfoResponse struct {
	Response
	Bootloader  string `cbor:"bootloader,omitempty"`
	Mode        *int   `cbor:"mode,omitempty"`
	NoDowngrade bool   `cbor:"no-downgrade,omitempty"`
	Active      *int   `cbor:"active,omitempty"`
}

// ImageSlot is one entry of the image state list
type ImageSlot struct {
	Image      int    `cbor:"image"`
	Slot       int    `cbor:"slot"`
	Version    string `cbor:"version"`
	Hash       []byte `cbor:"hash"`
	Bootable   bool   `cbor:"bootable"`
	Pending    bool   `cbor:"pending"`
	Confirmed  bool   `cbor:"confirmed"`
	Active     bool   `cbor:"active"`
	Permanent  bool   `cbor:"permanent"`
	Compressed bool   `cbor:"compressed,omitempty"`
}

// ImageStateResponse is returned by image state read and write
type ImageStateResponse struct {
	Response
	Images      []ImageSlot `cbor:"images"`
	SplitStatus *int        `cbor:"splitStatus,omitempty"`
}

// Find returns the slot entry for image with the given hash
func (r *ImageStateResponse) Find(image int, hash []byte) (ImageSlot, bool) {
	for _, s := range r.Images {
		if s.Image == image && bytes.Equal(s.Hash, hash) {
			return s, true
		}
	}
	return ImageSlot{}, false
}

// FindHash returns the first slot entry with the given hash
func (r *ImageStateResponse) FindHash(hash []byte) (ImageSlot, bool) {
	for _, s := range r.Images {
		if bytes.Equal(s.Hash, hash) {
			return s, true
		}
	}
	return ImageSlot{}, false
}

// FindSlot returns the entry for image in slot
func (r *ImageStateResponse) FindSlot(image, slot int) (ImageSlot, bool) {
	for _, s := range r.Images {
		if s.Image == image && s.Slot == slot {
			return s, true
		}
	}
	return ImageSlot{}, false
}

// UploadResponse is returned for every image or envelope upload chunk
type UploadResponse struct {
	Response
	Offset *uint64 `cbor:"off,omitempty"`
	Match  *bool   `cbor:"match,omitempty"`
}

// Bootloader names reported by the bootloader info command
const (
	BootloaderMCUboot = "MCUboot"
	BootloaderSUIT    = "SUIT"
)

// BootloaderMode is the MCUboot operating mode reported by bootloader info
type BootloaderMode int

const (
	BootloaderModeUnknown             BootloaderMode = -1
	BootloaderModeSingleApplication   BootloaderMode = 0
	BootloaderModeSwapUsingScratch    BootloaderMode = 1
	BootloaderModeOverwrite           BootloaderMode = 2
	BootloaderModeSwapNoScratch       BootloaderMode = 3
	BootloaderModeDirectXIPNoRevert   BootloaderMode = 4
	BootloaderModeDirectXIPWithRevert BootloaderMode = 5
	BootloaderModeRAMLoader           BootloaderMode = 6
	BootloaderModeFirmwareLoader      BootloaderMode = 7
)

// IsDirectXIP reports whether images execute in place without a swap
func (m BootloaderMode) IsDirectXIP() bool {
	return m == BootloaderModeDirectXIPNoRevert || m == BootloaderModeDirectXIPWithRevert
}

// IsBareMetal reports whether the device runs a single-slot firmware loader
func (m BootloaderMode) IsBareMetal() bool {
	return m == BootloaderModeFirmwareLoader
}

// String returns the mode name
func (m BootloaderMode) String() string {
	switch m {
	case BootloaderModeSingleApplication:
		return "single application"
	case BootloaderModeSwapUsingScratch:
		return "swap using scratch"
	case BootloaderModeOverwrite:
		return "overwrite"
	case BootloaderModeSwapNoScratch:
		return "swap without scratch"
	case BootloaderModeDirectXIPNoRevert:
		return "DirectXIP without revert"
	case BootloaderModeDirectXIPWithRevert:
		return "DirectXIP with revert"
	case BootloaderModeRAMLoader:
		return "RAM loader"
	case BootloaderModeFirmwareLoader:
		return "firmware loader"
	case BootloaderModeUnknown:
		return "unknown"
	}
	return fmt.Sprintf("mode %d", int(m))
}
