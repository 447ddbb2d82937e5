// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dfu

import "github.com/Thermoquad/smpflash/pkg/smp"

// BootloaderKind identifies the bootloader family of a device
type BootloaderKind int

const (
	// KindUnknown is used until bootloader info has been read
	KindUnknown BootloaderKind = iota
	KindMCUboot
	KindSUIT
)

func (k BootloaderKind) String() string {
	switch k {
	case KindMCUboot:
		return smp.BootloaderMCUboot
	case KindSUIT:
		return smp.BootloaderSUIT
	}
	return "unknown"
}

// ParseBootloaderKind maps a bootloader info name to its kind
func ParseBootloaderKind(name string) BootloaderKind {
	switch name {
	case smp.BootloaderMCUboot:
		return KindMCUboot
	case smp.BootloaderSUIT:
		return KindSUIT
	}
	return KindUnknown
}

// Bootloader is what the upgrade knows about the device's bootloader
type Bootloader struct {
	Kind BootloaderKind
	Mode smp.BootloaderMode
}

// Capabilities are the upgrade steps a bootloader allows
type Capabilities struct {
	// SupportsTestConfirm is false when test and confirm commands are
	// rejected or meaningless
	SupportsTestConfirm bool

	// SupportsReset is false when the bootloader rejects reset
	SupportsReset bool

	// FixedSlot is the only slot images may target, or -1
	FixedSlot int

	// SkipsSwapWait is set when images execute in place and no swap
	// happens on reset
	SkipsSwapWait bool

	// UploadOnlyForced downgrades every upgrade mode to upload only
	UploadOnlyForced bool

	// BareMetal is set for single-slot firmware loaders
	BareMetal bool
}

// Caps returns the capability table entry for b
func (b Bootloader) Caps() Capabilities {
	if b.Kind == KindSUIT {
		return Capabilities{FixedSlot: -1}
	}

	caps := Capabilities{SupportsTestConfirm: true, SupportsReset: true, FixedSlot: -1}
	switch b.Mode {
	case smp.BootloaderModeFirmwareLoader:
		caps.SupportsTestConfirm = false
		caps.FixedSlot = 0
		caps.BareMetal = true
	case smp.BootloaderModeDirectXIPNoRevert:
		caps.SupportsTestConfirm = false
		caps.SkipsSwapWait = true
		caps.UploadOnlyForced = true
	case smp.BootloaderModeDirectXIPWithRevert:
		caps.SkipsSwapWait = true
	}
	return caps
}
