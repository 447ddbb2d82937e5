// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dfu

import (
	"errors"
	"fmt"

	"github.com/Thermoquad/smpflash/pkg/smp"
)

// Errors returned by the dfu package.
var (
	// ErrUnknown is returned when the device answers in a way the upgrade
	// cannot continue from.
	ErrUnknown = errors.New("dfu: unexpected device state")

	// ErrInvalidResponse is returned when a response misses the fields the
	// upgrade needs.
	ErrInvalidResponse = errors.New("dfu: invalid response")

	// ErrConnectionFailedAfterReset is returned when the device cannot be
	// reached again after a reset.
	ErrConnectionFailedAfterReset = errors.New("dfu: connection failed after reset")

	// ErrResetIntoBootloaderModeNeeded is returned when a bare-metal device
	// rejects image commands and must be reset into its firmware loader.
	ErrResetIntoBootloaderModeNeeded = errors.New("dfu: reset into bootloader mode needed")

	// ErrNoImages is returned when an upgrade is started without images.
	ErrNoImages = errors.New("dfu: no images")

	// ErrCancelled is reported when the upload is cancelled.
	ErrCancelled = errors.New("dfu: upgrade cancelled")

	// ErrDeviceNotFound is returned by Finder when no device advertises the
	// requested name before the timeout.
	ErrDeviceNotFound = errors.New("dfu: device not found")
)

// UploadedImageNotFoundError is returned when an uploaded image is missing
// from the image list after a reset
type UploadedImageNotFoundError struct {
	Image int
	Hash  []byte
}

func (e *UploadedImageNotFoundError) Error() string {
	return fmt.Sprintf("dfu: uploaded image %d (%s) not found", e.Image, smp.FormatHash(e.Hash))
}

// UntestedImageError is returned when an uploaded image was never tested
// before the reset that should have booted it
type UntestedImageError struct {
	Image int
	Slot  int
}

func (e *UntestedImageError) Error() string {
	return fmt.Sprintf("dfu: image %d (slot %d) uploaded but not tested", e.Image, e.Slot)
}

// UpgradeError carries the state an upgrade failed in
type UpgradeError struct {
	State State
	Err   error
}

func (e *UpgradeError) Error() string {
	return fmt.Sprintf("dfu: upgrade failed in %s: %v", e.State, e.Err)
}

func (e *UpgradeError) Unwrap() error {
	return e.Err
}

// unknownf creates an ErrUnknown with details
func unknownf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnknown, fmt.Sprintf(format, args...))
}
