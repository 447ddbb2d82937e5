// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mcumgr

import (
	"errors"
	"fmt"

	"github.com/Thermoquad/smpflash/pkg/smp"
)

// Errors returned by the mcumgr package.
var (
	// ErrInvalidResponse is returned when a response does not answer its
	// request or misses required fields.
	ErrInvalidResponse = errors.New("mcumgr: invalid response")

	// ErrOffsetMismatch is returned when the device reports that an upload
	// chunk did not match the data it already holds.
	ErrOffsetMismatch = errors.New("mcumgr: upload offset mismatch")

	// ErrUploadInProgress is returned when starting an upload while another
	// one is running.
	ErrUploadInProgress = errors.New("mcumgr: upload already in progress")

	// ErrNoImages is returned when an upload is started without images.
	ErrNoImages = errors.New("mcumgr: no images to upload")
)

// ReturnCodeError is returned when the device answers with a non-zero "rc"
type ReturnCodeError struct {
	Group   uint16
	Command uint8
	Code    smp.ReturnCode
}

func (e *ReturnCodeError) Error() string {
	return fmt.Sprintf("mcumgr: %s failed: %s (rc %d)",
		smp.FormatCommand(e.Group, e.Command), e.Code, int(e.Code))
}

// IsUnsupported reports whether err is a return code saying the device does
// not support the command
func IsUnsupported(err error) bool {
	var rcErr *ReturnCodeError
	return errors.As(err, &rcErr) && !rcErr.Code.IsSupported()
}
