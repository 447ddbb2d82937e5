// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package smp

import "fmt"

// ReturnCode is the SMP "rc" value carried by responses
type ReturnCode int

const (
	RCOk                ReturnCode = 0
	RCUnknown           ReturnCode = 1
	RCNoMemory          ReturnCode = 2
	RCInValue           ReturnCode = 3
	RCTimeout           ReturnCode = 4
	RCNoEntry           ReturnCode = 5
	RCBadState          ReturnCode = 6
	RCResponseTooLong   ReturnCode = 7
	RCUnsupported       ReturnCode = 8
	RCCorruptPayload    ReturnCode = 9
	RCBusy              ReturnCode = 10
	RCAccessDenied      ReturnCode = 11
	RCUnsupportedTooOld ReturnCode = 12
	RCUnsupportedTooNew ReturnCode = 13
	RCUserDefined       ReturnCode = 256
)

// IsSuccess reports whether the code means the command succeeded
func (rc ReturnCode) IsSuccess() bool {
	return rc == RCOk
}

// IsSupported reports whether the device understood the command. Devices
// answer unknown commands with one of the "unsupported" codes.
func (rc ReturnCode) IsSupported() bool {
	switch rc {
	case RCUnsupported, RCUnsupportedTooOld, RCUnsupportedTooNew:
		return false
	}
	return true
}

// String returns a human-readable description of the return code
func (rc ReturnCode) String() string {
	switch rc {
	case RCOk:
		return "OK"
	case RCUnknown:
		return "unknown error"
	case RCNoMemory:
		return "out of memory"
	case RCInValue:
		return "invalid value"
	case RCTimeout:
		return "timeout"
	case RCNoEntry:
		return "no such entry"
	case RCBadState:
		return "bad state"
	case RCResponseTooLong:
		return "response too long"
	case RCUnsupported:
		return "command not supported"
	case RCCorruptPayload:
		return "corrupt payload"
	case RCBusy:
		return "busy"
	case RCAccessDenied:
		return "access denied"
	case RCUnsupportedTooOld:
		return "protocol version too old"
	case RCUnsupportedTooNew:
		return "protocol version too new"
	}
	if rc >= RCUserDefined {
		return fmt.Sprintf("user defined error %d", int(rc))
	}
	return fmt.Sprintf("return code %d", int(rc))
}

// GroupError is the SMPv2 "err" map: a group-specific return code
type GroupError struct {
	Group uint16 `cbor:"group"`
	RC    int    `cbor:"rc"`
}

// Error implements the error interface
func (e *GroupError) Error() string {
	return fmt.Sprintf("%s group error %d", FormatGroup(e.Group), e.RC)
}
