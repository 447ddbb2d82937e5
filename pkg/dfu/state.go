// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dfu

// State is the step an upgrade is in
type State int

const (
	StateNone State = iota
	StateRequestParameters
	StateBootloaderInfo
	StateEraseAppSettings
	StateValidate
	StateUpload
	StateTest
	StateConfirm
	StateReset
	StateResetIntoFirmwareLoader
	StateSuccess
)

var stateNames = map[State]string{
	StateNone:                    "none",
	StateRequestParameters:       "requestParameters",
	StateBootloaderInfo:          "bootloaderInfo",
	StateEraseAppSettings:        "eraseAppSettings",
	StateValidate:                "validate",
	StateUpload:                  "upload",
	StateTest:                    "test",
	StateConfirm:                 "confirm",
	StateReset:                   "reset",
	StateResetIntoFirmwareLoader: "resetIntoFirmwareLoader",
	StateSuccess:                 "success",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// InProgress reports whether an upgrade in this state is still running
func (s State) InProgress() bool {
	return s != StateNone && s != StateSuccess
}
