// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package smp provides a Go implementation of the Simple Management Protocol
// (SMP) used by McuMgr-compatible device firmware.
//
// Every SMP packet is an 8-byte header followed by a CBOR map. This package
// provides header parsing, packet encoding, typed command builders and
// responses, return code mapping, and the console framing used when SMP is
// carried over a serial line.
package smp

// Header layout
const (
	HeaderSize = 8

	headerOffsetOp       = 0
	headerOffsetFlags    = 1
	headerOffsetLength   = 2
	headerOffsetGroup    = 4
	headerOffsetSequence = 6
	headerOffsetCommand  = 7
)

// Protocol versions carried in bits 3-4 of the first header byte
const (
	VersionLegacy = 0
	VersionV2     = 1
)

// Operations
const (
	OpRead          = 0
	OpReadResponse  = 1
	OpWrite         = 2
	OpWriteResponse = 3
)

// Groups
const (
	GroupOS       = 0
	GroupImage    = 1
	GroupStats    = 2
	GroupSettings = 3
	GroupLog      = 4
	GroupCrash    = 5
	GroupRun      = 7
	GroupFS       = 8
	GroupShell    = 9
	GroupBasic    = 63
	GroupSUIT     = 66
)

// OS group commands
const (
	CmdOSEcho            = 0
	CmdOSConsoleEcho     = 1
	CmdOSTaskStats       = 2
	CmdOSMemoryPool      = 3
	CmdOSDateTime        = 4
	CmdOSReset           = 5
	CmdOSParams          = 6
	CmdOSApplicationInfo = 7
	CmdOSBootloaderInfo  = 8
)

// Image group commands
const (
	CmdImageState    = 0
	CmdImageUpload   = 1
	CmdImageFile     = 2
	CmdImageCoreList = 3
	CmdImageCoreLoad = 4
	CmdImageErase    = 5
	CmdImageSlotInfo = 6
)

// Settings group commands
const (
	CmdSettingsReadWrite = 0
	CmdSettingsDelete    = 1
	CmdSettingsCommit    = 2
	CmdSettingsLoadSave  = 3
)

// Basic group commands
const (
	CmdBasicEraseStorage = 0
)

// SUIT group commands
const (
	CmdSUITManifestList   = 0
	CmdSUITManifestState  = 1
	CmdSUITEnvelopeUpload = 2
)

// Reset boot modes
const (
	BootModeNormal     = 0
	BootModeBootloader = 1
)

// MTU limits accepted by a transport
const (
	MinMTU = 23
	MaxMTU = 1024
)

// MaxReassemblyBufferSize is the largest SMP reassembly buffer a device may
// advertise; the length field of the header is 16 bits wide.
const MaxReassemblyBufferSize = 65535

// Serial console framing
const (
	SerialFrameStart1        = 0x06
	SerialFrameStart2        = 0x09
	SerialFrameContinuation1 = 0x04
	SerialFrameContinuation2 = 0x14
	SerialFrameEnd           = '\n'
	SerialMaxLineLength      = 127
)

// CRC-16/XMODEM configuration
const (
	crcPolynomial = 0x1021
	crcInitial    = 0x0000
)

// Decoder states
const (
	stateIdle = iota
	stateStart2
	stateBody
)
