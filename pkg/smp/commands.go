// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package smp

// Command builder functions create request Packets ready for encoding.
// The sequence number is assigned by the sender with SetSequence.

// NewEchoRequest creates an OS echo request (group 0, command 0).
// The device answers with the same text in "r".
func NewEchoRequest(text string) *Packet {
	return NewPacketWithPayload(OpWrite, GroupOS, CmdOSEcho, map[string]interface{}{
		"d": text,
	})
}

// NewResetRequest creates an OS reset request (group 0, command 5).
// With bootloader set the device restarts into its bootloader
// (boot_mode 1). Force asks the device to reset even when busy.
func NewResetRequest(bootloader, force bool) *Packet {
	payload := map[string]interface{}{}
	if bootloader {
		payload["boot_mode"] = uint64(BootModeBootloader)
	}
	if force {
		payload["force"] = true
	}
	return NewPacketWithPayload(OpWrite, GroupOS, CmdOSReset, payload)
}

// NewParamsRequest creates an OS MCUmgr parameters request (group 0, command 6)
func NewParamsRequest() *Packet {
	return NewPacketWithPayload(OpRead, GroupOS, CmdOSParams, nil)
}

// NewBootloaderInfoRequest creates an OS bootloader info request (group 0,
// command 8). With queryMode the device reports its MCUboot mode.
func NewBootloaderInfoRequest(queryMode bool) *Packet {
	var payload map[string]interface{}
	if queryMode {
		payload = map[string]interface{}{"query": "mode"}
	}
	return NewPacketWithPayload(OpRead, GroupOS, CmdOSBootloaderInfo, payload)
}

// NewImageListRequest creates an image state read (group 1, command 0)
func NewImageListRequest() *Packet {
	return NewPacketWithPayload(OpRead, GroupImage, CmdImageState, nil)
}

// NewImageTestRequest marks the image with hash as pending: it is booted
// once on the next reset and reverted unless confirmed.
func NewImageTestRequest(hash []byte) *Packet {
	return NewPacketWithPayload(OpWrite, GroupImage, CmdImageState, map[string]interface{}{
		"hash":    hash,
		"confirm": false,
	})
}

// NewImageConfirmRequest makes the image with hash permanent. A nil hash
// confirms the image currently running on the device.
func NewImageConfirmRequest(hash []byte) *Packet {
	payload := map[string]interface{}{"confirm": true}
	if hash != nil {
		payload["hash"] = hash
	}
	return NewPacketWithPayload(OpWrite, GroupImage, CmdImageState, payload)
}

// ImageUploadChunk describes one image upload request
type ImageUploadChunk struct {
	Image  int
	Offset uint64
	Data   []byte
	// Only sent with the first chunk (Offset 0)
	TotalLength uint64
	SHA         []byte
	Upgrade     bool
}

// NewImageUploadRequest creates an image upload request (group 1, command 1).
// The first chunk also carries the image number (when non-zero), the total
// length and the SHA-256 of the whole image.
func NewImageUploadRequest(c ImageUploadChunk) *Packet {
	payload := map[string]interface{}{
		"data": c.Data,
		"off":  c.Offset,
	}
	if c.Offset == 0 {
		if c.Image > 0 {
			payload["image"] = uint64(c.Image)
		}
		payload["len"] = c.TotalLength
		if c.SHA != nil {
			payload["sha"] = c.SHA
		}
		if c.Upgrade {
			payload["upgrade"] = true
		}
	}
	return NewPacketWithPayload(OpWrite, GroupImage, CmdImageUpload, payload)
}

// NewImageEraseRequest erases the secondary slot (group 1, command 5)
func NewImageEraseRequest() *Packet {
	return NewPacketWithPayload(OpWrite, GroupImage, CmdImageErase, nil)
}

// NewEraseAppSettingsRequest erases the application storage partition
// (basic group 63, command 0)
func NewEraseAppSettingsRequest() *Packet {
	return NewPacketWithPayload(OpWrite, GroupBasic, CmdBasicEraseStorage, nil)
}

// NewSettingsWriteRequest writes a settings value (group 3, command 0)
func NewSettingsWriteRequest(name string, value []byte) *Packet {
	return NewPacketWithPayload(OpWrite, GroupSettings, CmdSettingsReadWrite, map[string]interface{}{
		"name": name,
		"val":  value,
	})
}

// NewSettingsSaveRequest persists pending settings (group 3, command 3)
func NewSettingsSaveRequest() *Packet {
	return NewPacketWithPayload(OpWrite, GroupSettings, CmdSettingsLoadSave, nil)
}

// NewEnvelopeUploadRequest creates a SUIT envelope upload request (group 66,
// command 2). The first chunk carries the total length.
func NewEnvelopeUploadRequest(offset uint64, data []byte, totalLength uint64) *Packet {
	payload := map[string]interface{}{
		"data": data,
		"off":  offset,
	}
	if offset == 0 {
		payload["len"] = totalLength
	}
	return NewPacketWithPayload(OpWrite, GroupSUIT, CmdSUITEnvelopeUpload, payload)
}
