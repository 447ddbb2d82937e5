// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package mcumgrtest provides a simulated McuMgr device for tests.
package mcumgrtest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/Thermoquad/smpflash/pkg/firmware"
	"github.com/Thermoquad/smpflash/pkg/smp"
	"github.com/Thermoquad/smpflash/pkg/transport"
)

// Command names recorded by a Device
const (
	CmdEcho           = "echo"
	CmdReset          = "reset"
	CmdParams         = "params"
	CmdBootloaderInfo = "bootloader_info"
	CmdBootloaderMode = "bootloader_mode"
	CmdList           = "list"
	CmdTest           = "test"
	CmdConfirm        = "confirm"
	CmdUpload         = "upload"
	CmdErase          = "erase"
	CmdEraseSettings  = "erase_settings"
	CmdSettingsWrite  = "settings_write"
	CmdSettingsSave   = "settings_save"
	CmdEnvelope       = "envelope"
)

// Slot is one image slot of the device
type Slot struct {
	Image     int
	Slot      int
	Version   string
	Hash      []byte
	Bootable  bool
	Pending   bool
	Confirmed bool
	Active    bool
	Permanent bool
}

// upload is an image being received
type upload struct {
	image int
	total int
	data  []byte
}

// Device answers SMP requests like a MCUboot device. Fields may be set
// before use; methods are safe for concurrent use.
type Device struct {
	mu sync.Mutex

	// Slots is the image table reported by list
	Slots []Slot

	// BufferSize and BufferCount answer params; zero BufferSize makes
	// params unsupported
	BufferSize  int
	BufferCount int

	// Bootloader answers bootloader info; empty makes it unsupported
	Bootloader string

	// Mode answers the bootloader mode query; nil makes it unsupported
	Mode *smp.BootloaderMode

	// UploadSlot receives uploaded images. Default 1.
	UploadSlot int

	// Unsupported commands answer with rc 8
	Unsupported map[string]bool

	// Silent commands are never answered
	Silent map[string]bool

	// ChunkLimit rejects upload requests larger than this many bytes with
	// rc 3 when non-zero
	ChunkLimit int

	// OnReset runs shortly after a reset is answered, typically to drop
	// the link
	OnReset func()

	// ResetDelay is the wait between answering reset and OnReset
	ResetDelay time.Duration

	commands    []string
	upload      *upload
	envelope    []byte
	settings    map[string][]byte
	maxRequest  int
	uploadSizes []int
}

// NewDevice returns a device running one confirmed image
func NewDevice(activeHash []byte) *Device {
	return &Device{
		Slots: []Slot{{
			Image: 0, Slot: 0, Version: "1.0.0", Hash: activeHash,
			Bootable: true, Confirmed: true, Active: true,
		}},
		Bootloader: smp.BootloaderMCUboot,
		UploadSlot: 1,
		ResetDelay: 5 * time.Millisecond,
		settings:   map[string][]byte{},
	}
}

// Commands returns the recorded command names in order
func (d *Device) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

// Count returns how often command was received
func (d *Device) Count(command string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.commands {
		if c == command {
			n++
		}
	}
	return n
}

// Setting returns a stored settings value
func (d *Device) Setting(name string) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings[name]
}

// Envelope returns the received SUIT envelope
func (d *Device) Envelope() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.envelope
}

// MaxRequest returns the largest request received, in bytes
func (d *Device) MaxRequest() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxRequest
}

// UploadSizes returns the data length of every upload chunk received
func (d *Device) UploadSizes() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.uploadSizes...)
}

// Find returns the slot holding hash
func (d *Device) Find(hash []byte) (Slot, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s := d.findLocked(hash); s != nil {
		return *s, true
	}
	return Slot{}, false
}

// Responder answers through a transport.MemoryLink
func (d *Device) Responder() transport.Responder {
	return func(packet []byte) [][]byte {
		resp := d.Handle(packet)
		if resp == nil {
			return nil
		}
		return [][]byte{resp}
	}
}

// Send implements mcumgr.Sender without a transport
func (d *Device) Send(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	if resp := d.Handle(payload); resp != nil {
		return resp, nil
	}
	select {
	case <-time.After(timeout):
		return nil, transport.ErrSendFailed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Handle answers one request packet; nil means no answer
func (d *Device) Handle(packet []byte) []byte {
	p, err := smp.DecodePacket(packet)
	if err != nil {
		return nil
	}
	req := p.PayloadMap()
	if req == nil {
		req = map[string]interface{}{}
	}

	d.mu.Lock()
	name := commandName(p, req)
	d.commands = append(d.commands, name)
	d.maxRequest = max(d.maxRequest, len(packet))
	var body map[string]interface{}
	reset := false
	switch {
	case d.Silent[name]:
		d.mu.Unlock()
		return nil
	case d.Unsupported[name]:
		body = rc(smp.RCUnsupported)
	default:
		body, reset = d.handleLocked(name, req, len(packet))
	}
	onReset, delay := d.OnReset, d.ResetDelay
	d.mu.Unlock()

	if reset && onReset != nil {
		time.AfterFunc(delay, onReset)
	}
	return response(p.Header(), body)
}

func commandName(p *smp.Packet, req map[string]interface{}) string {
	switch p.Group() {
	case smp.GroupOS:
		switch p.Command() {
		case smp.CmdOSEcho:
			return CmdEcho
		case smp.CmdOSReset:
			return CmdReset
		case smp.CmdOSParams:
			return CmdParams
		case smp.CmdOSBootloaderInfo:
			if _, ok := req["query"]; ok {
				return CmdBootloaderMode
			}
			return CmdBootloaderInfo
		}
	case smp.GroupImage:
		switch p.Command() {
		case smp.CmdImageState:
			if p.Op() == smp.OpRead {
				return CmdList
			}
			if confirm, _ := smp.GetMapBool(req, "confirm"); confirm {
				return CmdConfirm
			}
			return CmdTest
		case smp.CmdImageUpload:
			return CmdUpload
		case smp.CmdImageErase:
			return CmdErase
		}
	case smp.GroupBasic:
		return CmdEraseSettings
	case smp.GroupSettings:
		if p.Command() == smp.CmdSettingsLoadSave {
			return CmdSettingsSave
		}
		return CmdSettingsWrite
	case smp.GroupSUIT:
		return CmdEnvelope
	}
	return "unknown"
}

func rc(code smp.ReturnCode) map[string]interface{} {
	return map[string]interface{}{"rc": uint64(code)}
}

func (d *Device) handleLocked(name string, req map[string]interface{}, size int) (map[string]interface{}, bool) {
	switch name {
	case CmdEcho:
		text, _ := smp.GetMapString(req, "d")
		return map[string]interface{}{"r": text}, false
	case CmdReset:
		d.swapLocked()
		return map[string]interface{}{}, true
	case CmdParams:
		if d.BufferSize == 0 {
			return rc(smp.RCUnsupported), false
		}
		return map[string]interface{}{"buf_size": uint64(d.BufferSize), "buf_count": uint64(d.BufferCount)}, false
	case CmdBootloaderInfo:
		if d.Bootloader == "" {
			return rc(smp.RCUnsupported), false
		}
		return map[string]interface{}{"bootloader": d.Bootloader}, false
	case CmdBootloaderMode:
		if d.Mode == nil {
			return rc(smp.RCUnsupported), false
		}
		return map[string]interface{}{"mode": int64(*d.Mode)}, false
	case CmdList:
		return d.imagesLocked(), false
	case CmdTest:
		hash, _ := smp.GetMapBytes(req, "hash")
		s := d.findLocked(hash)
		if s == nil {
			return rc(smp.RCInValue), false
		}
		if !s.Active {
			s.Pending = true
		}
		return d.imagesLocked(), false
	case CmdConfirm:
		hash, ok := smp.GetMapBytes(req, "hash")
		var s *Slot
		if ok {
			s = d.findLocked(hash)
		} else {
			s = d.activeLocked(0)
		}
		if s == nil {
			return rc(smp.RCInValue), false
		}
		if s.Active {
			s.Confirmed = true
		} else {
			s.Pending = true
			s.Permanent = true
		}
		return d.imagesLocked(), false
	case CmdUpload:
		return d.uploadLocked(req, size), false
	case CmdEnvelope:
		data, _ := smp.GetMapBytes(req, "data")
		off, _ := smp.GetMapUint(req, "off")
		if off == 0 {
			d.envelope = nil
		}
		d.envelope = append(d.envelope, data...)
		return map[string]interface{}{"off": uint64(len(d.envelope))}, false
	case CmdErase, CmdEraseSettings:
		return rc(smp.RCOk), false
	case CmdSettingsWrite:
		key, _ := smp.GetMapString(req, "name")
		val, _ := smp.GetMapBytes(req, "val")
		d.settings[key] = val
		return rc(smp.RCOk), false
	case CmdSettingsSave:
		return rc(smp.RCOk), false
	}
	return rc(smp.RCUnsupported), false
}

func (d *Device) uploadLocked(req map[string]interface{}, size int) map[string]interface{} {
	data, _ := smp.GetMapBytes(req, "data")
	off, _ := smp.GetMapUint(req, "off")
	d.uploadSizes = append(d.uploadSizes, len(data))
	if d.ChunkLimit > 0 && size > d.ChunkLimit {
		return rc(smp.RCInValue)
	}

	if off == 0 {
		total, _ := smp.GetMapUint(req, "len")
		image, _ := smp.GetMapUint(req, "image")
		d.upload = &upload{image: int(image), total: int(total)}
	}
	if d.upload == nil {
		return rc(smp.RCBadState)
	}
	// Out of order chunks are answered with the offset the device expects
	if int(off) == len(d.upload.data) {
		d.upload.data = append(d.upload.data, data...)
	}

	if len(d.upload.data) >= d.upload.total {
		d.storeLocked(d.upload)
	}
	return map[string]interface{}{"off": uint64(len(d.upload.data))}
}

// storeLocked writes a finished upload to the upload slot
func (d *Device) storeLocked(u *upload) {
	hash := sha256.Sum256(u.data)
	entry := Slot{Image: u.image, Slot: d.UploadSlot, Hash: hash[:], Bootable: true}
	if info, err := firmware.ParseImage(u.data); err == nil {
		entry.Hash = info.Hash
		entry.Version = info.Header.Version.String()
	}
	if d.UploadSlot == 0 {
		entry.Active = true
		entry.Confirmed = true
	}

	for i, s := range d.Slots {
		if s.Image == entry.Image && s.Slot == entry.Slot {
			d.Slots[i] = entry
			return
		}
	}
	d.Slots = append(d.Slots, entry)
}

// swapLocked applies pending images the way a swap bootloader does on reset
func (d *Device) swapLocked() {
	for i := range d.Slots {
		secondary := &d.Slots[i]
		if secondary.Slot == 0 || !secondary.Pending {
			continue
		}
		primary := d.slotLocked(secondary.Image, 0)
		if primary == nil {
			continue
		}
		permanent := secondary.Permanent
		oldHash, oldVersion := primary.Hash, primary.Version

		primary.Hash, primary.Version = secondary.Hash, secondary.Version
		primary.Active = true
		primary.Confirmed = permanent
		primary.Pending = false
		primary.Permanent = false

		secondary.Hash, secondary.Version = oldHash, oldVersion
		secondary.Active = false
		secondary.Pending = false
		secondary.Permanent = false
		secondary.Confirmed = !permanent
	}
}

func (d *Device) slotLocked(image, slot int) *Slot {
	for i := range d.Slots {
		if d.Slots[i].Image == image && d.Slots[i].Slot == slot {
			return &d.Slots[i]
		}
	}
	return nil
}

func (d *Device) activeLocked(image int) *Slot {
	for i := range d.Slots {
		if d.Slots[i].Image == image && d.Slots[i].Active {
			return &d.Slots[i]
		}
	}
	return nil
}

func (d *Device) findLocked(hash []byte) *Slot {
	for i := range d.Slots {
		if bytes.Equal(d.Slots[i].Hash, hash) {
			return &d.Slots[i]
		}
	}
	return nil
}

func (d *Device) imagesLocked() map[string]interface{} {
	images := make([]interface{}, 0, len(d.Slots))
	for _, s := range d.Slots {
		images = append(images, map[string]interface{}{
			"image":     uint64(s.Image),
			"slot":      uint64(s.Slot),
			"version":   s.Version,
			"hash":      s.Hash,
			"bootable":  s.Bootable,
			"pending":   s.Pending,
			"confirmed": s.Confirmed,
			"active":    s.Active,
			"permanent": s.Permanent,
		})
	}
	return map[string]interface{}{"images": images}
}

// response encodes body as the answer to request
func response(request smp.Header, body map[string]interface{}) []byte {
	payload, err := smp.EncodePayload(body)
	if err != nil {
		panic(err)
	}
	h := request
	if h.Op == smp.OpWrite {
		h.Op = smp.OpWriteResponse
	} else {
		h.Op = smp.OpReadResponse
	}
	h.Length = uint16(len(payload))
	return append(h.Bytes(), payload...)
}
