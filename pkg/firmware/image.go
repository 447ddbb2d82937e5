// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package firmware

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MCUboot image format constants
const (
	ImageMagic       = 0x96f3b83d
	ImageMagicLegacy = 0x96f3b83c

	ImageHeaderSize = 32

	TLVInfoMagic          = 0x6907
	TLVInfoProtectedMagic = 0x6908
	tlvInfoSize           = 4
	tlvEntryHeaderSize    = 4

	TLVSHA256 = 0x10
	TLVSHA384 = 0x11
	TLVSHA512 = 0x12
)

// Errors returned while parsing images.
var (
	ErrBadMagic     = errors.New("firmware: bad image magic")
	ErrTruncated    = errors.New("firmware: image truncated")
	ErrBadTLVInfo   = errors.New("firmware: bad TLV info")
	ErrHashNotFound = errors.New("firmware: hash TLV not found")
)

// Version is the semantic version stored in an image header
type Version struct {
	Major    uint8
	Minor    uint8
	Revision uint16
	Build    uint32
}

func (v Version) String() string {
	if v.Build == 0 {
		return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Revision)
	}
	return fmt.Sprintf("%d.%d.%d+%d", v.Major, v.Minor, v.Revision, v.Build)
}

// ImageHeader is the MCUboot image header
type ImageHeader struct {
	Magic           uint32
	LoadAddress     uint32
	HeaderSize      uint16
	ProtectedTLVLen uint16
	ImageSize       uint32
	Flags           uint32
	Version         Version
}

// ImageInfo is what a MCUboot image says about itself
type ImageInfo struct {
	Header   ImageHeader
	Hash     []byte
	HashType uint8
}

// ParseImage reads the header and the hash TLV of a MCUboot image
func ParseImage(data []byte) (*ImageInfo, error) {
	if len(data) < ImageHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, header needs %d", ErrTruncated, len(data), ImageHeaderSize)
	}

	h := ImageHeader{
		Magic:           binary.LittleEndian.Uint32(data[0:]),
		LoadAddress:     binary.LittleEndian.Uint32(data[4:]),
		HeaderSize:      binary.LittleEndian.Uint16(data[8:]),
		ProtectedTLVLen: binary.LittleEndian.Uint16(data[10:]),
		ImageSize:       binary.LittleEndian.Uint32(data[12:]),
		Flags:           binary.LittleEndian.Uint32(data[16:]),
		Version: Version{
			Major:    data[20],
			Minor:    data[21],
			Revision: binary.LittleEndian.Uint16(data[22:]),
			Build:    binary.LittleEndian.Uint32(data[24:]),
		},
	}
	if h.Magic != ImageMagic && h.Magic != ImageMagicLegacy {
		return nil, fmt.Errorf("%w: 0x%08x", ErrBadMagic, h.Magic)
	}

	offset := int(h.HeaderSize) + int(h.ImageSize)
	if offset+tlvInfoSize > len(data) {
		return nil, fmt.Errorf("%w: TLV area at %d beyond %d bytes", ErrTruncated, offset, len(data))
	}

	// Protected TLVs are covered by the hash; skip them
	if binary.LittleEndian.Uint16(data[offset:]) == TLVInfoProtectedMagic {
		length := int(binary.LittleEndian.Uint16(data[offset+2:]))
		if h.ProtectedTLVLen != 0 && length != int(h.ProtectedTLVLen) {
			return nil, fmt.Errorf("%w: protected length %d, header says %d", ErrBadTLVInfo, length, h.ProtectedTLVLen)
		}
		offset += length
		if offset+tlvInfoSize > len(data) {
			return nil, fmt.Errorf("%w: TLV info beyond %d bytes", ErrTruncated, len(data))
		}
	}

	if magic := binary.LittleEndian.Uint16(data[offset:]); magic != TLVInfoMagic {
		return nil, fmt.Errorf("%w: magic 0x%04x", ErrBadTLVInfo, magic)
	}
	end := offset + int(binary.LittleEndian.Uint16(data[offset+2:]))
	if end > len(data) {
		return nil, fmt.Errorf("%w: TLV area ends at %d, image is %d bytes", ErrTruncated, end, len(data))
	}

	for pos := offset + tlvInfoSize; pos+tlvEntryHeaderSize <= end; {
		kind := data[pos]
		length := int(binary.LittleEndian.Uint16(data[pos+2:]))
		value := pos + tlvEntryHeaderSize
		if value+length > end {
			return nil, fmt.Errorf("%w: TLV 0x%02x overruns the TLV area", ErrBadTLVInfo, kind)
		}
		switch kind {
		case TLVSHA256, TLVSHA384, TLVSHA512:
			hash := make([]byte, length)
			copy(hash, data[value:value+length])
			return &ImageInfo{Header: h, Hash: hash, HashType: kind}, nil
		}
		pos = value + length
	}
	return nil, ErrHashNotFound
}
