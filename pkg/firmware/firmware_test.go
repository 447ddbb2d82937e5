// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package firmware

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// buildImage assembles a MCUboot image with a SHA-256 TLV. With protected
// set a protected TLV area precedes the unprotected one.
func buildImage(body []byte, hash []byte, protected bool) []byte {
	header := make([]byte, ImageHeaderSize)
	binary.LittleEndian.PutUint32(header[0:], ImageMagic)
	binary.LittleEndian.PutUint16(header[8:], ImageHeaderSize)
	binary.LittleEndian.PutUint32(header[12:], uint32(len(body)))
	header[20] = 1
	header[21] = 2
	binary.LittleEndian.PutUint16(header[22:], 3)

	var tlv []byte
	if protected {
		// One 4-byte security counter TLV
		prot := []byte{0, 0, 0, 0, 0x50, 0, 4, 0, 1, 0, 0, 0}
		binary.LittleEndian.PutUint16(prot[0:], TLVInfoProtectedMagic)
		binary.LittleEndian.PutUint16(prot[2:], uint16(len(prot)))
		binary.LittleEndian.PutUint16(header[10:], uint16(len(prot)))
		tlv = append(tlv, prot...)
	}

	entries := []byte{0x01, 0, 2, 0, 0xAA, 0xBB} // unrelated TLV first
	entries = append(entries, TLVSHA256, 0, byte(len(hash)), 0)
	entries = append(entries, hash...)
	info := make([]byte, tlvInfoSize)
	binary.LittleEndian.PutUint16(info[0:], TLVInfoMagic)
	binary.LittleEndian.PutUint16(info[2:], uint16(tlvInfoSize+len(entries)))
	tlv = append(tlv, info...)
	tlv = append(tlv, entries...)

	out := append(header, body...)
	return append(out, tlv...)
}

func testHash(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func TestParseImage(t *testing.T) {
	tests := []struct {
		name      string
		protected bool
	}{
		{"unprotected", false},
		{"protected", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash := testHash(0x42)
			info, err := ParseImage(buildImage(make([]byte, 100), hash, tt.protected))
			if err != nil {
				t.Fatalf("ParseImage() error = %v", err)
			}
			if !bytes.Equal(info.Hash, hash) {
				t.Errorf("hash = %x, want %x", info.Hash, hash)
			}
			if info.HashType != TLVSHA256 {
				t.Errorf("hash type = 0x%02x", info.HashType)
			}
			if info.Header.Version.String() != "1.2.3" {
				t.Errorf("version = %s, want 1.2.3", info.Header.Version)
			}
		})
	}
}

func TestParseImage_Errors(t *testing.T) {
	valid := buildImage(make([]byte, 16), testHash(1), false)

	badMagic := append([]byte{}, valid...)
	badMagic[0] = 0

	badInfo := append([]byte{}, valid...)
	badInfo[ImageHeaderSize+16] = 0

	noHash := buildImage(make([]byte, 16), testHash(1), false)
	noHash[len(noHash)-36] = 0x01 // hash TLV becomes an unknown kind

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"short", valid[:10], ErrTruncated},
		{"bad magic", badMagic, ErrBadMagic},
		{"bad TLV info", badInfo, ErrBadTLVInfo},
		{"truncated TLVs", valid[:len(valid)-5], ErrTruncated},
		{"no hash", noHash, ErrHashNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseImage(tt.data); !errors.Is(err, tt.want) {
				t.Errorf("ParseImage() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func writeZip(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, data := range files {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("Create(%s) error = %v", name, err)
		}
		if _, err := f.Write(data); err != nil {
			t.Fatalf("Write(%s) error = %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return buf.Bytes()
}

func TestReadZipPackage_MultiImage(t *testing.T) {
	app := buildImage(make([]byte, 64), testHash(0xA1), false)
	net := buildImage(make([]byte, 32), testHash(0xB2), false)
	manifest := []byte(`{
		"format-version": 1,
		"files": [
			{"type": "application", "file": "app.bin", "image_index": "0", "slot": 1, "version_MCUBOOT+XIP": "2.0.0+0"},
			{"type": "application", "file": "net.bin", "image_index": "1"}
		]
	}`)
	data := writeZip(t, map[string][]byte{"manifest.json": manifest, "app.bin": app, "net.bin": net})

	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("zip.NewReader() error = %v", err)
	}
	pkg, err := ReadZipPackage(r)
	if err != nil {
		t.Fatalf("ReadZipPackage() error = %v", err)
	}

	if len(pkg.Images) != 2 {
		t.Fatalf("got %d images, want 2", len(pkg.Images))
	}
	if pkg.Images[0].Image != 0 || pkg.Images[0].Slot != 1 || pkg.Images[0].Version != "2.0.0+0" {
		t.Errorf("image 0 = %+v", pkg.Images[0])
	}
	if pkg.Images[1].Image != 1 || pkg.Images[1].Slot != 1 {
		t.Errorf("image 1 index/slot = %d/%d", pkg.Images[1].Image, pkg.Images[1].Slot)
	}
	if !bytes.Equal(pkg.Images[1].Hash, testHash(0xB2)) {
		t.Error("image 1 hash not read from its TLV")
	}
	if pkg.IsSUIT() {
		t.Error("MCUboot package reported as SUIT")
	}
	if pkg.Size() != len(app)+len(net) {
		t.Errorf("Size() = %d", pkg.Size())
	}
}

func TestReadZipPackage_SUIT(t *testing.T) {
	envelope := []byte("suit envelope bytes")
	manifest := []byte(`{"files": [{"type": "suit-envelope", "file": "root.suit"}]}`)
	data := writeZip(t, map[string][]byte{"manifest.json": manifest, "root.suit": envelope})

	r, _ := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	pkg, err := ReadZipPackage(r)
	if err != nil {
		t.Fatalf("ReadZipPackage() error = %v", err)
	}
	if !pkg.IsSUIT() {
		t.Error("package with an envelope should be SUIT")
	}
	if !pkg.Images[0].Content.IsSUIT() {
		t.Errorf("content = %s", pkg.Images[0].Content)
	}
}

func TestReadZipPackage_Errors(t *testing.T) {
	tests := []struct {
		name  string
		files map[string][]byte
	}{
		{"no manifest", map[string][]byte{"app.bin": {1}}},
		{"bad json", map[string][]byte{"manifest.json": []byte("{")}},
		{"empty", map[string][]byte{"manifest.json": []byte(`{"files": []}`)}},
		{"missing file", map[string][]byte{"manifest.json": []byte(`{"files": [{"file": "gone.bin"}]}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := writeZip(t, tt.files)
			r, _ := zip.NewReader(bytes.NewReader(data), int64(len(data)))
			if _, err := ReadZipPackage(r); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestLoadPackage_Files(t *testing.T) {
	dir := t.TempDir()

	bin := filepath.Join(dir, "app.bin")
	if err := os.WriteFile(bin, buildImage(make([]byte, 8), testHash(7), false), 0o644); err != nil {
		t.Fatal(err)
	}
	pkg, err := LoadPackage(bin)
	if err != nil {
		t.Fatalf("LoadPackage(.bin) error = %v", err)
	}
	if len(pkg.Images) != 1 || pkg.Images[0].Image != 0 || pkg.Images[0].Slot != 1 {
		t.Errorf(".bin package = %+v", pkg.Images)
	}

	suit := filepath.Join(dir, "root.suit")
	if err := os.WriteFile(suit, []byte("envelope"), 0o644); err != nil {
		t.Fatal(err)
	}
	pkg, err = LoadPackage(suit)
	if err != nil {
		t.Fatalf("LoadPackage(.suit) error = %v", err)
	}
	if !pkg.IsSUIT() {
		t.Error(".suit package should be SUIT")
	}

	if _, err := LoadPackage(filepath.Join(dir, "missing.bin")); err == nil {
		t.Error("missing file should fail")
	}
}
