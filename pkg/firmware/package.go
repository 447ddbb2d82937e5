// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package firmware

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ContentType is the kind of data an image carries
type ContentType string

const (
	ContentBinary       ContentType = "bin"
	ContentSUITEnvelope ContentType = "suit-envelope"
	ContentSUITCache    ContentType = "cache"
)

// IsSUIT reports whether the content is uploaded through SUIT
func (c ContentType) IsSUIT() bool {
	return c == ContentSUITEnvelope || c == ContentSUITCache
}

// Image is one firmware image to upload
type Image struct {
	Image   int
	Slot    int
	Content ContentType
	Version string
	Hash    []byte
	Data    []byte
}

// Package is a set of images loaded from one file
type Package struct {
	Name   string
	Images []Image
}

// IsSUIT reports whether the package carries a SUIT envelope
func (p *Package) IsSUIT() bool {
	for _, img := range p.Images {
		if img.Content == ContentSUITEnvelope {
			return true
		}
	}
	return false
}

// Size returns the number of bytes to upload
func (p *Package) Size() int {
	n := 0
	for _, img := range p.Images {
		n += len(img.Data)
	}
	return n
}

// manifest is the manifest.json of a DFU zip
type manifest struct {
	FormatVersion int            `json:"format-version"`
	Files         []manifestFile `json:"files"`
}

type manifestFile struct {
	Type         string `json:"type"`
	File         string `json:"file"`
	Size         int    `json:"size"`
	Image        *int   `json:"image,omitempty"`
	ImageIndex   string `json:"image_index,omitempty"`
	Partition    *int   `json:"partition,omitempty"`
	Slot         *int   `json:"slot,omitempty"`
	Content      string `json:"content,omitempty"`
	VersionXIP   string `json:"version_MCUBOOT+XIP,omitempty"`
	Version      string `json:"version_MCUBOOT,omitempty"`
}

// imageIndex returns the image number the file targets
func (f manifestFile) imageIndex() (int, error) {
	switch {
	case f.Image != nil:
		return *f.Image, nil
	case f.ImageIndex != "":
		return strconv.Atoi(f.ImageIndex)
	case f.Partition != nil:
		return *f.Partition, nil
	}
	return 0, nil
}

func (f manifestFile) slot() int {
	if f.Slot != nil {
		return *f.Slot
	}
	return 1
}

func (f manifestFile) content() ContentType {
	switch {
	case f.Type == string(ContentSUITEnvelope) || f.Content == string(ContentSUITEnvelope):
		return ContentSUITEnvelope
	case f.Type == string(ContentSUITCache) || f.Content == string(ContentSUITCache):
		return ContentSUITCache
	}
	return ContentBinary
}

// LoadPackage reads a .bin image, a .zip DFU package or a .suit envelope
func LoadPackage(path string) (*Package, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip":
		r, err := zip.OpenReader(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open package: %w", err)
		}
		defer r.Close()
		pkg, err := ReadZipPackage(&r.Reader)
		if err != nil {
			return nil, err
		}
		pkg.Name = filepath.Base(path)
		return pkg, nil
	case ".suit":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read envelope: %w", err)
		}
		return &Package{Name: filepath.Base(path), Images: []Image{EnvelopeImage(data)}}, nil
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read image: %w", err)
		}
		img, err := BinaryImage(0, 1, data)
		if err != nil {
			return nil, err
		}
		return &Package{Name: filepath.Base(path), Images: []Image{img}}, nil
	}
}

// BinaryImage parses a MCUboot image for image number and slot
func BinaryImage(image, slot int, data []byte) (Image, error) {
	info, err := ParseImage(data)
	if err != nil {
		return Image{}, err
	}
	return Image{
		Image:   image,
		Slot:    slot,
		Content: ContentBinary,
		Version: info.Header.Version.String(),
		Hash:    info.Hash,
		Data:    data,
	}, nil
}

// EnvelopeImage wraps a SUIT envelope. Envelopes carry no MCUboot header;
// the hash is the SHA-256 of the envelope.
func EnvelopeImage(data []byte) Image {
	sum := sha256.Sum256(data)
	return Image{
		Content: ContentSUITEnvelope,
		Hash:    sum[:],
		Data:    data,
	}
}

// ReadZipPackage reads a DFU zip with a manifest.json
func ReadZipPackage(r *zip.Reader) (*Package, error) {
	files := make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		files[filepath.Base(f.Name)] = f
	}

	mf, ok := files["manifest.json"]
	if !ok {
		return nil, fmt.Errorf("package has no manifest.json")
	}
	raw, err := readZipFile(mf)
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest.json: %w", err)
	}
	if len(m.Files) == 0 {
		return nil, fmt.Errorf("manifest.json lists no files")
	}

	pkg := &Package{}
	for _, entry := range m.Files {
		f, ok := files[filepath.Base(entry.File)]
		if !ok {
			return nil, fmt.Errorf("manifest file %q missing from package", entry.File)
		}
		data, err := readZipFile(f)
		if err != nil {
			return nil, err
		}

		content := entry.content()
		if content.IsSUIT() {
			img := EnvelopeImage(data)
			img.Content = content
			pkg.Images = append(pkg.Images, img)
			continue
		}

		index, err := entry.imageIndex()
		if err != nil {
			return nil, fmt.Errorf("manifest file %q: bad image index: %w", entry.File, err)
		}
		img, err := BinaryImage(index, entry.slot(), data)
		if err != nil {
			return nil, fmt.Errorf("manifest file %q: %w", entry.File, err)
		}
		if entry.VersionXIP != "" {
			img.Version = entry.VersionXIP
		}
		pkg.Images = append(pkg.Images, img)
	}
	return pkg, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.Name, err)
	}
	return data, nil
}
