// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dfu

import (
	"bytes"

	"github.com/Thermoquad/smpflash/pkg/firmware"
)

// Image is a firmware image with its upgrade progress. An image is
// identified by its image number and hash.
type Image struct {
	firmware.Image

	Uploaded    bool
	Tested      bool
	TestSent    bool
	Confirmed   bool
	ConfirmSent bool
}

func (i *Image) is(other *Image) bool {
	return i.Image.Image == other.Image.Image && i.Slot == other.Slot && bytes.Equal(i.Hash, other.Hash)
}

func newImages(images []firmware.Image) []Image {
	out := make([]Image, len(images))
	for i, img := range images {
		out[i] = Image{Image: img}
	}
	return out
}

// firmwareImages returns the images to hand to the uploader
func firmwareImages(images []Image, include func(*Image) bool) []firmware.Image {
	var out []firmware.Image
	for i := range images {
		if include(&images[i]) {
			out = append(out, images[i].Image)
		}
	}
	return out
}

// first returns the first image matching match
func first(images []Image, match func(*Image) bool) *Image {
	for i := range images {
		if match(&images[i]) {
			return &images[i]
		}
	}
	return nil
}

func isSUIT(images []Image) bool {
	for i := range images {
		if images[i].Content.IsSUIT() {
			return true
		}
	}
	return false
}

// Number returns the image number
func (i *Image) Number() int {
	return i.Image.Image
}
