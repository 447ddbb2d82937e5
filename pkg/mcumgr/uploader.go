// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mcumgr

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Thermoquad/smpflash/pkg/firmware"
	"github.com/Thermoquad/smpflash/pkg/smp"
	"github.com/Thermoquad/smpflash/pkg/transport"
	"github.com/pion/logging"
)

// DefaultUploadMTU is used when the sender does not report its MTU
const DefaultUploadMTU = 512

const (
	// uploadOverheadMargin covers the growth of CBOR length prefixes
	// between the 1-byte probe and a full chunk
	uploadOverheadMargin = 5

	// maxUploadStalls is how many responses in a row may leave the device
	// offset unchanged
	maxUploadStalls = 5
)

var errUploadCancelled = errors.New("mcumgr: upload cancelled")

// UploadObserver receives upload events on the uploader's goroutine
type UploadObserver interface {
	UploadProgressDidChange(bytesSent, imageSize int, timestamp time.Time)
	UploadDidFinish()
	UploadDidFail(err error)
	UploadDidCancel()
}

// UploadConfig tunes an upload
type UploadConfig struct {
	// PipelineDepth is the number of chunks in flight. Values above 1
	// require a device with SMP pipelining.
	PipelineDepth int

	// ByteAlignment aligns chunk lengths down to a multiple of this value.
	// 0 or 1 disables alignment.
	ByteAlignment int

	// ReassemblyBufferSize lets one request exceed the MTU when the device
	// reassembles SMP packets. Capped at 65535.
	ReassemblyBufferSize int
}

// mtuReporter is implemented by senders that know their MTU
type mtuReporter interface {
	MTU() int
}

// Uploader sends images chunk by chunk with optional pipelining.
// One upload runs at a time; Pause, Continue and Cancel act on it.
type Uploader struct {
	client *Client
	log    logging.LeveledLogger

	mu        sync.Mutex
	mtu       int
	running   bool
	cancelled bool
	resumeCh  chan struct{} // non-nil while paused
}

// NewUploader creates an uploader for client
func NewUploader(client *Client, factory logging.LoggerFactory) *Uploader {
	mtu := DefaultUploadMTU
	if r, ok := client.Sender().(mtuReporter); ok && r.MTU() > 0 {
		mtu = r.MTU()
	}
	return &Uploader{
		client: client,
		log:    transport.ScopedLogger(factory, "mcumgr-upload"),
		mtu:    mtu,
	}
}

// MTU returns the packet size chunks are computed for
func (u *Uploader) MTU() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.mtu
}

// SetMTU changes the packet size used for following chunks
func (u *Uploader) SetMTU(mtu int) error {
	if mtu < smp.MinMTU || mtu > smp.MaxMTU {
		return fmt.Errorf("mcumgr: MTU %d out of range [%d, %d]", mtu, smp.MinMTU, smp.MaxMTU)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.mtu = mtu
	return nil
}

// Upload starts uploading images in order and returns immediately.
// Observer callbacks report the outcome.
func (u *Uploader) Upload(ctx context.Context, images []firmware.Image, config UploadConfig, observer UploadObserver) error {
	if len(images) == 0 {
		return ErrNoImages
	}
	if config.PipelineDepth < 1 {
		config.PipelineDepth = 1
	}
	config.ReassemblyBufferSize = min(config.ReassemblyBufferSize, smp.MaxReassemblyBufferSize)

	u.mu.Lock()
	if u.running {
		u.mu.Unlock()
		return ErrUploadInProgress
	}
	u.running = true
	u.cancelled = false
	u.resumeCh = nil
	u.mu.Unlock()

	go u.run(ctx, images, config, observer)
	return nil
}

// Pause stops sending new chunks; chunks in flight still complete
func (u *Uploader) Pause() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.running && u.resumeCh == nil {
		u.log.Info("upload paused")
		u.resumeCh = make(chan struct{})
	}
}

// Continue resumes a paused upload
func (u *Uploader) Continue() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.resumeCh != nil {
		u.log.Info("upload resumed")
		close(u.resumeCh)
		u.resumeCh = nil
	}
}

// Cancel stops the upload once the chunks in flight are answered
func (u *Uploader) Cancel() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.running {
		return
	}
	u.cancelled = true
	if u.resumeCh != nil {
		close(u.resumeCh)
		u.resumeCh = nil
	}
}

// IsPaused reports whether an upload is paused
func (u *Uploader) IsPaused() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.resumeCh != nil
}

func (u *Uploader) isCancelled() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.cancelled
}

// waitIfPaused blocks while paused
func (u *Uploader) waitIfPaused(ctx context.Context) error {
	u.mu.Lock()
	ch := u.resumeCh
	u.mu.Unlock()
	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if u.isCancelled() {
		return errUploadCancelled
	}
	return nil
}

func (u *Uploader) run(ctx context.Context, images []firmware.Image, config UploadConfig, observer UploadObserver) {
	err := u.uploadAll(ctx, images, config, observer)

	u.mu.Lock()
	u.running = false
	u.cancelled = false
	u.resumeCh = nil
	u.mu.Unlock()

	switch {
	case err == nil:
		u.log.Info("upload finished")
		observer.UploadDidFinish()
	case errors.Is(err, errUploadCancelled):
		u.log.Info("upload cancelled")
		observer.UploadDidCancel()
	default:
		u.log.Errorf("upload failed: %v", err)
		observer.UploadDidFail(err)
	}
}

func (u *Uploader) uploadAll(ctx context.Context, images []firmware.Image, config UploadConfig, observer UploadObserver) error {
	for i := 0; i < len(images); {
		img := images[i]
		u.log.Infof("uploading image %d (%d bytes, %s)", img.Image, len(img.Data), img.Content)

		err := u.uploadImage(ctx, img, config, observer)
		var mtuErr *transport.InsufficientMTUError
		switch {
		case err == nil:
			i++
		case errors.As(err, &mtuErr) && (mtuErr.MTU < u.MTU() || config.ReassemblyBufferSize > mtuErr.MTU):
			// Restart the image with packets the link can carry
			u.log.Warnf("MTU %d insufficient; restarting image %d with MTU %d", u.MTU(), img.Image, mtuErr.MTU)
			if err := u.SetMTU(mtuErr.MTU); err != nil {
				return err
			}
			config.ReassemblyBufferSize = 0
		default:
			return err
		}
	}
	return nil
}

// chunkResult is the outcome of one chunk request
type chunkResult struct {
	offset int
	length int
	resp   *smp.UploadResponse
	err    error
}

func (u *Uploader) uploadImage(ctx context.Context, img firmware.Image, config UploadConfig, observer UploadObserver) error {
	size := len(img.Data)
	var sha []byte
	if !img.Content.IsSUIT() {
		sum := sha256.Sum256(img.Data)
		sha = sum[:]
	}

	results := make(chan chunkResult, config.PipelineDepth)
	next, acked, inflight, stalls := 0, 0, 0, 0
	resync := false

	// drain waits for the chunks still in flight
	drain := func() {
		for ; inflight > 0; inflight-- {
			<-results
		}
	}

	for acked < size {
		if inflight == 0 {
			if err := u.waitIfPaused(ctx); err != nil {
				return err
			}
			// Continue from where the device says it is
			if resync || next >= size {
				next, resync = acked, false
			}
		}

		// The first chunk carries the image metadata and goes alone
		window := config.PipelineDepth
		if acked == 0 {
			window = 1
		}
		for inflight < window && next < size && !resync && !u.IsPaused() && !u.isCancelled() {
			n, err := u.chunkLength(img, next, size, sha, config)
			if err != nil {
				drain()
				return err
			}
			offset := next
			data := img.Data[offset : offset+n]
			inflight++
			next += n
			go func() {
				resp, err := u.sendChunk(ctx, img, offset, data, size, sha)
				results <- chunkResult{offset: offset, length: n, resp: resp, err: err}
			}()
		}
		if inflight == 0 {
			continue
		}

		r := <-results
		inflight--
		if r.err != nil {
			drain()
			return r.err
		}
		if r.resp.Match != nil && !*r.resp.Match {
			drain()
			return fmt.Errorf("%w: image %d at offset %d", ErrOffsetMismatch, img.Image, r.offset)
		}

		reported := r.offset + r.length
		if r.resp.Offset != nil {
			reported = int(*r.resp.Offset)
		}
		if reported > size {
			reported = size
		}
		if reported != r.offset+r.length {
			resync = true
		}

		if reported > acked {
			acked, stalls = reported, 0
			observer.UploadProgressDidChange(acked, size, time.Now())
		} else {
			stalls++
			if stalls > maxUploadStalls {
				drain()
				return fmt.Errorf("%w: image %d stuck at offset %d", ErrOffsetMismatch, img.Image, acked)
			}
		}
	}
	return nil
}

func (u *Uploader) sendChunk(ctx context.Context, img firmware.Image, offset int, data []byte, size int, sha []byte) (*smp.UploadResponse, error) {
	if img.Content.IsSUIT() {
		return u.client.UploadEnvelopeChunk(ctx, uint64(offset), data, uint64(size))
	}
	return u.client.UploadChunk(ctx, uploadChunk(img, offset, data, size, sha))
}

func uploadChunk(img firmware.Image, offset int, data []byte, size int, sha []byte) smp.ImageUploadChunk {
	return smp.ImageUploadChunk{
		Image:       img.Image,
		Offset:      uint64(offset),
		Data:        data,
		TotalLength: uint64(size),
		SHA:         sha,
	}
}

// chunkLength returns how many bytes of img fit one request at offset
func (u *Uploader) chunkLength(img firmware.Image, offset, size int, sha []byte, config UploadConfig) (int, error) {
	mtu := u.MTU()
	packetSize := max(config.ReassemblyBufferSize, mtu)

	var probe *smp.Packet
	if img.Content.IsSUIT() {
		probe = smp.NewEnvelopeUploadRequest(uint64(offset), []byte{0}, uint64(size))
	} else {
		probe = smp.NewImageUploadRequest(uploadChunk(img, offset, []byte{0}, size, sha))
	}
	encoded, err := smp.Encode(probe)
	if err != nil {
		return 0, err
	}
	overhead := len(encoded) + uploadOverheadMargin

	n := packetSize - overhead
	if config.ByteAlignment > 1 {
		n -= n % config.ByteAlignment
	}
	if n <= 0 {
		return 0, fmt.Errorf("mcumgr: MTU %d leaves no room for data (overhead %d)", mtu, overhead)
	}
	return min(n, size-offset), nil
}
