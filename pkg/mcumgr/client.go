// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mcumgr

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/Thermoquad/smpflash/pkg/smp"
	"github.com/Thermoquad/smpflash/pkg/transport"
	"github.com/pion/logging"
)

// Request timeouts
const (
	DefaultTimeout = 40 * time.Second
	FastTimeout    = 5 * time.Second
)

// FirmwareLoaderNameSetting is the settings key holding the advertised name
// of the firmware loader
const FirmwareLoaderNameSetting = "fw_loader/adv_name"

// Sender sends an encoded SMP request and returns the raw response.
// transport.Session implements it.
type Sender interface {
	Send(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error)
}

// Client issues McuMgr commands over a Sender. It is safe for concurrent
// use; every request gets its own sequence number.
type Client struct {
	sender Sender
	seq    atomic.Uint32
	log    logging.LeveledLogger
}

// NewClient creates a client. The first sequence number is random.
func NewClient(sender Sender, factory logging.LoggerFactory) *Client {
	c := &Client{
		sender: sender,
		log:    transport.ScopedLogger(factory, "mcumgr"),
	}
	c.seq.Store(uint32(rand.Intn(256)))
	return c
}

// Sender returns the sender the client was created with
func (c *Client) Sender() Sender {
	return c.sender
}

func (c *Client) nextSequence() uint8 {
	return uint8(c.seq.Add(1) - 1)
}

// Request sends p and decodes the response payload into out, which must
// embed smp.Response. Non-zero return codes become *ReturnCodeError and
// SMPv2 group errors *smp.GroupError.
func (c *Client) Request(ctx context.Context, p *smp.Packet, timeout time.Duration, out smp.Responder) error {
	p.SetSequence(c.nextSequence())
	payload, err := smp.Encode(p)
	if err != nil {
		return err
	}

	c.log.Debugf("-> %s", smp.FormatCommand(p.Group(), p.Command()))
	raw, err := c.sender.Send(ctx, payload, timeout)
	if err != nil {
		return err
	}

	if anomalies := smp.ValidateResponse(p.Header(), raw); len(anomalies) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidResponse, anomalies[0].Message)
	}

	body := raw[smp.HeaderSize:]
	if len(body) > 0 {
		if err := smp.DecodeResponse(body, out); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
	}

	if rc := out.ReturnCode(); !rc.IsSuccess() {
		return &ReturnCodeError{Group: p.Group(), Command: p.Command(), Code: rc}
	}
	if err := out.GroupErr(); err != nil {
		return err
	}
	return nil
}

// Echo sends text and returns the device's echo
func (c *Client) Echo(ctx context.Context, text string) (string, error) {
	var resp smp.EchoResponse
	if err := c.Request(ctx, smp.NewEchoRequest(text), DefaultTimeout, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Reset restarts the device, optionally into its bootloader
func (c *Client) Reset(ctx context.Context, bootloader, force bool) error {
	var resp smp.Response
	return c.Request(ctx, smp.NewResetRequest(bootloader, force), DefaultTimeout, &resp)
}

// Params reads the McuMgr buffer parameters
func (c *Client) Params(ctx context.Context) (*smp.ParamsResponse, error) {
	var resp smp.ParamsResponse
	if err := c.Request(ctx, smp.NewParamsRequest(), DefaultTimeout, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BootloaderInfo reads the bootloader name
func (c *Client) BootloaderInfo(ctx context.Context) (*smp.BootloaderInfoResponse, error) {
	var resp smp.BootloaderInfoResponse
	if err := c.Request(ctx, smp.NewBootloaderInfoRequest(false), DefaultTimeout, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BootloaderMode reads the MCUboot mode. Devices that omit the field report
// BootloaderModeUnknown.
func (c *Client) BootloaderMode(ctx context.Context) (smp.BootloaderMode, error) {
	var resp smp.BootloaderInfoResponse
	if err := c.Request(ctx, smp.NewBootloaderInfoRequest(true), DefaultTimeout, &resp); err != nil {
		return smp.BootloaderModeUnknown, err
	}
	if resp.Mode == nil {
		return smp.BootloaderModeUnknown, nil
	}
	return smp.BootloaderMode(*resp.Mode), nil
}

// ListImages reads the image slot table
func (c *Client) ListImages(ctx context.Context) (*smp.ImageStateResponse, error) {
	return c.imageState(ctx, smp.NewImageListRequest())
}

// TestImage marks the image with hash for a test boot
func (c *Client) TestImage(ctx context.Context, hash []byte) (*smp.ImageStateResponse, error) {
	return c.imageState(ctx, smp.NewImageTestRequest(hash))
}

// ConfirmImage makes the image with hash permanent; a nil hash confirms the
// running image
func (c *Client) ConfirmImage(ctx context.Context, hash []byte) (*smp.ImageStateResponse, error) {
	return c.imageState(ctx, smp.NewImageConfirmRequest(hash))
}

func (c *Client) imageState(ctx context.Context, p *smp.Packet) (*smp.ImageStateResponse, error) {
	var resp smp.ImageStateResponse
	if err := c.Request(ctx, p, DefaultTimeout, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UploadChunk sends one image upload chunk. The first chunk waits longer
// because the device erases the slot before answering.
func (c *Client) UploadChunk(ctx context.Context, chunk smp.ImageUploadChunk) (*smp.UploadResponse, error) {
	timeout := FastTimeout
	if chunk.Offset == 0 {
		timeout = DefaultTimeout
	}
	var resp smp.UploadResponse
	if err := c.Request(ctx, smp.NewImageUploadRequest(chunk), timeout, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UploadEnvelopeChunk sends one SUIT envelope upload chunk
func (c *Client) UploadEnvelopeChunk(ctx context.Context, offset uint64, data []byte, total uint64) (*smp.UploadResponse, error) {
	timeout := FastTimeout
	if offset == 0 {
		timeout = DefaultTimeout
	}
	var resp smp.UploadResponse
	if err := c.Request(ctx, smp.NewEnvelopeUploadRequest(offset, data, total), timeout, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EraseImage erases the secondary slot
func (c *Client) EraseImage(ctx context.Context) error {
	var resp smp.Response
	return c.Request(ctx, smp.NewImageEraseRequest(), DefaultTimeout, &resp)
}

// EraseAppSettings erases the application settings partition
func (c *Client) EraseAppSettings(ctx context.Context) error {
	var resp smp.Response
	return c.Request(ctx, smp.NewEraseAppSettingsRequest(), DefaultTimeout, &resp)
}

// SetFirmwareLoaderName stores the name the firmware loader advertises
// with, then saves the settings
func (c *Client) SetFirmwareLoaderName(ctx context.Context, name string) error {
	var resp smp.Response
	if err := c.Request(ctx, smp.NewSettingsWriteRequest(FirmwareLoaderNameSetting, []byte(name)), DefaultTimeout, &resp); err != nil {
		return err
	}
	return c.Request(ctx, smp.NewSettingsSaveRequest(), DefaultTimeout, &smp.Response{})
}
