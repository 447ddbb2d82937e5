// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dfu

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/Thermoquad/smpflash/pkg/firmware"
	"github.com/Thermoquad/smpflash/pkg/mcumgr"
	"github.com/Thermoquad/smpflash/pkg/smp"
	"github.com/Thermoquad/smpflash/pkg/transport"
	"github.com/pion/logging"
)

// uploadDelay separates validation from the first upload chunk; devices
// drop chunks that arrive right after the image list.
const uploadDelay = 100 * time.Millisecond

// firmwareLoaderPrefix starts the name a device advertises after a reset
// into its firmware loader
const firmwareLoaderPrefix = "FL_"

// machine is the upgrade state machine. It performs no I/O: advance turns
// one event into the effects the adapter must carry out. Not safe for
// concurrent use.
type machine struct {
	log logging.LeveledLogger
	now func() time.Time

	// requested is the caller's configuration, config the working copy
	// the device may override
	requested Config
	config    Config

	source     []firmware.Image
	images     []Image
	state      State
	bootloader Bootloader

	paused   bool
	deferred func() []effect

	awaitingReset bool
	resetAcked    bool
	droppedEarly  bool
	resetAt       time.Time

	listConfirmSent bool
	afterReset      bool

	// canRecover is set when a firmware loader can be searched for
	canRecover bool
	alternate  bool
	loaderName string
}

func newMachine(images []firmware.Image, config Config, log logging.LeveledLogger) *machine {
	config = config.normalize()
	return &machine{
		log:        log,
		now:        time.Now,
		requested:  config,
		config:     config,
		source:     images,
		images:     newImages(images),
		bootloader: Bootloader{Mode: config.BootloaderMode},
	}
}

// start begins the upgrade
func (m *machine) start() []effect {
	return m.requestParameters()
}

// advance applies ev and returns the resulting effects
func (m *machine) advance(ev event) []effect {
	if !m.state.InProgress() {
		return nil
	}

	switch e := ev.(type) {
	case pauseEvent:
		return m.pause()
	case resumeEvent:
		return m.resume()
	case cancelEvent:
		return m.cancel()
	case failure:
		return m.fail(e.err)

	case paramsResult:
		return m.onParams(e)
	case bootloaderInfoResult:
		return m.onBootloaderInfo(e)
	case bootloaderModeResult:
		return m.onBootloaderMode(e)
	case listResult:
		if m.afterReset {
			return m.onListAfterReset(e.resp, e.err)
		}
		return m.onList(e.resp, e.err)
	case uploadDelayElapsed:
		return m.upload()
	case uploadProgress:
		return m.onUploadProgress(e)
	case uploadFinished:
		return m.uploadDidFinish()
	case uploadFailed:
		return m.fail(e.err)
	case uploadCancelled:
		return m.onUploadCancelled()
	case eraseResult:
		return m.onErase(e.err)
	case testResult:
		return m.onTest(e.resp, e.err)
	case confirmResult:
		// A confirm sent during validation answers with the image list
		if m.state == StateValidate {
			return m.onList(e.resp, e.err)
		}
		return m.onConfirm(e.resp, e.err)
	case resetResult:
		return m.onReset(e)
	case disconnected:
		return m.onDisconnected(e.at)
	case reconnectResult:
		return m.onReconnect(e.err)
	case renameResult:
		return m.onRename(e.err)
	case finderResult:
		return m.onFinder(e.err)
	}
	return nil
}

func (m *machine) caps() Capabilities {
	return m.bootloader.Caps()
}

// enter moves to state and runs send unless paused. A paused machine keeps
// send for resume.
func (m *machine) enter(state State, send func() []effect) []effect {
	var effects []effect
	if state != m.state {
		m.log.Debugf("state %s -> %s", m.state, state)
		effects = append(effects, stateChanged{from: m.state, to: state})
		m.state = state
	}
	if m.paused {
		m.deferred = send
		return effects
	}
	return append(effects, send()...)
}

func one(e effect) func() []effect {
	return func() []effect { return []effect{e} }
}

// ============================================================================
// Pause, resume, cancel
// ============================================================================

func (m *machine) pause() []effect {
	if m.paused {
		return nil
	}
	m.log.Infof("pausing upgrade in %s", m.state)
	m.paused = true
	if m.state == StateUpload {
		return []effect{pauseUpload{}}
	}
	return nil
}

func (m *machine) resume() []effect {
	if !m.paused {
		return nil
	}
	m.log.Infof("resuming upgrade in %s", m.state)
	m.paused = false

	var effects []effect
	if m.state == StateUpload {
		effects = append(effects, resumeUpload{})
	}
	if send := m.deferred; send != nil {
		m.deferred = nil
		effects = append(effects, send()...)
	}
	return effects
}

func (m *machine) cancel() []effect {
	if m.state != StateUpload {
		m.log.Warnf("cancel ignored in %s", m.state)
		return nil
	}
	return []effect{cancelUpload{}}
}

// ============================================================================
// Terminal states
// ============================================================================

func (m *machine) success() []effect {
	m.log.Info("upgrade complete")
	from := m.state
	m.state = StateSuccess
	m.paused = false
	m.deferred = nil
	return []effect{stateChanged{from: from, to: StateSuccess}, completed{}}
}

// fail ends the upgrade. Unsupported commands on a bare-metal device start
// the firmware loader recovery once.
func (m *machine) fail(err error) []effect {
	if mcumgr.IsUnsupported(err) && m.bareMetalConfigured() {
		if m.canRecover && !m.alternate && m.state != StateResetIntoFirmwareLoader {
			m.log.Warnf("%v; resetting into the firmware loader", err)
			return m.resetIntoFirmwareLoader()
		}
		err = fmt.Errorf("%w: %w", ErrResetIntoBootloaderModeNeeded, err)
	}

	m.log.Errorf("upgrade failed in %s: %v", m.state, err)
	from := m.state
	m.state = StateNone
	m.paused = false
	m.deferred = nil
	return []effect{failed{state: from, err: err}}
}

func (m *machine) bareMetalConfigured() bool {
	return m.requested.BootloaderMode.IsBareMetal() || m.config.BootloaderMode.IsBareMetal()
}

// ============================================================================
// Parameters and bootloader
// ============================================================================

func (m *machine) requestParameters() []effect {
	return m.enter(StateRequestParameters, one(sendParams{}))
}

func (m *machine) onParams(e paramsResult) []effect {
	if e.err != nil || e.resp == nil || e.resp.BufferSize == nil || e.resp.BufferCount == nil {
		m.log.Warn("McuMgr parameters not supported")
		return m.bootloaderInfo()
	}

	size := *e.resp.BufferSize
	m.log.Infof("McuMgr parameters received (%d x %d)", *e.resp.BufferCount, size)
	if size > smp.MaxReassemblyBufferSize {
		m.log.Warnf("buffer size %d above maximum, using %d", size, smp.MaxReassemblyBufferSize)
		size = smp.MaxReassemblyBufferSize
	}
	m.config.ReassemblyBufferSize = int(size)

	var effects []effect
	if int(size) < e.mtu {
		mtu := max(int(size), smp.MinMTU)
		m.log.Infof("reassembly buffer %d below MTU %d; lowering MTU", size, e.mtu)
		effects = append(effects, setUploadMTU{mtu: mtu})
	}
	return append(effects, m.bootloaderInfo()...)
}

func (m *machine) bootloaderInfo() []effect {
	return m.enter(StateBootloaderInfo, one(sendBootloaderInfo{}))
}

func (m *machine) onBootloaderInfo(e bootloaderInfoResult) []effect {
	if e.err != nil || e.resp == nil {
		m.log.Warn("bootloader info not supported; assuming MCUboot")
		m.bootloader.Kind = KindMCUboot
		m.overrideSUITOverMCUboot()
		m.applyBootloader()
		return m.validate()
	}

	m.bootloader.Kind = ParseBootloaderKind(e.resp.Bootloader)
	m.log.Infof("bootloader: %s", m.bootloader.Kind)
	if m.bootloader.Kind == KindSUIT {
		// SUIT does not answer the mode query
		return m.enter(StateUpload, m.uploadAll)
	}
	return m.enter(StateBootloaderInfo, one(sendBootloaderMode{}))
}

func (m *machine) onBootloaderMode(e bootloaderModeResult) []effect {
	if e.err != nil {
		m.log.Warn("bootloader mode not supported")
		m.overrideSUITOverMCUboot()
		m.applyBootloader()
		return m.validate()
	}

	if e.mode != smp.BootloaderModeUnknown {
		m.config.BootloaderMode = e.mode
	}
	m.bootloader.Mode = m.config.BootloaderMode
	m.log.Infof("bootloader mode: %s", m.bootloader.Mode)

	switch m.bootloader.Mode {
	case smp.BootloaderModeDirectXIPWithRevert:
		// Nothing to confirm; the new image boots on reset
		for i := range m.images {
			m.images[i].Confirmed = true
		}
	case smp.BootloaderModeDirectXIPNoRevert:
		if m.config.UpgradeMode != ModeUploadOnly {
			m.log.Infof("DirectXIP without revert rejects test and confirm; switching %s to %s", m.config.UpgradeMode, ModeUploadOnly)
			m.config.UpgradeMode = ModeUploadOnly
		}
	}
	m.applyBootloader()
	return m.validate()
}

// overrideSUITOverMCUboot confirms SUIT envelopes sent through MCUboot,
// which does not apply them on a plain reset
func (m *machine) overrideSUITOverMCUboot() {
	if isSUIT(m.images) && m.config.UpgradeMode == ModeUploadOnly {
		m.log.Infof("SUIT over MCUboot; switching %s to %s", ModeUploadOnly, ModeConfirmOnly)
		m.config.UpgradeMode = ModeConfirmOnly
	}
}

// applyBootloader moves images to the bootloader's fixed slot
func (m *machine) applyBootloader() {
	m.bootloader.Mode = m.config.BootloaderMode
	caps := m.caps()
	if caps.FixedSlot < 0 {
		return
	}
	for i := range m.images {
		if m.images[i].Slot != caps.FixedSlot {
			m.log.Debugf("image %d targets slot %d", m.images[i].Number(), caps.FixedSlot)
			m.images[i].Slot = caps.FixedSlot
		}
	}
}

// ============================================================================
// Validate
// ============================================================================

func (m *machine) validate() []effect {
	return m.enter(StateValidate, one(sendList{}))
}

func (m *machine) onList(resp *smp.ImageStateResponse, err error) []effect {
	if err != nil {
		return m.fail(err)
	}
	if resp == nil || len(resp.Images) == 0 {
		return m.fail(fmt.Errorf("%w: empty image list", ErrInvalidResponse))
	}

	caps := m.caps()
	discarded := make(map[int]bool)
	for i := range m.images {
		img := &m.images[i]
		if img.Uploaded {
			continue
		}

		// A matching hash in any slot of this image needs no upload
		if target := firstImageSlot(resp, img.Number()); target != nil && bytes.Equal(target.Hash, img.Hash) {
			m.targetSlotMatch(target, img)
			continue
		}

		if caps.BareMetal {
			m.log.Debugf("image %d will be uploaded to the firmware loader", img.Number())
			continue
		}

		alternative := first(m.images, func(o *Image) bool {
			return o.Number() == img.Number() && o.Slot != img.Slot
		})
		if alternative != nil {
			if s, ok := resp.FindSlot(img.Number(), alternative.Slot); ok && bytes.Equal(s.Hash, alternative.Hash) {
				m.log.Debugf("image %d already uploaded", img.Number())
				for j := range m.images {
					if m.images[j].Number() == img.Number() {
						discarded[j] = true
						m.images[j].Uploaded = true
					}
				}
				continue
			}
			// Upload to whichever slot is not running
			if active := activeImageSlot(resp, img.Number()); active != nil {
				for j := range m.images {
					if m.images[j].Number() == active.Image && m.images[j].Slot == active.Slot {
						m.log.Debugf("image %d slot %d is active; uploading to the other slot", active.Image, active.Slot)
						discarded[j] = true
					}
				}
			}
			continue
		}

		if effects, stop := m.validateSecondarySlot(img, resp); stop {
			return effects
		}
	}

	kept := make([]Image, 0, len(m.images))
	for i := range m.images {
		if !discarded[i] {
			kept = append(kept, m.images[i])
		}
	}
	m.images = kept

	return []effect{delay{d: uploadDelay, then: uploadDelayElapsed{}}}
}

func (m *machine) targetSlotMatch(slot *smp.ImageSlot, img *Image) {
	img.Uploaded = true
	if slot.Confirmed {
		m.log.Debugf("image %d already active", img.Number())
		img.Confirmed = true
		img.Tested = true
		return
	}
	m.log.Debugf("image %d already active in test mode", img.Number())
	img.Tested = true
}

// validateSecondarySlot compares img with the secondary slot. stop is set
// when the device must change before validation can go on.
func (m *machine) validateSecondarySlot(img *Image, resp *smp.ImageStateResponse) (effects []effect, stop bool) {
	secondary, ok := resp.FindSlot(img.Number(), 1)
	if !ok {
		return nil, false
	}

	if bytes.Equal(secondary.Hash, img.Hash) {
		img.Uploaded = true
		switch {
		case secondary.Permanent:
			if m.config.UpgradeMode == ModeTestOnly {
				return m.fail(unknownf("image %d already confirmed, cannot be tested", img.Number())), true
			}
			m.log.Debugf("image %d already uploaded and confirmed", img.Number())
			img.Confirmed = true
		case secondary.Pending:
			m.log.Debugf("image %d already uploaded and tested", img.Number())
			img.Tested = true
		default:
			m.log.Debugf("image %d already uploaded", img.Number())
		}
		return nil, false
	}

	// The slot holds other firmware that cannot be erased while confirmed
	// or pending
	switch {
	case secondary.Confirmed && !m.listConfirmSent:
		primary, ok := resp.FindSlot(img.Number(), 0)
		if !ok {
			return nil, false
		}
		m.log.Warnf("secondary slot of image %d is confirmed; confirming the primary slot", img.Number())
		m.listConfirmSent = true
		return m.enter(StateValidate, one(sendConfirm{hash: primary.Hash})), true
	case secondary.Confirmed, secondary.Pending:
		m.log.Warnf("secondary slot of image %d is locked; resetting the device", img.Number())
		return m.enter(StateValidate, m.sendReset(false)), true
	}
	m.log.Warnf("secondary slot of image %d will be overwritten", img.Number())
	return nil, false
}

func firstImageSlot(resp *smp.ImageStateResponse, image int) *smp.ImageSlot {
	for i := range resp.Images {
		if resp.Images[i].Image == image {
			return &resp.Images[i]
		}
	}
	return nil
}

func activeImageSlot(resp *smp.ImageStateResponse, image int) *smp.ImageSlot {
	for i := range resp.Images {
		if resp.Images[i].Image == image && resp.Images[i].Active {
			return &resp.Images[i]
		}
	}
	return nil
}

// ============================================================================
// Upload
// ============================================================================

func (m *machine) upload() []effect {
	return m.enter(StateUpload, m.uploadPending)
}

func (m *machine) uploadPending() []effect {
	pending := firmwareImages(m.images, func(i *Image) bool { return !i.Uploaded })
	if len(pending) == 0 {
		m.log.Info("nothing to upload")
		return append([]effect{progress{bytesSent: 100, imageSize: 100, at: m.now()}}, m.uploadDidFinish()...)
	}
	return []effect{startUpload{images: pending, config: m.uploadConfig()}}
}

// uploadAll uploads every image without validation
func (m *machine) uploadAll() []effect {
	all := firmwareImages(m.images, func(*Image) bool { return true })
	return []effect{startUpload{images: all, config: m.uploadConfig()}}
}

func (m *machine) uploadConfig() mcumgr.UploadConfig {
	return mcumgr.UploadConfig{
		PipelineDepth:        m.config.PipelineDepth,
		ByteAlignment:        m.config.ByteAlignment,
		ReassemblyBufferSize: m.config.ReassemblyBufferSize,
	}
}

func (m *machine) onUploadProgress(e uploadProgress) []effect {
	if e.bytesSent == e.imageSize {
		// Images are told apart by size only
		if img := first(m.images, func(i *Image) bool {
			return !i.Uploaded && len(i.Data) == e.imageSize
		}); img != nil {
			img.Uploaded = true
		}
	}
	return []effect{progress{bytesSent: e.bytesSent, imageSize: e.imageSize, at: e.at}}
}

func (m *machine) onUploadCancelled() []effect {
	m.log.Info("upload cancelled")
	from := m.state
	m.state = StateNone
	m.paused = false
	m.deferred = nil
	return []effect{cancelled{state: from}}
}

// uploadDidFinish picks the step after the upload
func (m *machine) uploadDidFinish() []effect {
	if m.config.EraseAppSettings {
		return m.enter(StateEraseAppSettings, one(sendErase{}))
	}

	caps := m.caps()
	switch m.config.UpgradeMode {
	case ModeConfirmOnly:
		suit := isSUIT(m.images)
		if suit || caps.BareMetal {
			for i := range m.images {
				m.images[i].ConfirmSent = true
				m.images[i].Confirmed = true
			}
			if suit {
				// One confirm without hash applies the envelope
				return m.enter(StateConfirm, one(sendConfirm{}))
			}
			return m.reset()
		}
		if img := first(m.images, func(i *Image) bool {
			return i.Uploaded && !i.Confirmed && !i.ConfirmSent
		}); img != nil {
			return m.enter(StateConfirm, m.sendConfirmImage(img))
		}
		return m.reset()

	case ModeTestOnly, ModeTestAndConfirm:
		if img := first(m.images, func(i *Image) bool { return i.Uploaded && !i.Tested }); img != nil {
			return m.enter(StateTest, m.sendTestImage(img))
		}
		if m.config.UpgradeMode == ModeTestAndConfirm {
			if img := first(m.images, func(i *Image) bool {
				return i.Uploaded && i.Tested && !i.Confirmed && !i.ConfirmSent
			}); img != nil {
				return m.enter(StateConfirm, m.sendConfirmImage(img))
			}
		}
		return m.success()

	default:
		if !caps.SupportsReset {
			return m.success()
		}
		return m.reset()
	}
}

func (m *machine) sendTestImage(img *Image) func() []effect {
	return func() []effect {
		m.log.Infof("testing image %d (slot %d)", img.Number(), img.Slot)
		img.TestSent = true
		return []effect{sendTest{hash: img.Hash}}
	}
}

func (m *machine) sendConfirmImage(img *Image) func() []effect {
	return func() []effect {
		m.log.Infof("confirming image %d (slot %d)", img.Number(), img.Slot)
		img.ConfirmSent = true
		return []effect{sendConfirm{hash: img.Hash}}
	}
}

// ============================================================================
// Erase, test, confirm
// ============================================================================

func (m *machine) onErase(err error) []effect {
	var rcErr *mcumgr.ReturnCodeError
	switch {
	case err == nil:
		m.log.Info("app settings erased")
	case errors.As(err, &rcErr):
		m.log.Warnf("erasing app settings not supported: %v", err)
	case errors.Is(err, transport.ErrSendFailed):
		// Some devices never answer the erase
		m.log.Warnf("no answer to erase app settings: %v", err)
	default:
		return m.fail(err)
	}
	m.config.EraseAppSettings = false
	return m.uploadDidFinish()
}

func (m *machine) onTest(resp *smp.ImageStateResponse, err error) []effect {
	if err != nil {
		return m.fail(err)
	}
	if resp == nil {
		return m.fail(fmt.Errorf("%w: empty test response", ErrInvalidResponse))
	}
	if len(resp.Images) < len(m.images) {
		return m.fail(unknownf("expected %d or more images, got %d", len(m.images), len(resp.Images)))
	}

	for i := range m.images {
		img := &m.images[i]
		if !img.Uploaded || img.Tested {
			continue
		}
		slot, ok := resp.Find(img.Number(), img.Hash)
		if !ok {
			return m.fail(unknownf("no image %d (slot %d) in test response", img.Number(), img.Slot))
		}
		if !slot.Pending {
			if !img.TestSent {
				return m.enter(StateTest, m.sendTestImage(img))
			}
			return m.fail(unknownf("image %d (slot %d) was tested but is not pending", img.Number(), img.Slot))
		}
		img.Tested = true
	}

	m.log.Debug("all images tested")
	return m.reset()
}

func (m *machine) onConfirm(resp *smp.ImageStateResponse, err error) []effect {
	if err != nil {
		return m.fail(err)
	}
	if isSUIT(m.images) {
		return m.success()
	}
	if resp == nil || len(resp.Images) == 0 {
		return m.fail(fmt.Errorf("%w: empty confirm response", ErrInvalidResponse))
	}

	for i := range m.images {
		img := &m.images[i]
		if img.Confirmed {
			continue
		}
		slot, found := resp.Find(img.Number(), img.Hash)

		switch m.config.UpgradeMode {
		case ModeConfirmOnly:
			if !found {
				if otherSlot(resp, img) {
					img.Confirmed = true
					continue
				}
				return m.fail(fmt.Errorf("%w: image %d missing from confirm response", ErrInvalidResponse, img.Number()))
			}
			if !slot.Permanent {
				// A tested image must boot before it can be confirmed
				if slot.Pending {
					continue
				}
				if img.ConfirmSent {
					return m.fail(unknownf("image %d (slot %d) was confirmed but is not permanent", slot.Image, slot.Slot))
				}
				return m.enter(StateConfirm, m.sendConfirmImage(img))
			}
			img.Confirmed = true

		case ModeTestAndConfirm:
			slot, found = resp.FindHash(img.Hash)
			if !found {
				continue
			}
			// A booted image may be confirmed internally without being
			// listed as confirmed, so every image gets its own confirm
			if !img.ConfirmSent {
				return m.enter(StateConfirm, m.sendConfirmImage(img))
			}
			switch {
			case slot.Active, slot.Permanent:
				img.Confirmed = true
			case !slot.Confirmed:
				return m.fail(unknownf("image %d (slot %d) was confirmed but is not permanent", slot.Image, slot.Slot))
			default:
				img.Confirmed = true
			}

		default:
			return nil
		}
	}

	if m.config.UpgradeMode == ModeConfirmOnly {
		return m.reset()
	}
	return m.success()
}

// otherSlot reports whether resp lists img's image number in another slot
func otherSlot(resp *smp.ImageStateResponse, img *Image) bool {
	for _, s := range resp.Images {
		if s.Image == img.Number() && s.Slot != img.Slot {
			return true
		}
	}
	return false
}

// ============================================================================
// Reset and reconnect
// ============================================================================

func (m *machine) reset() []effect {
	return m.enter(StateReset, m.sendReset(false))
}

func (m *machine) sendReset(bootloader bool) func() []effect {
	return func() []effect {
		m.awaitingReset = true
		m.resetAcked = false
		m.droppedEarly = false
		return []effect{sendReset{bootloader: bootloader}}
	}
}

func (m *machine) onReset(e resetResult) []effect {
	if !m.awaitingReset {
		return nil
	}
	if e.err != nil && !errors.Is(e.err, transport.ErrDisconnected) {
		return m.fail(e.err)
	}

	m.log.Info("reset accepted")
	m.resetAcked = true
	m.resetAt = e.at
	if m.droppedEarly || e.err != nil {
		return m.onDisconnected(e.at)
	}
	return nil
}

func (m *machine) onDisconnected(at time.Time) []effect {
	if !m.awaitingReset {
		return nil
	}
	if !m.resetAcked {
		m.droppedEarly = true
		return nil
	}
	m.awaitingReset = false
	m.droppedEarly = false
	m.log.Info("device disconnected")

	var effects []effect
	if m.state == StateResetIntoFirmwareLoader {
		return append(effects, findDevice{name: m.loaderName})
	}
	if m.alternate {
		// The firmware loader reset into the application
		m.alternate = false
		effects = append(effects, switchMode{mode: transport.ModeDefault})
	}

	wait := m.config.EstimatedSwapTime - at.Sub(m.resetAt)
	if m.caps().SkipsSwapWait || wait < 0 {
		wait = 0
	}
	if wait > 0 {
		m.log.Infof("waiting %s for the image swap", wait)
	}
	return append(effects, scheduleReconnect{delay: wait})
}

func (m *machine) onReconnect(err error) []effect {
	if err != nil {
		return m.fail(fmt.Errorf("%w: %w", ErrConnectionFailedAfterReset, err))
	}
	m.log.Info("reconnected")

	switch m.state {
	case StateRequestParameters:
		return m.requestParameters()
	case StateValidate:
		return m.validate()
	case StateResetIntoFirmwareLoader:
		// Start over against the firmware loader
		m.images = newImages(m.source)
		m.config = m.requested
		m.bootloader = Bootloader{Mode: m.config.BootloaderMode}
		return m.requestParameters()
	case StateReset:
		if m.config.UpgradeMode == ModeTestAndConfirm {
			m.afterReset = true
			return m.enter(StateReset, one(sendList{}))
		}
		return m.success()
	}
	return nil
}

// onListAfterReset finds the uploaded images in their new slots and
// confirms them
func (m *machine) onListAfterReset(resp *smp.ImageStateResponse, err error) []effect {
	m.afterReset = false
	if err != nil {
		return m.fail(err)
	}
	if resp == nil || len(resp.Images) == 0 {
		return m.fail(fmt.Errorf("%w: empty image list", ErrInvalidResponse))
	}

	for i := range m.images {
		img := &m.images[i]
		if !img.Uploaded {
			continue
		}
		slot, ok := resp.Find(img.Number(), img.Hash)
		if !ok {
			return m.fail(&UploadedImageNotFoundError{Image: img.Number(), Hash: img.Hash})
		}
		img.Slot = slot.Slot
	}

	if img := first(m.images, func(i *Image) bool { return i.Uploaded && !i.Tested }); img != nil {
		return m.fail(&UntestedImageError{Image: img.Number(), Slot: img.Slot})
	}
	if img := first(m.images, func(i *Image) bool {
		return i.Uploaded && !i.Confirmed && !i.ConfirmSent
	}); img != nil {
		return m.enter(StateConfirm, m.sendConfirmImage(img))
	}
	return m.success()
}

// ============================================================================
// Firmware loader recovery
// ============================================================================

func (m *machine) resetIntoFirmwareLoader() []effect {
	m.loaderName = firmwareLoaderPrefix + m.now().Format("150405")
	m.awaitingReset = false
	m.afterReset = false
	return m.enter(StateResetIntoFirmwareLoader, one(rename{name: m.loaderName}))
}

func (m *machine) onRename(err error) []effect {
	if err != nil {
		return m.fail(fmt.Errorf("%w: renaming firmware loader: %w", ErrResetIntoBootloaderModeNeeded, err))
	}
	m.log.Infof("firmware loader will advertise as %s", m.loaderName)
	return m.enter(StateResetIntoFirmwareLoader, m.sendReset(true))
}

func (m *machine) onFinder(err error) []effect {
	if err != nil {
		return m.fail(fmt.Errorf("%w: %w", ErrResetIntoBootloaderModeNeeded, err))
	}
	m.log.Infof("found firmware loader %s", m.loaderName)
	m.alternate = true
	return []effect{switchMode{mode: transport.ModeAlternate}, scheduleReconnect{}}
}
