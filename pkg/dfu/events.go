// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dfu

import (
	"time"

	"github.com/Thermoquad/smpflash/pkg/firmware"
	"github.com/Thermoquad/smpflash/pkg/mcumgr"
	"github.com/Thermoquad/smpflash/pkg/smp"
	"github.com/Thermoquad/smpflash/pkg/transport"
)

// event is an input to the upgrade state machine: a command result, a
// link change, an uploader callback or a user request.
type event interface {
	isEvent()
}

type (
	paramsResult struct {
		resp *smp.ParamsResponse
		err  error
		// mtu is the upload MTU when the request was sent
		mtu int
	}
	bootloaderInfoResult struct {
		resp *smp.BootloaderInfoResponse
		err  error
	}
	bootloaderModeResult struct {
		mode smp.BootloaderMode
		err  error
	}
	listResult struct {
		resp *smp.ImageStateResponse
		err  error
	}
	testResult struct {
		resp *smp.ImageStateResponse
		err  error
	}
	confirmResult struct {
		resp *smp.ImageStateResponse
		err  error
	}
	eraseResult     struct{ err error }
	resetResult     struct {
		err error
		at  time.Time
	}
	disconnected       struct{ at time.Time }
	reconnectResult    struct{ err error }
	uploadDelayElapsed struct{}
	uploadProgress     struct {
		bytesSent int
		imageSize int
		at        time.Time
	}
	uploadFinished  struct{}
	uploadFailed    struct{ err error }
	uploadCancelled struct{}
	renameResult    struct{ err error }
	finderResult    struct{ err error }
	// failure reports an adapter error outside any command
	failure     struct{ err error }
	pauseEvent  struct{}
	resumeEvent struct{}
	cancelEvent struct{}
)

func (paramsResult) isEvent()         {}
func (bootloaderInfoResult) isEvent() {}
func (bootloaderModeResult) isEvent() {}
func (listResult) isEvent()           {}
func (testResult) isEvent()           {}
func (confirmResult) isEvent()        {}
func (eraseResult) isEvent()          {}
func (resetResult) isEvent()          {}
func (disconnected) isEvent()         {}
func (reconnectResult) isEvent()      {}
func (uploadDelayElapsed) isEvent()   {}
func (uploadProgress) isEvent()       {}
func (uploadFinished) isEvent()       {}
func (uploadFailed) isEvent()         {}
func (uploadCancelled) isEvent()      {}
func (renameResult) isEvent()         {}
func (finderResult) isEvent()         {}
func (failure) isEvent()              {}
func (pauseEvent) isEvent()           {}
func (resumeEvent) isEvent()          {}
func (cancelEvent) isEvent()          {}

// effect is an output of the state machine: a command for the device or
// the link, or a notification for the observer.
type effect interface {
	isEffect()
}

// Commands
type (
	sendParams         struct{}
	sendBootloaderInfo struct{}
	sendBootloaderMode struct{}
	sendList           struct{}
	sendTest           struct{ hash []byte }
	// sendConfirm with a nil hash confirms the running image
	sendConfirm struct{ hash []byte }
	sendReset   struct{ bootloader bool }
	sendErase   struct{}
	startUpload struct {
		images []firmware.Image
		config mcumgr.UploadConfig
	}
	pauseUpload       struct{}
	resumeUpload      struct{}
	cancelUpload      struct{}
	setUploadMTU      struct{ mtu int }
	delay             struct {
		d    time.Duration
		then event
	}
	scheduleReconnect struct{ delay time.Duration }
	switchMode        struct{ mode transport.Mode }
	findDevice        struct{ name string }
	rename            struct{ name string }
)

// Notifications
type (
	stateChanged struct{ from, to State }
	progress     struct {
		bytesSent int
		imageSize int
		at        time.Time
	}
	completed struct{}
	failed    struct {
		state State
		err   error
	}
	cancelled struct{ state State }
)

func (sendParams) isEffect()         {}
func (sendBootloaderInfo) isEffect() {}
func (sendBootloaderMode) isEffect() {}
func (sendList) isEffect()           {}
func (sendTest) isEffect()           {}
func (sendConfirm) isEffect()        {}
func (sendReset) isEffect()          {}
func (sendErase) isEffect()          {}
func (startUpload) isEffect()        {}
func (pauseUpload) isEffect()        {}
func (resumeUpload) isEffect()       {}
func (cancelUpload) isEffect()       {}
func (setUploadMTU) isEffect()       {}
func (delay) isEffect()              {}
func (scheduleReconnect) isEffect()  {}
func (switchMode) isEffect()         {}
func (findDevice) isEffect()         {}
func (rename) isEffect()             {}
func (stateChanged) isEffect()       {}
func (progress) isEffect()           {}
func (completed) isEffect()          {}
func (failed) isEffect()             {}
func (cancelled) isEffect()          {}
