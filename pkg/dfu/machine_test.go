// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dfu

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/Thermoquad/smpflash/pkg/firmware"
	"github.com/Thermoquad/smpflash/pkg/mcumgr"
	"github.com/Thermoquad/smpflash/pkg/smp"
	"github.com/Thermoquad/smpflash/pkg/transport"
)

var (
	fixedNow       = time.Date(2025, 1, 2, 12, 34, 56, 0, time.UTC)
	activeHash     = hashOf(0xAA)
	errUnsupported = &mcumgr.ReturnCodeError{Code: smp.RCUnsupported}
)

func hashOf(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func testImage(image, slot int, b byte) firmware.Image {
	return firmware.Image{
		Image:   image,
		Slot:    slot,
		Content: firmware.ContentBinary,
		Hash:    hashOf(b),
		Data:    bytes.Repeat([]byte{b}, 512+100*image+10*slot),
	}
}

func newTestMachine(images []firmware.Image, config Config) *machine {
	m := newMachine(images, config, transport.ScopedLogger(nil, "dfu"))
	m.now = func() time.Time { return fixedNow }
	return m
}

func u64(v uint64) *uint64 { return &v }

func list(slots ...smp.ImageSlot) *smp.ImageStateResponse {
	return &smp.ImageStateResponse{Images: slots}
}

func primary(image int, hash []byte) smp.ImageSlot {
	return smp.ImageSlot{Image: image, Slot: 0, Hash: hash, Bootable: true, Active: true, Confirmed: true}
}

func describe(effects []effect) string {
	names := make([]string, len(effects))
	for i, e := range effects {
		names[i] = fmt.Sprintf("%T", e)
	}
	return "[" + strings.Join(names, " ") + "]"
}

// effectOf returns the first effect of type T
func effectOf[T effect](t *testing.T, effects []effect) T {
	t.Helper()
	for _, e := range effects {
		if v, ok := e.(T); ok {
			return v
		}
	}
	var zero T
	t.Fatalf("no %T in %s", zero, describe(effects))
	return zero
}

func noEffect[T effect](t *testing.T, effects []effect) {
	t.Helper()
	for _, e := range effects {
		if _, ok := e.(T); ok {
			t.Fatalf("unexpected %T in %s", e, describe(effects))
		}
	}
}

func requireState(t *testing.T, m *machine, want State) {
	t.Helper()
	if m.state != want {
		t.Fatalf("state = %s, want %s", m.state, want)
	}
}

// toValidate answers params as unsupported and the bootloader queries with
// MCUboot in mode
func toValidate(t *testing.T, m *machine, mode smp.BootloaderMode) {
	t.Helper()
	effectOf[sendParams](t, m.start())
	effectOf[sendBootloaderInfo](t, m.advance(paramsResult{err: errUnsupported}))
	effectOf[sendBootloaderMode](t, m.advance(bootloaderInfoResult{
		resp: &smp.BootloaderInfoResponse{Bootloader: smp.BootloaderMCUboot},
	}))
	effectOf[sendList](t, m.advance(bootloaderModeResult{mode: mode}))
	requireState(t, m, StateValidate)
}

// toUpload validates against resp and starts the upload
func toUpload(t *testing.T, m *machine, resp *smp.ImageStateResponse) startUpload {
	t.Helper()
	d := effectOf[delay](t, m.advance(listResult{resp: resp}))
	if d.d != uploadDelay {
		t.Errorf("upload delay = %s, want %s", d.d, uploadDelay)
	}
	up := effectOf[startUpload](t, m.advance(d.then))
	requireState(t, m, StateUpload)
	return up
}

// finishUpload reports every image as sent
func finishUpload(t *testing.T, m *machine, up startUpload) []effect {
	t.Helper()
	for _, img := range up.images {
		n := len(img.Data)
		p := effectOf[progress](t, m.advance(uploadProgress{bytesSent: n, imageSize: n, at: fixedNow}))
		if p.bytesSent != n {
			t.Errorf("progress = %d, want %d", p.bytesSent, n)
		}
	}
	return m.advance(uploadFinished{})
}

func requireFailed(t *testing.T, effects []effect, state State, target error) failed {
	t.Helper()
	f := effectOf[failed](t, effects)
	if f.state != state {
		t.Errorf("failed in %s, want %s", f.state, state)
	}
	if target != nil && !errors.Is(f.err, target) {
		t.Errorf("error = %v, want %v", f.err, target)
	}
	return f
}

func TestMachine_ConfirmOnly(t *testing.T) {
	img := testImage(0, 1, 0x01)
	m := newTestMachine([]firmware.Image{img}, DefaultConfig())

	var states []State
	record := func(effects []effect) []effect {
		for _, e := range effects {
			if sc, ok := e.(stateChanged); ok {
				states = append(states, sc.to)
			}
		}
		return effects
	}
	confirms := 0
	count := func(effects []effect) []effect {
		for _, e := range effects {
			if _, ok := e.(sendConfirm); ok {
				confirms++
			}
		}
		return record(effects)
	}

	effectOf[sendParams](t, count(m.start()))
	effectOf[sendBootloaderInfo](t, count(m.advance(paramsResult{
		resp: &smp.ParamsResponse{BufferSize: u64(4096), BufferCount: u64(4)},
		mtu:  256,
	})))
	effectOf[sendBootloaderMode](t, count(m.advance(bootloaderInfoResult{
		resp: &smp.BootloaderInfoResponse{Bootloader: smp.BootloaderMCUboot},
	})))
	count(m.advance(bootloaderModeResult{mode: smp.BootloaderModeSwapUsingScratch}))

	up := toUpload(t, m, list(primary(0, activeHash)))
	record([]effect{stateChanged{to: StateUpload}})
	if len(up.images) != 1 || !bytes.Equal(up.images[0].Hash, img.Hash) {
		t.Fatalf("upload images = %+v", up.images)
	}
	if up.config.ReassemblyBufferSize != 4096 {
		t.Errorf("reassembly buffer = %d, want 4096", up.config.ReassemblyBufferSize)
	}

	c := effectOf[sendConfirm](t, count(finishUpload(t, m, up)))
	if !bytes.Equal(c.hash, img.Hash) {
		t.Errorf("confirm hash = %x", c.hash)
	}

	effectOf[sendReset](t, count(m.advance(confirmResult{resp: list(
		primary(0, activeHash),
		smp.ImageSlot{Image: 0, Slot: 1, Hash: img.Hash, Pending: true, Permanent: true},
	)})))
	if effects := m.advance(resetResult{at: fixedNow}); len(effects) != 0 {
		t.Fatalf("reset ack effects = %s", describe(effects))
	}
	r := effectOf[scheduleReconnect](t, m.advance(disconnected{at: fixedNow}))
	if r.delay != 0 {
		t.Errorf("reconnect delay = %s, want 0", r.delay)
	}
	effectOf[completed](t, count(m.advance(reconnectResult{})))

	want := []State{
		StateRequestParameters, StateBootloaderInfo, StateValidate, StateUpload,
		StateConfirm, StateReset, StateSuccess,
	}
	if !reflect.DeepEqual(states, want) {
		t.Errorf("states = %v, want %v", states, want)
	}
	if confirms != 1 {
		t.Errorf("sent %d confirms, want 1", confirms)
	}
	if effects := m.advance(reconnectResult{}); effects != nil {
		t.Errorf("events after success produced %s", describe(effects))
	}
}

func TestMachine_ParamsLowerMTU(t *testing.T) {
	m := newTestMachine([]firmware.Image{testImage(0, 1, 1)}, DefaultConfig())
	m.start()

	effects := m.advance(paramsResult{
		resp: &smp.ParamsResponse{BufferSize: u64(200), BufferCount: u64(2)},
		mtu:  256,
	})
	set := effectOf[setUploadMTU](t, effects)
	if set.mtu != 200 {
		t.Errorf("MTU = %d, want 200", set.mtu)
	}
	// The MTU changes before anything else is sent
	if _, ok := effects[0].(setUploadMTU); !ok {
		t.Errorf("effects = %s, want setUploadMTU first", describe(effects))
	}
	if m.config.ReassemblyBufferSize != 200 {
		t.Errorf("reassembly buffer = %d, want 200", m.config.ReassemblyBufferSize)
	}
}

func TestMachine_ParamsCapped(t *testing.T) {
	m := newTestMachine([]firmware.Image{testImage(0, 1, 1)}, DefaultConfig())
	m.start()

	effects := m.advance(paramsResult{
		resp: &smp.ParamsResponse{BufferSize: u64(100000), BufferCount: u64(1)},
		mtu:  498,
	})
	noEffect[setUploadMTU](t, effects)
	effectOf[sendBootloaderInfo](t, effects)
	if m.config.ReassemblyBufferSize != smp.MaxReassemblyBufferSize {
		t.Errorf("reassembly buffer = %d, want %d", m.config.ReassemblyBufferSize, smp.MaxReassemblyBufferSize)
	}
}

func TestMachine_ParamsUnsupported(t *testing.T) {
	config := DefaultConfig()
	config.ReassemblyBufferSize = 1024
	m := newTestMachine([]firmware.Image{testImage(0, 1, 1)}, config)
	m.start()

	effects := m.advance(paramsResult{err: errUnsupported, mtu: 256})
	noEffect[failed](t, effects)
	effectOf[sendBootloaderInfo](t, effects)
	if m.config.ReassemblyBufferSize != 1024 {
		t.Errorf("reassembly buffer = %d, want 1024", m.config.ReassemblyBufferSize)
	}
}

func TestMachine_PauseResumeSendsSameCommand(t *testing.T) {
	params := paramsResult{resp: &smp.ParamsResponse{BufferSize: u64(2048), BufferCount: u64(4)}, mtu: 256}

	plain := newTestMachine([]firmware.Image{testImage(0, 1, 1)}, DefaultConfig())
	plain.start()
	want := plain.advance(params)

	m := newTestMachine([]firmware.Image{testImage(0, 1, 1)}, DefaultConfig())
	m.start()
	if effects := m.advance(pauseEvent{}); len(effects) != 0 {
		t.Fatalf("pause effects = %s", describe(effects))
	}
	paused := m.advance(params)
	noEffect[sendBootloaderInfo](t, paused)
	got := append(paused, m.advance(resumeEvent{})...)

	if !reflect.DeepEqual(got, want) {
		t.Errorf("paused run = %s, plain run = %s", describe(got), describe(want))
	}
}

func TestMachine_PauseDuringUpload(t *testing.T) {
	img := testImage(0, 1, 1)
	m := newTestMachine([]firmware.Image{img}, DefaultConfig())
	toValidate(t, m, smp.BootloaderModeSwapUsingScratch)
	up := toUpload(t, m, list(primary(0, activeHash)))

	effectOf[pauseUpload](t, m.advance(pauseEvent{}))
	effects := finishUpload(t, m, up)
	noEffect[sendConfirm](t, effects)
	requireState(t, m, StateConfirm)

	effects = m.advance(resumeEvent{})
	noEffect[resumeUpload](t, effects)
	effectOf[sendConfirm](t, effects)
}

func TestMachine_ValidateAlreadyInstalled(t *testing.T) {
	img := testImage(0, 0, 0xAA)
	m := newTestMachine([]firmware.Image{img}, DefaultConfig())
	toValidate(t, m, smp.BootloaderModeSwapUsingScratch)

	d := effectOf[delay](t, m.advance(listResult{resp: list(primary(0, img.Hash))}))
	i := m.images[0]
	if !i.Uploaded || !i.Tested || !i.Confirmed {
		t.Fatalf("image = %+v, want uploaded, tested and confirmed", i)
	}

	effects := m.advance(d.then)
	noEffect[startUpload](t, effects)
	noEffect[sendTest](t, effects)
	noEffect[sendConfirm](t, effects)
	p := effectOf[progress](t, effects)
	if p.bytesSent != p.imageSize {
		t.Errorf("progress = %d/%d, want complete", p.bytesSent, p.imageSize)
	}
	effectOf[sendReset](t, effects)
}

func TestMachine_ValidateSecondarySlot(t *testing.T) {
	img := testImage(0, 1, 0x01)

	tests := []struct {
		name      string
		mode      UpgradeMode
		secondary smp.ImageSlot
		check     func(t *testing.T, m *machine, effects []effect)
	}{
		{
			name:      "pending match is tested",
			mode:      ModeTestAndConfirm,
			secondary: smp.ImageSlot{Image: 0, Slot: 1, Hash: img.Hash, Pending: true},
			check: func(t *testing.T, m *machine, effects []effect) {
				effectOf[delay](t, effects)
				if i := m.images[0]; !i.Uploaded || !i.Tested || i.Confirmed {
					t.Errorf("image = %+v", i)
				}
			},
		},
		{
			name:      "permanent match is confirmed",
			mode:      ModeConfirmOnly,
			secondary: smp.ImageSlot{Image: 0, Slot: 1, Hash: img.Hash, Pending: true, Permanent: true},
			check: func(t *testing.T, m *machine, effects []effect) {
				effectOf[delay](t, effects)
				if i := m.images[0]; !i.Uploaded || !i.Confirmed {
					t.Errorf("image = %+v", i)
				}
			},
		},
		{
			name:      "permanent match cannot be tested",
			mode:      ModeTestOnly,
			secondary: smp.ImageSlot{Image: 0, Slot: 1, Hash: img.Hash, Pending: true, Permanent: true},
			check: func(t *testing.T, m *machine, effects []effect) {
				requireFailed(t, effects, StateValidate, ErrUnknown)
			},
		},
		{
			name:      "pending other image resets",
			mode:      ModeConfirmOnly,
			secondary: smp.ImageSlot{Image: 0, Slot: 1, Hash: hashOf(0xCC), Pending: true},
			check: func(t *testing.T, m *machine, effects []effect) {
				if r := effectOf[sendReset](t, effects); r.bootloader {
					t.Error("reset into bootloader")
				}
				requireState(t, m, StateValidate)
			},
		},
		{
			name:      "plain other image is overwritten",
			mode:      ModeConfirmOnly,
			secondary: smp.ImageSlot{Image: 0, Slot: 1, Hash: hashOf(0xCC)},
			check: func(t *testing.T, m *machine, effects []effect) {
				effectOf[delay](t, effects)
				if m.images[0].Uploaded {
					t.Error("image marked uploaded")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			config.UpgradeMode = tt.mode
			m := newTestMachine([]firmware.Image{img}, config)
			toValidate(t, m, smp.BootloaderModeSwapUsingScratch)
			tt.check(t, m, m.advance(listResult{resp: list(primary(0, activeHash), tt.secondary)}))
		})
	}
}

func TestMachine_ValidateConfirmedSecondary(t *testing.T) {
	img := testImage(0, 1, 0x01)
	m := newTestMachine([]firmware.Image{img}, DefaultConfig())
	toValidate(t, m, smp.BootloaderModeSwapUsingScratch)

	locked := list(primary(0, activeHash), smp.ImageSlot{Image: 0, Slot: 1, Hash: hashOf(0xCC), Confirmed: true})

	// The primary slot is confirmed first
	c := effectOf[sendConfirm](t, m.advance(listResult{resp: locked}))
	if !bytes.Equal(c.hash, activeHash) {
		t.Errorf("confirm hash = %x, want primary", c.hash)
	}
	requireState(t, m, StateValidate)

	// Still locked: reset and validate again
	effectOf[sendReset](t, m.advance(confirmResult{resp: locked}))
	m.advance(resetResult{at: fixedNow})
	effectOf[scheduleReconnect](t, m.advance(disconnected{at: fixedNow}))
	effectOf[sendList](t, m.advance(reconnectResult{}))
	requireState(t, m, StateValidate)

	up := toUpload(t, m, list(primary(0, activeHash), smp.ImageSlot{Image: 0, Slot: 1, Hash: hashOf(0xCC)}))
	if len(up.images) != 1 {
		t.Errorf("uploading %d images, want 1", len(up.images))
	}
}

func TestMachine_ValidateAlternateSlot(t *testing.T) {
	slot0 := testImage(0, 0, 0x10)
	slot1 := testImage(0, 1, 0x11)

	t.Run("active slot is skipped", func(t *testing.T) {
		m := newTestMachine([]firmware.Image{slot0, slot1}, DefaultConfig())
		toValidate(t, m, smp.BootloaderModeDirectXIPWithRevert)

		up := toUpload(t, m, list(primary(0, activeHash), smp.ImageSlot{Image: 0, Slot: 1, Hash: hashOf(0xCC)}))
		if len(up.images) != 1 || up.images[0].Slot != 1 {
			t.Fatalf("upload images = %+v, want slot 1 only", up.images)
		}
	})

	t.Run("alternate slot holds image", func(t *testing.T) {
		m := newTestMachine([]firmware.Image{slot0, slot1}, DefaultConfig())
		toValidate(t, m, smp.BootloaderModeDirectXIPWithRevert)

		d := effectOf[delay](t, m.advance(listResult{resp: list(
			primary(0, activeHash),
			smp.ImageSlot{Image: 0, Slot: 1, Hash: slot1.Hash},
		)}))
		effects := m.advance(d.then)
		noEffect[startUpload](t, effects)
		effectOf[sendReset](t, effects)
	})
}

func TestMachine_TestAndConfirm(t *testing.T) {
	img0 := testImage(0, 1, 0x01)
	img1 := testImage(1, 1, 0x02)
	config := DefaultConfig()
	config.UpgradeMode = ModeTestAndConfirm
	m := newTestMachine([]firmware.Image{img0, img1}, config)
	toValidate(t, m, smp.BootloaderModeSwapUsingScratch)

	up := toUpload(t, m, list(primary(0, activeHash), primary(1, hashOf(0xBB))))
	if len(up.images) != 2 {
		t.Fatalf("uploading %d images, want 2", len(up.images))
	}

	test := effectOf[sendTest](t, finishUpload(t, m, up))
	if !bytes.Equal(test.hash, img0.Hash) {
		t.Fatalf("test hash = %x, want image 0", test.hash)
	}
	requireState(t, m, StateTest)

	test = effectOf[sendTest](t, m.advance(testResult{resp: list(
		primary(0, activeHash),
		smp.ImageSlot{Image: 0, Slot: 1, Hash: img0.Hash, Pending: true},
		primary(1, hashOf(0xBB)),
		smp.ImageSlot{Image: 1, Slot: 1, Hash: img1.Hash},
	)}))
	if !bytes.Equal(test.hash, img1.Hash) {
		t.Fatalf("test hash = %x, want image 1", test.hash)
	}

	effectOf[sendReset](t, m.advance(testResult{resp: list(
		primary(0, activeHash),
		smp.ImageSlot{Image: 0, Slot: 1, Hash: img0.Hash, Pending: true},
		primary(1, hashOf(0xBB)),
		smp.ImageSlot{Image: 1, Slot: 1, Hash: img1.Hash, Pending: true},
	)}))

	// The link drops before the reset is answered
	if effects := m.advance(disconnected{at: fixedNow}); len(effects) != 0 {
		t.Fatalf("early disconnect effects = %s", describe(effects))
	}
	effectOf[scheduleReconnect](t, m.advance(resetResult{err: transport.ErrDisconnected, at: fixedNow}))
	effectOf[sendList](t, m.advance(reconnectResult{}))
	requireState(t, m, StateReset)

	booted := func(image int, hash []byte, confirmed bool) smp.ImageSlot {
		return smp.ImageSlot{Image: image, Slot: 0, Hash: hash, Active: true, Confirmed: confirmed}
	}
	c := effectOf[sendConfirm](t, m.advance(listResult{resp: list(
		booted(0, img0.Hash, false),
		smp.ImageSlot{Image: 0, Slot: 1, Hash: activeHash, Confirmed: true},
		booted(1, img1.Hash, false),
		smp.ImageSlot{Image: 1, Slot: 1, Hash: hashOf(0xBB), Confirmed: true},
	)}))
	if !bytes.Equal(c.hash, img0.Hash) {
		t.Fatalf("confirm hash = %x, want image 0", c.hash)
	}
	for _, i := range m.images {
		if i.Slot != 0 {
			t.Errorf("image %d in slot %d after swap, want 0", i.Number(), i.Slot)
		}
	}

	c = effectOf[sendConfirm](t, m.advance(confirmResult{resp: list(
		booted(0, img0.Hash, true),
		booted(1, img1.Hash, false),
	)}))
	if !bytes.Equal(c.hash, img1.Hash) {
		t.Fatalf("confirm hash = %x, want image 1", c.hash)
	}
	effectOf[completed](t, m.advance(confirmResult{resp: list(
		booted(0, img0.Hash, true),
		booted(1, img1.Hash, true),
	)}))
}

func TestMachine_TestAndConfirmConfirmsEveryImage(t *testing.T) {
	img0 := testImage(0, 1, 0x01)
	img1 := testImage(1, 1, 0x02)
	firstTested := list(
		primary(0, activeHash),
		smp.ImageSlot{Image: 0, Slot: 1, Hash: img0.Hash, Pending: true},
		primary(1, hashOf(0xBB)),
		smp.ImageSlot{Image: 1, Slot: 1, Hash: img1.Hash},
	)
	pending := list(
		primary(0, activeHash),
		smp.ImageSlot{Image: 0, Slot: 1, Hash: img0.Hash, Pending: true},
		primary(1, hashOf(0xBB)),
		smp.ImageSlot{Image: 1, Slot: 1, Hash: img1.Hash, Pending: true},
	)
	// Image 1 swapped into slot 0 but is neither active nor confirmed
	afterReset := list(
		smp.ImageSlot{Image: 0, Slot: 0, Hash: img0.Hash, Active: true, Confirmed: true},
		smp.ImageSlot{Image: 1, Slot: 0, Hash: img1.Hash},
	)

	setup := func(t *testing.T) *machine {
		config := DefaultConfig()
		config.UpgradeMode = ModeTestAndConfirm
		m := newTestMachine([]firmware.Image{img0, img1}, config)
		toValidate(t, m, smp.BootloaderModeSwapUsingScratch)
		up := toUpload(t, m, list(primary(0, activeHash), primary(1, hashOf(0xBB))))
		effectOf[sendTest](t, finishUpload(t, m, up))
		effectOf[sendTest](t, m.advance(testResult{resp: firstTested}))
		effectOf[sendReset](t, m.advance(testResult{resp: pending}))
		m.advance(resetResult{at: fixedNow})
		effectOf[scheduleReconnect](t, m.advance(disconnected{at: fixedNow}))
		effectOf[sendList](t, m.advance(reconnectResult{}))

		c := effectOf[sendConfirm](t, m.advance(listResult{resp: afterReset}))
		if !bytes.Equal(c.hash, img0.Hash) {
			t.Fatalf("confirm hash = %x, want image 0", c.hash)
		}
		c = effectOf[sendConfirm](t, m.advance(confirmResult{resp: afterReset}))
		if !bytes.Equal(c.hash, img1.Hash) {
			t.Fatalf("confirm hash = %x, want image 1", c.hash)
		}
		if !m.images[1].ConfirmSent || m.images[1].Confirmed {
			t.Fatalf("image 1 = %+v, want confirm sent and not yet confirmed", m.images[1])
		}
		return m
	}

	t.Run("confirmed after confirm", func(t *testing.T) {
		m := setup(t)
		effectOf[completed](t, m.advance(confirmResult{resp: list(
			smp.ImageSlot{Image: 0, Slot: 0, Hash: img0.Hash, Active: true, Confirmed: true},
			smp.ImageSlot{Image: 1, Slot: 0, Hash: img1.Hash, Confirmed: true},
		)}))
	})

	t.Run("not confirmed after confirm", func(t *testing.T) {
		m := setup(t)
		requireFailed(t, m.advance(confirmResult{resp: afterReset}), StateConfirm, ErrUnknown)
	})
}

func TestMachine_TestFailures(t *testing.T) {
	img := testImage(0, 1, 0x01)
	setup := func(t *testing.T) *machine {
		config := DefaultConfig()
		config.UpgradeMode = ModeTestOnly
		m := newTestMachine([]firmware.Image{img}, config)
		toValidate(t, m, smp.BootloaderModeSwapUsingScratch)
		up := toUpload(t, m, list(primary(0, activeHash)))
		effectOf[sendTest](t, finishUpload(t, m, up))
		return m
	}

	t.Run("not pending after test", func(t *testing.T) {
		m := setup(t)
		effects := m.advance(testResult{resp: list(
			primary(0, activeHash),
			smp.ImageSlot{Image: 0, Slot: 1, Hash: img.Hash},
		)})
		requireFailed(t, effects, StateTest, ErrUnknown)
		requireState(t, m, StateNone)
	})

	t.Run("image missing", func(t *testing.T) {
		m := setup(t)
		effects := m.advance(testResult{resp: list(primary(0, activeHash), primary(1, activeHash))})
		requireFailed(t, effects, StateTest, ErrUnknown)
	})

	t.Run("short image list", func(t *testing.T) {
		m := setup(t)
		requireFailed(t, m.advance(testResult{resp: list()}), StateTest, ErrUnknown)
	})

	t.Run("device error", func(t *testing.T) {
		m := setup(t)
		f := requireFailed(t, m.advance(testResult{err: errUnsupported}), StateTest, nil)
		if !mcumgr.IsUnsupported(f.err) {
			t.Errorf("error = %v, want unsupported", f.err)
		}
	})
}

func TestMachine_ConfirmFailures(t *testing.T) {
	img := testImage(0, 1, 0x01)
	setup := func(t *testing.T) *machine {
		m := newTestMachine([]firmware.Image{img}, DefaultConfig())
		toValidate(t, m, smp.BootloaderModeSwapUsingScratch)
		up := toUpload(t, m, list(primary(0, activeHash)))
		effectOf[sendConfirm](t, finishUpload(t, m, up))
		return m
	}

	t.Run("not permanent after confirm", func(t *testing.T) {
		m := setup(t)
		effects := m.advance(confirmResult{resp: list(
			primary(0, activeHash),
			smp.ImageSlot{Image: 0, Slot: 1, Hash: img.Hash},
		)})
		requireFailed(t, effects, StateConfirm, ErrUnknown)
	})

	t.Run("pending waits for reset", func(t *testing.T) {
		m := setup(t)
		effects := m.advance(confirmResult{resp: list(
			primary(0, activeHash),
			smp.ImageSlot{Image: 0, Slot: 1, Hash: img.Hash, Pending: true},
		)})
		effectOf[sendReset](t, effects)
	})

	t.Run("empty response", func(t *testing.T) {
		m := setup(t)
		requireFailed(t, m.advance(confirmResult{resp: list()}), StateConfirm, ErrInvalidResponse)
	})
}

func TestMachine_ListAfterResetErrors(t *testing.T) {
	img := testImage(0, 1, 0x01)
	setup := func(t *testing.T) *machine {
		config := DefaultConfig()
		config.UpgradeMode = ModeTestAndConfirm
		m := newTestMachine([]firmware.Image{img}, config)
		toValidate(t, m, smp.BootloaderModeSwapUsingScratch)
		up := toUpload(t, m, list(primary(0, activeHash)))
		effectOf[sendTest](t, finishUpload(t, m, up))
		effectOf[sendReset](t, m.advance(testResult{resp: list(
			primary(0, activeHash),
			smp.ImageSlot{Image: 0, Slot: 1, Hash: img.Hash, Pending: true},
		)}))
		m.advance(resetResult{at: fixedNow})
		m.advance(disconnected{at: fixedNow})
		effectOf[sendList](t, m.advance(reconnectResult{}))
		return m
	}

	t.Run("uploaded image missing", func(t *testing.T) {
		m := setup(t)
		f := requireFailed(t, m.advance(listResult{resp: list(primary(0, activeHash))}), StateReset, nil)
		var notFound *UploadedImageNotFoundError
		if !errors.As(f.err, &notFound) || notFound.Image != 0 {
			t.Errorf("error = %v, want UploadedImageNotFoundError", f.err)
		}
	})

	t.Run("untested image", func(t *testing.T) {
		m := setup(t)
		m.images[0].Tested = false
		f := requireFailed(t, m.advance(listResult{resp: list(primary(0, img.Hash))}), StateReset, nil)
		var untested *UntestedImageError
		if !errors.As(f.err, &untested) || untested.Slot != 0 {
			t.Errorf("error = %v, want UntestedImageError in slot 0", f.err)
		}
	})

	t.Run("reconnect fails", func(t *testing.T) {
		config := DefaultConfig()
		m := newTestMachine([]firmware.Image{img}, config)
		toValidate(t, m, smp.BootloaderModeSwapUsingScratch)
		up := toUpload(t, m, list(primary(0, activeHash)))
		effectOf[sendConfirm](t, finishUpload(t, m, up))
		effectOf[sendReset](t, m.advance(confirmResult{resp: list(
			smp.ImageSlot{Image: 0, Slot: 1, Hash: img.Hash, Pending: true, Permanent: true},
		)}))
		m.advance(resetResult{at: fixedNow})
		m.advance(disconnected{at: fixedNow})
		requireFailed(t, m.advance(reconnectResult{err: transport.ErrConnectionTimeout}), StateReset, ErrConnectionFailedAfterReset)
	})
}

func TestMachine_EraseAppSettings(t *testing.T) {
	img := testImage(0, 1, 0x01)
	setup := func(t *testing.T) *machine {
		config := DefaultConfig()
		config.EraseAppSettings = true
		m := newTestMachine([]firmware.Image{img}, config)
		toValidate(t, m, smp.BootloaderModeSwapUsingScratch)
		up := toUpload(t, m, list(primary(0, activeHash)))
		effectOf[sendErase](t, finishUpload(t, m, up))
		requireState(t, m, StateEraseAppSettings)
		return m
	}

	for _, err := range []error{nil, transport.ErrSendFailed, errUnsupported} {
		t.Run(fmt.Sprintf("%v", err), func(t *testing.T) {
			m := setup(t)
			effects := m.advance(eraseResult{err: err})
			effectOf[sendConfirm](t, effects)
			if m.config.EraseAppSettings {
				t.Error("erase still requested")
			}
			if !m.requested.EraseAppSettings {
				t.Error("caller configuration changed")
			}
		})
	}

	t.Run("link error", func(t *testing.T) {
		m := setup(t)
		requireFailed(t, m.advance(eraseResult{err: transport.ErrDisconnected}), StateEraseAppSettings, transport.ErrDisconnected)
	})
}

func TestMachine_DirectXIPNoRevert(t *testing.T) {
	img := testImage(0, 1, 0x01)
	config := DefaultConfig()
	config.EstimatedSwapTime = 10 * time.Second
	m := newTestMachine([]firmware.Image{img}, config)
	toValidate(t, m, smp.BootloaderModeDirectXIPNoRevert)

	if m.config.UpgradeMode != ModeUploadOnly {
		t.Fatalf("upgrade mode = %s, want %s", m.config.UpgradeMode, ModeUploadOnly)
	}
	if m.requested.UpgradeMode != ModeConfirmOnly {
		t.Errorf("requested mode changed to %s", m.requested.UpgradeMode)
	}

	up := toUpload(t, m, list(primary(0, activeHash)))
	effects := finishUpload(t, m, up)
	noEffect[sendConfirm](t, effects)
	effectOf[sendReset](t, effects)

	// Success waits for the device to come back
	if effects := m.advance(resetResult{at: fixedNow}); len(effects) != 0 {
		t.Fatalf("reset response produced %s", describe(effects))
	}
	requireState(t, m, StateReset)
	r := effectOf[scheduleReconnect](t, m.advance(disconnected{at: fixedNow}))
	if r.delay != 0 {
		t.Errorf("reconnect delay = %s, want none for DirectXIP", r.delay)
	}
	effectOf[completed](t, m.advance(reconnectResult{}))
}

func TestMachine_UploadOnlyDeviceNeverReturns(t *testing.T) {
	config := DefaultConfig()
	config.UpgradeMode = ModeUploadOnly
	m := newTestMachine([]firmware.Image{testImage(0, 1, 0x01)}, config)
	toValidate(t, m, smp.BootloaderModeSwapUsingScratch)
	up := toUpload(t, m, list(primary(0, activeHash)))
	effectOf[sendReset](t, finishUpload(t, m, up))

	m.advance(resetResult{at: fixedNow})
	effectOf[scheduleReconnect](t, m.advance(disconnected{at: fixedNow}))
	requireFailed(t, m.advance(reconnectResult{err: transport.ErrConnectionTimeout}), StateReset, ErrConnectionFailedAfterReset)
}

func TestMachine_SwapWait(t *testing.T) {
	img := testImage(0, 1, 0x01)

	tests := []struct {
		mode smp.BootloaderMode
		want time.Duration
	}{
		{smp.BootloaderModeSwapUsingScratch, 7 * time.Second},
		{smp.BootloaderModeDirectXIPWithRevert, 0},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			config := DefaultConfig()
			config.EstimatedSwapTime = 10 * time.Second
			m := newTestMachine([]firmware.Image{img}, config)
			toValidate(t, m, tt.mode)
			up := toUpload(t, m, list(primary(0, activeHash)))

			effects := finishUpload(t, m, up)
			if tt.mode.IsDirectXIP() {
				// Nothing to confirm with revert
				noEffect[sendConfirm](t, effects)
			} else {
				effectOf[sendConfirm](t, effects)
				effects = m.advance(confirmResult{resp: list(
					smp.ImageSlot{Image: 0, Slot: 1, Hash: img.Hash, Pending: true, Permanent: true},
				)})
			}
			effectOf[sendReset](t, effects)

			m.advance(resetResult{at: fixedNow})
			r := effectOf[scheduleReconnect](t, m.advance(disconnected{at: fixedNow.Add(3 * time.Second)}))
			if r.delay != tt.want {
				t.Errorf("reconnect delay = %s, want %s", r.delay, tt.want)
			}
		})
	}
}

func TestMachine_SUIT(t *testing.T) {
	envelope := firmware.EnvelopeImage(bytes.Repeat([]byte{0x5A}, 700))

	t.Run("SUIT bootloader", func(t *testing.T) {
		m := newTestMachine([]firmware.Image{envelope}, DefaultConfig())
		m.start()
		m.advance(paramsResult{err: errUnsupported})

		effects := m.advance(bootloaderInfoResult{resp: &smp.BootloaderInfoResponse{Bootloader: smp.BootloaderSUIT}})
		noEffect[sendBootloaderMode](t, effects)
		up := effectOf[startUpload](t, effects)
		requireState(t, m, StateUpload)

		c := effectOf[sendConfirm](t, finishUpload(t, m, up))
		if c.hash != nil {
			t.Errorf("SUIT confirm hash = %x, want none", c.hash)
		}
		effectOf[completed](t, m.advance(confirmResult{resp: list()}))
	})

	t.Run("upload only through MCUboot confirms", func(t *testing.T) {
		config := DefaultConfig()
		config.UpgradeMode = ModeUploadOnly
		m := newTestMachine([]firmware.Image{envelope}, config)
		m.start()
		m.advance(paramsResult{err: errUnsupported})
		m.advance(bootloaderInfoResult{resp: &smp.BootloaderInfoResponse{Bootloader: smp.BootloaderMCUboot}})
		m.advance(bootloaderModeResult{err: errUnsupported})

		if m.config.UpgradeMode != ModeConfirmOnly {
			t.Errorf("upgrade mode = %s, want %s", m.config.UpgradeMode, ModeConfirmOnly)
		}
	})
}

func TestMachine_FirmwareLoaderRecovery(t *testing.T) {
	img := testImage(0, 1, 0x01)
	config := DefaultConfig()
	config.BootloaderMode = smp.BootloaderModeFirmwareLoader

	setup := func(t *testing.T) *machine {
		m := newTestMachine([]firmware.Image{img}, config)
		m.canRecover = true
		m.start()
		m.advance(paramsResult{err: errUnsupported})
		effectOf[sendList](t, m.advance(bootloaderInfoResult{err: errUnsupported}))
		if m.images[0].Slot != 0 {
			t.Fatalf("image slot = %d, want 0 for a firmware loader", m.images[0].Slot)
		}

		// The application has no image management
		rn := effectOf[rename](t, m.advance(listResult{err: errUnsupported}))
		if rn.name != "FL_123456" {
			t.Errorf("loader name = %q, want FL_123456", rn.name)
		}
		requireState(t, m, StateResetIntoFirmwareLoader)

		if r := effectOf[sendReset](t, m.advance(renameResult{})); !r.bootloader {
			t.Error("reset not into bootloader")
		}
		m.advance(resetResult{at: fixedNow})
		if f := effectOf[findDevice](t, m.advance(disconnected{at: fixedNow})); f.name != rn.name {
			t.Errorf("finding %q, want %q", f.name, rn.name)
		}
		effects := m.advance(finderResult{})
		if s := effectOf[switchMode](t, effects); s.mode != transport.ModeAlternate {
			t.Errorf("switching to %s", s.mode)
		}
		effectOf[scheduleReconnect](t, effects)
		effectOf[sendParams](t, m.advance(reconnectResult{}))
		requireState(t, m, StateRequestParameters)
		return m
	}

	t.Run("upgrade through loader", func(t *testing.T) {
		m := setup(t)
		m.advance(paramsResult{err: errUnsupported})
		m.advance(bootloaderInfoResult{resp: &smp.BootloaderInfoResponse{Bootloader: smp.BootloaderMCUboot}})
		effectOf[sendList](t, m.advance(bootloaderModeResult{mode: smp.BootloaderModeFirmwareLoader}))

		up := toUpload(t, m, list(primary(0, hashOf(0x77))))
		if up.images[0].Slot != 0 {
			t.Errorf("upload slot = %d, want 0", up.images[0].Slot)
		}
		effects := finishUpload(t, m, up)
		noEffect[sendConfirm](t, effects)
		effectOf[sendReset](t, effects)

		m.advance(resetResult{at: fixedNow})
		effects = m.advance(disconnected{at: fixedNow})
		if s := effectOf[switchMode](t, effects); s.mode != transport.ModeDefault {
			t.Errorf("switching to %s, want default", s.mode)
		}
		effectOf[scheduleReconnect](t, effects)
		effectOf[completed](t, m.advance(reconnectResult{}))
	})

	t.Run("loader rejects too", func(t *testing.T) {
		m := setup(t)
		m.advance(paramsResult{err: errUnsupported})
		m.advance(bootloaderInfoResult{err: errUnsupported})
		f := requireFailed(t, m.advance(listResult{err: errUnsupported}), StateValidate, ErrResetIntoBootloaderModeNeeded)
		if !mcumgr.IsUnsupported(f.err) {
			t.Errorf("error %v lost the device cause", f.err)
		}
	})

	t.Run("loader not found", func(t *testing.T) {
		m := newTestMachine([]firmware.Image{img}, config)
		m.canRecover = true
		toValidate(t, m, smp.BootloaderModeFirmwareLoader)
		effectOf[rename](t, m.advance(listResult{err: errUnsupported}))
		m.advance(renameResult{})
		m.advance(resetResult{at: fixedNow})
		m.advance(disconnected{at: fixedNow})
		requireFailed(t, m.advance(finderResult{err: ErrDeviceNotFound}), StateResetIntoFirmwareLoader, ErrDeviceNotFound)
	})
}

func TestMachine_BareMetalWithoutFinder(t *testing.T) {
	config := DefaultConfig()
	config.BootloaderMode = smp.BootloaderModeFirmwareLoader
	m := newTestMachine([]firmware.Image{testImage(0, 1, 1)}, config)
	toValidate(t, m, smp.BootloaderModeUnknown)

	requireFailed(t, m.advance(listResult{err: errUnsupported}), StateValidate, ErrResetIntoBootloaderModeNeeded)
}

func TestMachine_Cancel(t *testing.T) {
	m := newTestMachine([]firmware.Image{testImage(0, 1, 1)}, DefaultConfig())
	toValidate(t, m, smp.BootloaderModeSwapUsingScratch)

	if effects := m.advance(cancelEvent{}); len(effects) != 0 {
		t.Fatalf("cancel in validate produced %s", describe(effects))
	}
	toUpload(t, m, list(primary(0, activeHash)))

	effectOf[cancelUpload](t, m.advance(cancelEvent{}))
	c := effectOf[cancelled](t, m.advance(uploadCancelled{}))
	if c.state != StateUpload {
		t.Errorf("cancelled in %s, want %s", c.state, StateUpload)
	}
	requireState(t, m, StateNone)
	if effects := m.advance(uploadFinished{}); effects != nil {
		t.Errorf("events after cancel produced %s", describe(effects))
	}
}

func TestMachine_UploadFailure(t *testing.T) {
	m := newTestMachine([]firmware.Image{testImage(0, 1, 1)}, DefaultConfig())
	toValidate(t, m, smp.BootloaderModeSwapUsingScratch)
	toUpload(t, m, list(primary(0, activeHash)))

	requireFailed(t, m.advance(uploadFailed{err: mcumgr.ErrOffsetMismatch}), StateUpload, mcumgr.ErrOffsetMismatch)
}

func TestMachine_ProgressMarksImageBySize(t *testing.T) {
	small := testImage(0, 1, 0x01)
	large := testImage(1, 1, 0x02)
	m := newTestMachine([]firmware.Image{small, large}, DefaultConfig())
	toValidate(t, m, smp.BootloaderModeSwapUsingScratch)
	toUpload(t, m, list(primary(0, activeHash), primary(1, activeHash)))

	n := len(large.Data)
	m.advance(uploadProgress{bytesSent: n / 2, imageSize: n})
	if m.images[1].Uploaded {
		t.Fatal("image marked uploaded halfway")
	}
	m.advance(uploadProgress{bytesSent: n, imageSize: n})
	if m.images[0].Uploaded || !m.images[1].Uploaded {
		t.Errorf("uploaded = %v/%v, want false/true", m.images[0].Uploaded, m.images[1].Uploaded)
	}
}
