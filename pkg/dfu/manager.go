// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dfu

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Thermoquad/smpflash/pkg/firmware"
	"github.com/Thermoquad/smpflash/pkg/mcumgr"
	"github.com/Thermoquad/smpflash/pkg/transport"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pion/logging"
)

// Observer receives upgrade events on the manager's goroutine
type Observer interface {
	UpgradeDidStart()
	UpgradeStateDidChange(from, to State)
	UpgradeDidComplete()
	UpgradeDidFail(state State, err error)
	UpgradeDidCancel(state State)
	UploadProgressDidChange(bytesSent, imageSize int, timestamp time.Time)
}

// Result is the outcome of one upgrade. Err is nil on success, ErrCancelled
// when cancelled and an *UpgradeError otherwise.
type Result struct {
	State State
	Err   error
}

// ManagerConfig configures a Manager
type ManagerConfig struct {
	Session  *transport.Session
	Observer Observer

	// Finder and Dial enable the reset into the firmware loader of
	// bare-metal devices. Both are optional.
	Finder *Finder
	Dial   Dialer

	LoggerFactory logging.LoggerFactory
}

// Manager runs firmware upgrades over a session, one at a time
type Manager struct {
	session  *transport.Session
	client   *mcumgr.Client
	uploader *mcumgr.Uploader
	observer Observer
	finder   *Finder
	dial     Dialer
	log      logging.LeveledLogger

	mu      sync.Mutex
	machine *machine
	run     *run
	active  bool
	mtuSet  bool
}

// NewManager creates a manager for config.Session
func NewManager(config ManagerConfig) *Manager {
	client := mcumgr.NewClient(config.Session, config.LoggerFactory)
	observer := config.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	return &Manager{
		session:  config.Session,
		client:   client,
		uploader: mcumgr.NewUploader(client, config.LoggerFactory),
		observer: observer,
		finder:   config.Finder,
		dial:     config.Dial,
		log:      transport.ScopedLogger(config.LoggerFactory, "dfu"),
	}
}

// Start begins upgrading images and returns at once. Done reports the
// outcome. Starting while an upgrade runs does nothing.
func (m *Manager) Start(ctx context.Context, images []firmware.Image, config Config) error {
	if len(images) == 0 {
		return ErrNoImages
	}
	if err := config.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		m.log.Warnf("upgrade %s already in progress", m.run.id)
		return nil
	}

	r := newRun(ctx, config.normalize().ReconnectTimeout)
	m.machine = newMachine(images, config, m.log)
	m.machine.canRecover = m.finder != nil && m.dial != nil
	m.run = r
	m.active = true

	m.log.Infof("upgrade %s: %d images, %s", r.id, len(images), config.UpgradeMode)
	effects := m.machine.start()
	go m.loop(r, effects)
	return nil
}

// StartPackage upgrades with the images of pkg. A SUIT package is sent
// without reset handling and keeps the app settings.
func (m *Manager) StartPackage(ctx context.Context, pkg *firmware.Package, config Config) error {
	if pkg.IsSUIT() {
		config.UpgradeMode = ModeUploadOnly
		config.EraseAppSettings = false
	}
	return m.Start(ctx, pkg.Images, config)
}

// Pause holds the upgrade before its next step
func (m *Manager) Pause() {
	m.post(pauseEvent{})
}

// Resume continues a paused upgrade
func (m *Manager) Resume() {
	m.post(resumeEvent{})
}

// Cancel stops the upgrade during the upload
func (m *Manager) Cancel() {
	m.post(cancelEvent{})
}

func (m *Manager) post(ev event) {
	m.mu.Lock()
	r, active := m.run, m.active
	m.mu.Unlock()
	if active {
		r.post(ev)
	}
}

// State returns the current upgrade state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.machine == nil {
		return StateNone
	}
	return m.machine.state
}

// IsPaused reports whether the upgrade is paused
func (m *Manager) IsPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machine != nil && m.machine.paused
}

// IsInProgress reports whether an upgrade runs
func (m *Manager) IsInProgress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// RunID identifies the current or last upgrade
func (m *Manager) RunID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run == nil {
		return ""
	}
	return m.run.id.String()
}

// SetUploadMTU sets the packet size used for upload chunks
func (m *Manager) SetUploadMTU(mtu int) error {
	if err := m.uploader.SetMTU(mtu); err != nil {
		return err
	}
	m.mu.Lock()
	m.mtuSet = true
	m.mu.Unlock()
	return nil
}

// Done returns a channel that receives the result of the current or last
// upgrade and is then closed. Without an upgrade the channel is closed.
func (m *Manager) Done() <-chan Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run == nil {
		ch := make(chan Result)
		close(ch)
		return ch
	}
	return m.run.done
}

func (m *Manager) uploadMTU() int {
	m.mu.Lock()
	set := m.mtuSet
	m.mu.Unlock()
	if set {
		return m.uploader.MTU()
	}
	return m.session.MTU()
}

// ============================================================================
// Run loop
// ============================================================================

// run is one upgrade. Everything it starts ends with quit.
type run struct {
	id               uuid.UUID
	ctx              context.Context
	cancel           context.CancelFunc
	quit             chan struct{}
	done             chan Result
	reconnectTimeout time.Duration

	// pending is the event mailbox. post never blocks, so callers such as
	// an observer's UI loop may post while the run delivers to them.
	mu      sync.Mutex
	pending []event
	wake    chan struct{}

	// alternate is the link to the firmware loader once found
	alternate transport.Link
}

func newRun(ctx context.Context, reconnectTimeout time.Duration) *run {
	ctx, cancel := context.WithCancel(ctx)
	return &run{
		id:               uuid.New(),
		ctx:              ctx,
		cancel:           cancel,
		quit:             make(chan struct{}),
		done:             make(chan Result, 1),
		wake:             make(chan struct{}, 1),
		reconnectTimeout: reconnectTimeout,
	}
}

// post queues ev for the run loop. Events after the run ends are dropped.
func (r *run) post(ev event) {
	r.mu.Lock()
	select {
	case <-r.quit:
		r.mu.Unlock()
		return
	default:
	}
	r.pending = append(r.pending, ev)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// next waits for the oldest queued event. A cancelled context wins over
// queued events.
func (r *run) next() event {
	for {
		if err := r.ctx.Err(); err != nil {
			return failure{err: err}
		}
		r.mu.Lock()
		if len(r.pending) > 0 {
			ev := r.pending[0]
			r.pending[0] = nil
			r.pending = r.pending[1:]
			r.mu.Unlock()
			return ev
		}
		r.mu.Unlock()

		select {
		case <-r.wake:
		case <-r.ctx.Done():
		}
	}
}

// stop ends the mailbox and drops what is still queued
func (r *run) stop() {
	r.mu.Lock()
	close(r.quit)
	r.pending = nil
	r.mu.Unlock()
}

// OnTransportStateChanged implements transport.StateObserver
func (r *run) OnTransportStateChanged(state transport.State) {
	if state == transport.StateDisconnected {
		at := time.Now()
		r.post(disconnected{at: at})
	}
}

// UploadProgressDidChange implements mcumgr.UploadObserver
func (r *run) UploadProgressDidChange(bytesSent, imageSize int, timestamp time.Time) {
	r.post(uploadProgress{bytesSent: bytesSent, imageSize: imageSize, at: timestamp})
}

// UploadDidFinish implements mcumgr.UploadObserver
func (r *run) UploadDidFinish() { r.post(uploadFinished{}) }

// UploadDidFail implements mcumgr.UploadObserver
func (r *run) UploadDidFail(err error) { r.post(uploadFailed{err: err}) }

// UploadDidCancel implements mcumgr.UploadObserver
func (r *run) UploadDidCancel() { r.post(uploadCancelled{}) }

func (m *Manager) loop(r *run, effects []effect) {
	m.session.AddObserver(r)
	defer m.session.RemoveObserver(r)

	m.observer.UpgradeDidStart()
	for {
		if result, ok := m.execute(r, effects); ok {
			m.finish(r, result)
			return
		}

		ev := r.next()

		m.mu.Lock()
		effects = m.machine.advance(ev)
		m.mu.Unlock()
	}
}

func (m *Manager) finish(r *run, result Result) {
	r.stop()
	r.cancel()

	m.mu.Lock()
	m.active = false
	m.mu.Unlock()

	r.done <- result
	close(r.done)
}

// execute carries out effects. ok is set with the result of a finished
// upgrade.
func (m *Manager) execute(r *run, effects []effect) (result Result, ok bool) {
	for _, e := range effects {
		switch e := e.(type) {
		case stateChanged:
			m.observer.UpgradeStateDidChange(e.from, e.to)
		case progress:
			m.observer.UploadProgressDidChange(e.bytesSent, e.imageSize, e.at)
		case completed:
			m.log.Infof("upgrade %s complete", r.id)
			m.observer.UpgradeDidComplete()
			return Result{State: StateSuccess}, true
		case failed:
			m.log.Errorf("upgrade %s failed in %s: %v", r.id, e.state, e.err)
			m.observer.UpgradeDidFail(e.state, e.err)
			return Result{State: e.state, Err: &UpgradeError{State: e.state, Err: e.err}}, true
		case cancelled:
			m.log.Infof("upgrade %s cancelled", r.id)
			m.observer.UpgradeDidCancel(e.state)
			return Result{State: e.state, Err: ErrCancelled}, true
		default:
			m.command(r, e)
		}
	}
	return Result{}, false
}

// command starts one device or link operation. Results come back as events.
func (m *Manager) command(r *run, e effect) {
	ctx := r.ctx
	switch e := e.(type) {
	case sendParams:
		go func() {
			resp, err := m.client.Params(ctx)
			r.post(paramsResult{resp: resp, err: err, mtu: m.uploadMTU()})
		}()
	case sendBootloaderInfo:
		go func() {
			resp, err := m.client.BootloaderInfo(ctx)
			r.post(bootloaderInfoResult{resp: resp, err: err})
		}()
	case sendBootloaderMode:
		go func() {
			mode, err := m.client.BootloaderMode(ctx)
			r.post(bootloaderModeResult{mode: mode, err: err})
		}()
	case sendList:
		go func() {
			resp, err := m.client.ListImages(ctx)
			r.post(listResult{resp: resp, err: err})
		}()
	case sendTest:
		go func() {
			resp, err := m.client.TestImage(ctx, e.hash)
			r.post(testResult{resp: resp, err: err})
		}()
	case sendConfirm:
		go func() {
			resp, err := m.client.ConfirmImage(ctx, e.hash)
			r.post(confirmResult{resp: resp, err: err})
		}()
	case sendErase:
		go func() {
			r.post(eraseResult{err: m.client.EraseAppSettings(ctx)})
		}()
	case sendReset:
		go func() {
			err := m.client.Reset(ctx, e.bootloader, false)
			r.post(resetResult{err: err, at: time.Now()})
		}()
	case rename:
		go func() {
			r.post(renameResult{err: m.client.SetFirmwareLoaderName(ctx, e.name)})
		}()

	case startUpload:
		m.startUpload(r, e)
	case pauseUpload:
		m.uploader.Pause()
	case resumeUpload:
		m.uploader.Continue()
	case cancelUpload:
		m.uploader.Cancel()
	case setUploadMTU:
		if err := m.SetUploadMTU(e.mtu); err != nil {
			m.log.Warnf("keeping upload MTU %d: %v", m.uploader.MTU(), err)
		}

	case delay:
		go func() {
			if sleep(ctx, e.d) {
				r.post(e.then)
			}
		}()
	case scheduleReconnect:
		go func() {
			r.post(reconnectResult{err: m.reconnect(r, e.delay)})
		}()
	case switchMode:
		err := m.session.SwitchMode(e.mode, r.alternate)
		switch {
		case err == nil:
			// Writes still tracked belong to the previous link
			m.session.SoftReset()
		case !errors.Is(err, transport.ErrAlreadyInMode):
			r.post(failure{err: err})
		}
	case findDevice:
		go func() {
			r.post(finderResult{err: m.findLoader(r, e.name)})
		}()
	}
}

func (m *Manager) startUpload(r *run, e startUpload) {
	if !m.mtuSetByCaller() {
		if err := m.uploader.SetMTU(m.session.MTU()); err != nil {
			m.log.Warnf("keeping upload MTU %d: %v", m.uploader.MTU(), err)
		}
	}
	m.session.SetParallelWrites(e.config.PipelineDepth)
	if e.config.ReassemblyBufferSize > m.uploader.MTU() {
		m.session.SetChunkToMTU(true)
	}
	if err := m.uploader.Upload(r.ctx, e.images, e.config, r); err != nil {
		r.post(uploadFailed{err: err})
	}
}

func (m *Manager) mtuSetByCaller() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mtuSet
}

// reconnect waits for the swap, then connects until the reconnect
// timeout elapses
func (m *Manager) reconnect(r *run, wait time.Duration) error {
	if !sleep(r.ctx, wait) {
		return r.ctx.Err()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = r.reconnectTimeout

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := m.session.Connect(r.ctx)
		if err != nil {
			m.log.Debugf("reconnect attempt %d: %v", attempt, err)
		}
		return err
	}, backoff.WithContext(b, r.ctx))
}

// findLoader finds the firmware loader and opens a link to it
func (m *Manager) findLoader(r *run, name string) error {
	device, err := m.finder.Find(r.ctx, name)
	if err != nil {
		return err
	}
	link, err := m.dial(r.ctx, device)
	if err != nil {
		return err
	}
	r.alternate = link
	return nil
}

// sleep waits for d and reports whether ctx is still live
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

type nopObserver struct{}

func (nopObserver) UpgradeDidStart()                            {}
func (nopObserver) UpgradeStateDidChange(State, State)          {}
func (nopObserver) UpgradeDidComplete()                         {}
func (nopObserver) UpgradeDidFail(State, error)                 {}
func (nopObserver) UpgradeDidCancel(State)                      {}
func (nopObserver) UploadProgressDidChange(int, int, time.Time) {}
