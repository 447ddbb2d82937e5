// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Thermoquad/smpflash/pkg/smp"
	"github.com/looplab/fsm"
	"github.com/pion/logging"
)

// Session defaults
const (
	DefaultConnectionTimeout = 20 * time.Second
	DefaultMaxRetries        = 3
	DefaultRetryInterval     = 10 * time.Second
	DefaultParallelWrites    = 1

	requestQueueSize = 64
)

// SessionConfig configures a Session.
type SessionConfig struct {
	// ConnectionTimeout bounds waiting for power, connection and service
	// discovery. Default: 20s
	ConnectionTimeout time.Duration

	// MaxRetries is the number of attempts made for one request.
	// Default: 3
	MaxRetries int

	// RetryInterval is slept between attempts after ErrWaitAndRetry, capped
	// by the request timeout. Default: 10s
	RetryInterval time.Duration

	// MTU is the largest chunk written at once. Zero uses the link's
	// maximum write length.
	MTU int

	// ChunkToMTU splits requests larger than the MTU into several writes
	// for devices with SMP reassembly. Without it such requests fail with
	// InsufficientMTUError.
	ChunkToMTU bool

	// ParallelWrites is the number of requests processed concurrently.
	// Default: 1
	ParallelWrites int

	// ResumeOverride is how long paused writes wait for a ready signal
	// before the link is polled again. Default: 15ms
	ResumeOverride time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// DefaultSessionConfig returns the default session configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ConnectionTimeout: DefaultConnectionTimeout,
		MaxRetries:        DefaultMaxRetries,
		RetryInterval:     DefaultRetryInterval,
		ParallelWrites:    DefaultParallelWrites,
		ResumeOverride:    DefaultResumeOverride,
	}
}

// Link state machine events
const (
	eventConnect    = "connect"
	eventInitialize = "initialize"
	eventReady      = "ready"
	eventClose      = "close"
	eventDrop       = "drop"
)

// request is one queued send
type request struct {
	ctx      context.Context
	payload  []byte
	timeout  time.Duration
	callback func([]byte, error)
}

// Session owns one link's lifecycle and turns requests into chunk writes
// and reassembled responses.
//
// Requests are processed by background workers; callers block only on
// their own result. Link events arrive on the link's goroutines.
//
// Lock order: Session.mu may be held while querying the link, never while
// calling into the write-state table or the coordinator. Links must not
// call their observer while holding their own locks.
type Session struct {
	config SessionConfig
	log    logging.LeveledLogger

	state     *fsm.FSM
	powerLock *resultLock
	connLock  *resultLock
	setupMu   sync.Mutex
	writes    *writeState
	coord     *writeCoordinator

	mu          sync.Mutex
	link        Link
	defaultLink Link
	mode        Mode
	mtu         int
	ready       bool
	prevSeq     uint8
	hasPrevSeq  bool
	observers   []StateObserver

	slotMu sync.Mutex
	slots  *sync.Cond
	active int
	limit  int
	closed bool

	queue   chan *request
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewSession creates a session for link and starts its dispatcher.
func NewSession(link Link, config SessionConfig) *Session {
	defaults := DefaultSessionConfig()
	if config.ConnectionTimeout <= 0 {
		config.ConnectionTimeout = defaults.ConnectionTimeout
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = defaults.RetryInterval
	}
	if config.ParallelWrites <= 0 {
		config.ParallelWrites = defaults.ParallelWrites
	}

	s := &Session{
		config:      config,
		log:         ScopedLogger(config.LoggerFactory, "smp-session"),
		powerLock:   newResultLock(true),
		connLock:    newResultLock(true),
		writes:      newWriteState(ScopedLogger(config.LoggerFactory, "smp-session")),
		coord:       newWriteCoordinator(config.ResumeOverride, ScopedLogger(config.LoggerFactory, "smp-writer")),
		link:        link,
		defaultLink: link,
		mtu:         config.MTU,
		limit:       config.ParallelWrites,
		queue:       make(chan *request, requestQueueSize),
		closeCh:     make(chan struct{}),
	}
	s.slots = sync.NewCond(&s.slotMu)
	if s.mtu <= 0 {
		s.mtu = link.MaxWriteLength()
	}

	s.state = fsm.NewFSM(
		string(StateDisconnected),
		fsm.Events{
			{Name: eventConnect, Src: []string{string(StateDisconnected)}, Dst: string(StateConnecting)},
			{Name: eventInitialize, Src: []string{string(StateDisconnected), string(StateConnecting)}, Dst: string(StateInitializing)},
			{Name: eventReady, Src: []string{string(StateConnecting), string(StateInitializing)}, Dst: string(StateConnected)},
			{Name: eventClose, Src: []string{string(StateConnecting), string(StateInitializing), string(StateConnected)}, Dst: string(StateDisconnecting)},
			{Name: eventDrop, Src: []string{string(StateConnecting), string(StateInitializing), string(StateConnected), string(StateDisconnecting)}, Dst: string(StateDisconnected)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.log.Debugf("state %s -> %s", e.Src, e.Dst)
				s.notifyStateChanged(State(e.Dst))
			},
		},
	)

	link.SetObserver(&linkObserver{session: s, link: link})

	s.wg.Add(1)
	go s.dispatch()
	return s
}

// State returns the current link state.
func (s *Session) State() State {
	return State(s.state.Current())
}

// transition fires a link state event. Events that do not apply to the
// current state are ignored.
func (s *Session) transition(event string) {
	err := s.state.Event(context.Background(), event)
	switch err.(type) {
	case nil, fsm.NoTransitionError, fsm.InvalidEventError:
	default:
		s.log.Warnf("state event %s: %v", event, err)
	}
}

// AddObserver registers a state observer.
func (s *Session) AddObserver(observer StateObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, observer)
}

// RemoveObserver unregisters a state observer.
func (s *Session) RemoveObserver(observer StateObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.observers {
		if o == observer {
			s.observers = append(s.observers[:i], s.observers[i+1:]...)
			return
		}
	}
}

func (s *Session) notifyStateChanged(state State) {
	s.mu.Lock()
	observers := make([]StateObserver, len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	for _, o := range observers {
		o.OnTransportStateChanged(state)
	}
}

// MTU returns the current MTU.
func (s *Session) MTU() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mtu
}

// SetMTU changes the MTU used for following requests.
func (s *Session) SetMTU(mtu int) error {
	if mtu < smp.MinMTU || mtu > smp.MaxMTU {
		return fmt.Errorf("transport: MTU %d out of range [%d, %d]", mtu, smp.MinMTU, smp.MaxMTU)
	}
	s.mu.Lock()
	s.mtu = mtu
	s.mu.Unlock()
	s.log.Infof("MTU set to %d", mtu)
	return nil
}

// ChunkToMTU reports whether large requests are split into MTU chunks.
func (s *Session) ChunkToMTU() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.ChunkToMTU
}

// SetChunkToMTU enables splitting large requests into MTU chunks.
func (s *Session) SetChunkToMTU(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.ChunkToMTU = enabled
}

// SetParallelWrites changes how many requests are processed concurrently.
func (s *Session) SetParallelWrites(n int) {
	if n < 1 {
		n = 1
	}
	s.slotMu.Lock()
	s.limit = n
	s.slotMu.Unlock()
	s.slots.Broadcast()
}

// Mode returns the current link mode.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Link returns the link of the current mode.
func (s *Session) Link() Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

// SwitchMode moves the session to mode. The alternate mode uses link; the
// default mode returns to the link the session was created with. The
// current link must be disconnected.
func (s *Session) SwitchMode(mode Mode, link Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mode == s.mode {
		return ErrAlreadyInMode
	}
	if s.link.Connected() {
		return ErrModeSwitchStillConnected
	}

	next := s.defaultLink
	if mode == ModeAlternate {
		if link == nil {
			return ErrModeSwitchNoLink
		}
		next = link
	}

	s.log.Infof("switching to %s mode", mode)
	s.link = next
	s.mode = mode
	s.ready = false
	s.hasPrevSeq = false
	next.SetObserver(&linkObserver{session: s, link: next})

	// Events of the previous link are ignored from now on, so a pending
	// disconnect never reaches the state machine.
	if s.State() != StateDisconnected {
		s.state.SetState(string(StateDisconnected))
		go s.notifyStateChanged(StateDisconnected)
	}
	return nil
}

// SoftReset forgets every pending write and queued chunk.
func (s *Session) SoftReset() {
	s.writes.reset(ErrDisconnected)
	s.coord.reset()
	s.mu.Lock()
	s.hasPrevSeq = false
	s.mu.Unlock()
}

// Disconnect closes the current link. The next request reconnects.
func (s *Session) Disconnect() error {
	link := s.Link()
	if !link.Connected() && s.State() != StateConnecting {
		return nil
	}
	s.log.Debugf("cancelling connection")
	s.transition(eventClose)
	return link.Disconnect()
}

// Close disconnects and stops the session. Queued requests fail with
// ErrClosed.
func (s *Session) Close() error {
	s.slotMu.Lock()
	if s.closed {
		s.slotMu.Unlock()
		return nil
	}
	s.closed = true
	s.slotMu.Unlock()
	s.slots.Broadcast()
	close(s.closeCh)

	err := s.Disconnect()
	s.writes.reset(ErrClosed)
	s.coord.reset()
	s.wg.Wait()
	return err
}

// Send sends an SMP request and returns the complete response. The request
// is processed on a session worker; the call blocks until the response,
// a terminal error or ctx cancellation.
func (s *Session) Send(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	s.SendAsync(ctx, payload, timeout, func(data []byte, err error) {
		done <- result{data, err}
	})

	select {
	case r := <-done:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendAsync queues an SMP request; callback receives the response or the
// terminal error on a session goroutine.
func (s *Session) SendAsync(ctx context.Context, payload []byte, timeout time.Duration, callback func([]byte, error)) {
	req := &request{ctx: ctx, payload: payload, timeout: timeout, callback: callback}
	select {
	case <-s.closeCh:
		callback(nil, ErrClosed)
		return
	default:
	}
	select {
	case s.queue <- req:
	case <-s.closeCh:
		callback(nil, ErrClosed)
	case <-ctx.Done():
		callback(nil, ctx.Err())
	}
}

// dispatch hands queued requests to workers, at most limit at a time
func (s *Session) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closeCh:
			s.drainQueue()
			return
		case req := <-s.queue:
			if !s.acquireSlot() {
				req.callback(nil, ErrClosed)
				s.drainQueue()
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer s.releaseSlot()
				s.process(req)
			}()
		}
	}
}

func (s *Session) drainQueue() {
	for {
		select {
		case req := <-s.queue:
			req.callback(nil, ErrClosed)
		default:
			return
		}
	}
}

func (s *Session) acquireSlot() bool {
	s.slotMu.Lock()
	defer s.slotMu.Unlock()
	for s.active >= s.limit && !s.closed {
		s.slots.Wait()
	}
	if s.closed {
		return false
	}
	s.active++
	return true
}

func (s *Session) releaseSlot() {
	s.slotMu.Lock()
	s.active--
	s.slotMu.Unlock()
	s.slots.Signal()
}

// process runs one request with the retry policy
func (s *Session) process(req *request) {
	seq, _ := smp.SequenceNumber(req.payload)

	var lastErr error
	for attempt := 1; attempt <= s.config.MaxRetries; attempt++ {
		data, err := s.send(req.ctx, req.payload, req.timeout)
		if err == nil {
			req.callback(data, nil)
			return
		}
		if !isRetryable(err) {
			s.log.Errorf("[Seq: %d] %v", seq, err)
			req.callback(nil, err)
			return
		}

		lastErr = err
		if attempt == s.config.MaxRetries {
			break
		}
		if errors.Is(err, ErrWaitAndRetry) {
			wait := min(s.config.RetryInterval, req.timeout)
			select {
			case <-time.After(wait):
			case <-req.ctx.Done():
				req.callback(nil, req.ctx.Err())
				return
			case <-s.closeCh:
				req.callback(nil, ErrClosed)
				return
			}
		}
		s.log.Infof("Retry %d for seq: %d", attempt, seq)
	}

	s.log.Errorf("[Seq: %d] giving up after %d attempts: %v", seq, s.config.MaxRetries, lastErr)
	req.callback(nil, fmt.Errorf("%w after %d attempts: %w", ErrSendFailed, s.config.MaxRetries, lastErr))
}

// send makes one attempt: set up the link if needed, write the chunks and
// wait for the reassembled response.
func (s *Session) send(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	link := s.Link()

	if err := s.awaitPower(ctx, link); err != nil {
		return nil, err
	}
	if err := s.setup(ctx, link); err != nil {
		return nil, err
	}

	seq, ok := smp.SequenceNumber(payload)
	if !ok {
		return nil, ErrBadHeader
	}

	writeLock := newResultLock(false)
	s.writes.newWrite(seq, writeLock)
	defer s.writes.completedWrite(seq)

	mtu := s.effectiveMTU(link)
	var chunks [][]byte
	if s.ChunkToMTU() {
		var err error
		chunks, err = chunkToMTU(payload, mtu)
		if err != nil {
			s.writes.open(seq, err)
			return nil, err
		}
	} else {
		if len(payload) > mtu {
			err := &InsufficientMTUError{MTU: mtu}
			s.writes.open(seq, err)
			return nil, err
		}
		chunks = [][]byte{payload}
	}

	s.coord.write(seq, chunks, link, func(_ []byte, err error) {
		if err != nil {
			writeLock.open(err)
		}
	})

	err := writeLock.block(ctx, timeout, ErrSendTimeout)
	switch {
	case errors.Is(err, ErrSendTimeout):
		if s.coord.inFlight(seq) {
			s.coord.drop(seq)
			writeLock.open(ErrNotReady)
			return nil, ErrNotReady
		}
		writeLock.open(ErrWaitAndRetry)
		return nil, ErrWaitAndRetry
	case err != nil:
		writeLock.open(err)
		s.coord.drop(seq)
		return nil, err
	}

	data, ok := s.writes.response(seq)
	if !ok {
		return nil, ErrBadHeader
	}
	s.log.Tracef("<- [Seq: %d] %s (%d bytes)", seq, smp.FormatHex(data), len(data))
	return data, nil
}

// Connect sets up the current link without sending a request. It returns
// once the SMP endpoint is ready.
func (s *Session) Connect(ctx context.Context) error {
	link := s.Link()
	if err := s.awaitPower(ctx, link); err != nil {
		return err
	}
	return s.setup(ctx, link)
}

// awaitPower waits for the link's radio or port to become available
func (s *Session) awaitPower(ctx context.Context, link Link) error {
	if link.PoweredOn() {
		return nil
	}
	s.powerLock.close()
	if link.PoweredOn() {
		s.powerLock.open(nil)
		return nil
	}
	s.log.Debugf("waiting for link power")
	return s.powerLock.block(ctx, s.config.ConnectionTimeout, ErrPoweredOff)
}

// setup connects and discovers the SMP endpoint unless already done
func (s *Session) setup(ctx context.Context, link Link) error {
	s.setupMu.Lock()
	defer s.setupMu.Unlock()

	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	if ready && link.Connected() {
		return nil
	}

	s.connLock.close()
	switch {
	case link.Connected():
		s.log.Infof("link already connected; discovering services")
		s.transition(eventInitialize)
		if err := link.DiscoverServices(); err != nil {
			s.connLock.open(err)
		}
	case link.Disconnecting():
		s.log.Infof("link is disconnecting")
		s.connLock.open(nil)
		return ErrWaitAndRetry
	case s.State() == StateConnecting:
		s.log.Infof("link is connecting")
	default:
		s.log.Debugf("connecting")
		s.transition(eventConnect)
		if err := link.Connect(); err != nil {
			s.connLock.open(fmt.Errorf("%w: %v", ErrConnectionFailed, err))
		}
	}

	if err := s.connLock.block(ctx, s.config.ConnectionTimeout, ErrConnectionTimeout); err != nil {
		s.transition(eventDrop)
		return err
	}

	s.mu.Lock()
	ready = s.ready
	s.mu.Unlock()
	if !ready {
		return ErrMissingCharacteristic
	}
	s.log.Infof("device ready")
	return nil
}

// effectiveMTU lowers the MTU to what the link can write
func (s *Session) effectiveMTU(link Link) int {
	limit := link.MaxWriteLength()
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > 0 && limit < s.mtu {
		s.log.Infof("MTU lowered from %d to link maximum %d", s.mtu, limit)
		s.mtu = limit
	}
	return s.mtu
}

// chunkToMTU splits data into chunks of at most mtu bytes
func chunkToMTU(data []byte, mtu int) ([][]byte, error) {
	if mtu <= 0 {
		return nil, ErrBadChunking
	}
	chunks := make([][]byte, 0, len(data)/mtu+1)
	size := 0
	for size < len(data) {
		n := min(len(data)-size, mtu)
		chunks = append(chunks, data[size:size+n])
		size += n
	}
	if size != len(data) {
		return nil, ErrBadChunking
	}
	return chunks, nil
}

// handleNotification routes notification data to its pending write. Data
// continues the previous response until that one is complete; otherwise it
// starts with a header carrying the sequence number.
func (s *Session) handleNotification(data []byte) {
	if len(data) == 0 {
		s.writes.onError(ErrBadResponse)
		return
	}

	s.mu.Lock()
	prev, hasPrev := s.prevSeq, s.hasPrevSeq
	s.mu.Unlock()

	if hasPrev && s.writes.awaitingContinuation(prev) {
		s.writes.received(prev, data)
		return
	}

	seq, ok := smp.SequenceNumber(data)
	if !ok {
		s.writes.onError(ErrBadResponse)
		return
	}

	s.mu.Lock()
	s.prevSeq, s.hasPrevSeq = seq, true
	s.mu.Unlock()
	s.writes.received(seq, data)
}

// isCurrent reports whether link belongs to the current mode
func (s *Session) isCurrent(link Link) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link == link
}

// linkObserver forwards the events of one link to its session. Events of a
// link that is no longer current are ignored.
type linkObserver struct {
	session *Session
	link    Link
}

func (o *linkObserver) OnPoweredOn() {
	if o.session.isCurrent(o.link) {
		o.session.powerLock.open(nil)
	}
}

func (o *linkObserver) OnConnected() {
	s := o.session
	if !s.isCurrent(o.link) {
		return
	}
	s.log.Debugf("connected; discovering services")
	s.transition(eventInitialize)
	if err := o.link.DiscoverServices(); err != nil {
		s.connLock.open(err)
	}
}

func (o *linkObserver) OnDisconnected(err error) {
	s := o.session
	if !s.isCurrent(o.link) {
		return
	}

	s.mu.Lock()
	s.ready = false
	s.hasPrevSeq = false
	s.mu.Unlock()

	cause := ErrDisconnected
	if err != nil {
		cause = fmt.Errorf("%w: %v", ErrDisconnected, err)
		s.log.Warnf("disconnected: %v", err)
	} else {
		s.log.Infof("disconnected")
	}
	s.transition(eventDrop)
	s.connLock.open(cause)
	s.coord.reset()
	s.writes.onError(cause)
}

func (o *linkObserver) OnConnectFailed(err error) {
	s := o.session
	if !s.isCurrent(o.link) {
		return
	}
	s.transition(eventDrop)
	s.connLock.open(fmt.Errorf("%w: %v", ErrConnectionFailed, err))
}

func (o *linkObserver) OnServiceDiscovered(err error) {
	if err != nil && o.session.isCurrent(o.link) {
		o.session.connLock.open(err)
	}
}

func (o *linkObserver) OnCharacteristicReady(err error) {
	s := o.session
	if !s.isCurrent(o.link) {
		return
	}
	if err != nil {
		s.connLock.open(err)
		return
	}
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	s.transition(eventReady)
	s.connLock.open(nil)
}

func (o *linkObserver) OnNotification(data []byte) {
	if o.session.isCurrent(o.link) {
		o.session.handleNotification(data)
	}
}

func (o *linkObserver) OnReadyForWrite() {
	if o.session.isCurrent(o.link) {
		o.session.coord.resume()
	}
}
