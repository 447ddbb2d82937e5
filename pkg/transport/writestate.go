// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"fmt"
	"sync"

	"github.com/Thermoquad/smpflash/pkg/smp"
	"github.com/pion/logging"
)

// pendingWrite tracks one request awaiting its response
type pendingWrite struct {
	seq   uint8
	lock  *resultLock
	chunk []byte // nil until the first fragment arrives
	total int
}

func (w *pendingWrite) complete() bool {
	return w.chunk != nil && len(w.chunk) >= w.total
}

// writeState is the per-sequence-number table of pending writes. It
// reassembles fragmented notifications into complete responses.
type writeState struct {
	mu     sync.Mutex
	writes map[uint8]*pendingWrite
	log    logging.LeveledLogger
}

func newWriteState(log logging.LeveledLogger) *writeState {
	return &writeState{
		writes: make(map[uint8]*pendingWrite),
		log:    log,
	}
}

// newWrite registers seq. It panics if seq already has an active write.
func (s *writeState) newWrite(seq uint8, lock *resultLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.writes[seq]; ok && !existing.lock.opened() {
		panic(fmt.Sprintf("transport: sequence number %d already has an active write", seq))
	}
	s.writes[seq] = &pendingWrite{seq: seq, lock: lock}
}

// received appends a notification fragment to seq. The first fragment sets
// the expected length; the lock opens once the response is complete.
func (s *writeState) received(seq uint8, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.writes[seq]
	if !ok {
		s.log.Warnf("[Seq: %d] dropping %d bytes: no pending write", seq, len(data))
		return
	}
	if w.complete() {
		s.log.Warnf("[Seq: %d] dropping %d bytes after complete response", seq, len(data))
		return
	}
	if w.chunk == nil {
		total, ok := smp.ExpectedLength(data)
		if !ok {
			w.lock.open(ErrBadResponse)
			return
		}
		w.chunk = make([]byte, 0, total)
		w.total = total
	}

	w.chunk = append(w.chunk, data...)
	if w.complete() {
		w.lock.open(nil)
	}
}

// awaitingContinuation reports whether seq has a started response that is
// not complete yet
func (s *writeState) awaitingContinuation(seq uint8) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.writes[seq]
	return ok && w.chunk != nil && !w.complete()
}

// response returns the reassembled response of seq
func (s *writeState) response(seq uint8) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.writes[seq]
	if !ok || !w.complete() {
		return nil, false
	}
	return w.chunk, true
}

// open releases the waiter of seq with err
func (s *writeState) open(seq uint8, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.writes[seq]; ok {
		w.lock.open(err)
	}
}

// completedWrite removes seq from the table
func (s *writeState) completedWrite(seq uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.writes, seq)
}

// onError releases every waiter with err
func (s *writeState) onError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.writes {
		w.lock.open(err)
	}
}

// reset fails and forgets every pending write
func (s *writeState) reset(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for seq, w := range s.writes {
		w.lock.open(err)
		delete(s.writes, seq)
	}
}
