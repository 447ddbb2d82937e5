// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"sync"
	"time"

	"github.com/Thermoquad/smpflash/pkg/smp"
	"github.com/pion/logging"
)

// DefaultResumeOverride is how long a paused coordinator waits for a ready
// signal before checking the link again
const DefaultResumeOverride = 15 * time.Millisecond

// chunkCallback is called after each chunk is written, or once with the
// write error
type chunkCallback func(chunk []byte, err error)

// pausedWrite holds the chunks of one request not yet written
type pausedWrite struct {
	seq       uint8
	remaining [][]byte
	link      Link
	callback  chunkCallback
}

// writeCoordinator writes the chunks of one request back-to-back. When the
// link stops accepting writes the remaining chunks are queued and replayed
// in FIFO order before any newer request is written.
type writeCoordinator struct {
	mu       sync.Mutex
	paused   []pausedWrite
	override time.Duration
	timer    *time.Timer
	log      logging.LeveledLogger
}

func newWriteCoordinator(override time.Duration, log logging.LeveledLogger) *writeCoordinator {
	if override <= 0 {
		override = DefaultResumeOverride
	}
	return &writeCoordinator{override: override, log: log}
}

// write sends chunks for seq, pausing on backpressure
func (c *writeCoordinator) write(seq uint8, chunks [][]byte, link Link, callback chunkCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.paused) > 0 {
		c.log.Debugf("[Seq: %d] queued behind %d paused writes", seq, len(c.paused))
		c.paused = append(c.paused, pausedWrite{seq: seq, remaining: chunks, link: link, callback: callback})
		return
	}
	c.writeLocked(seq, chunks, link, callback)
}

// writeLocked returns false if the write paused
func (c *writeCoordinator) writeLocked(seq uint8, chunks [][]byte, link Link, callback chunkCallback) bool {
	for i, chunk := range chunks {
		if !link.IsReadyForWrite() {
			c.log.Debugf("[Seq: %d] paused (link not ready for write)", seq)
			c.paused = append(c.paused, pausedWrite{seq: seq, remaining: chunks[i:], link: link, callback: callback})
			c.armOverride()
			return false
		}
		if err := link.WriteChunk(chunk); err != nil {
			callback(nil, err)
			return true
		}
		c.log.Tracef("-> [Seq: %d] %s (%d bytes)", seq, smp.FormatHex(chunk), len(chunk))
		callback(chunk, nil)
	}
	return true
}

// armOverride schedules a resume in case the ready signal never comes
func (c *writeCoordinator) armOverride() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.override, c.resume)
}

// resume replays paused writes in order until the link pushes back again
func (c *writeCoordinator) resume() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if len(c.paused) == 0 {
		return
	}

	pending := c.paused
	c.paused = nil
	for i, p := range pending {
		c.log.Debugf("[Seq: %d] resume (%d chunks)", p.seq, len(p.remaining))
		if !c.writeLocked(p.seq, p.remaining, p.link, p.callback) {
			c.paused = append(c.paused, pending[i+1:]...)
			return
		}
	}
}

// inFlight reports whether seq still has queued chunks
func (c *writeCoordinator) inFlight(seq uint8) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.paused {
		if p.seq == seq {
			return true
		}
	}
	return false
}

// drop discards the queued chunks of seq
func (c *writeCoordinator) drop(seq uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.paused[:0]
	for _, p := range c.paused {
		if p.seq != seq {
			kept = append(kept, p)
		}
	}
	c.paused = kept
}

// reset discards every queued write
func (c *writeCoordinator) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.paused = nil
}
