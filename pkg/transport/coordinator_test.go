// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"bytes"
	"testing"
	"time"
)

func newTestCoordinator(override time.Duration) *writeCoordinator {
	return newWriteCoordinator(override, ScopedLogger(nil, "test"))
}

// connectedMemoryLink returns a connected link without observer or responder
func connectedMemoryLink(t *testing.T, maxWrite int) *MemoryLink {
	t.Helper()
	link := NewMemoryLink(maxWrite, nil)
	link.SetConnected(true)
	t.Cleanup(link.Close)
	return link
}

func collectChunks(out *[][]byte) chunkCallback {
	return func(chunk []byte, err error) {
		if err == nil {
			*out = append(*out, chunk)
		}
	}
}

func TestCoordinator_WritesAllChunks(t *testing.T) {
	c := newTestCoordinator(time.Hour)
	link := connectedMemoryLink(t, 20)

	var written [][]byte
	c.write(1, [][]byte{{1}, {2}, {3}}, link, collectChunks(&written))

	if len(written) != 3 || len(link.Chunks()) != 3 {
		t.Errorf("wrote %d chunks, link saw %d; want 3", len(written), len(link.Chunks()))
	}
	if c.pausedCount() != 0 {
		t.Error("nothing should be paused")
	}
}

func TestCoordinator_PausedWritesReplayInOrder(t *testing.T) {
	c := newTestCoordinator(time.Hour)
	link := connectedMemoryLink(t, 20)
	link.SetReadyForWrite(false)

	var written [][]byte
	c.write(1, [][]byte{{0xA}, {0xB}}, link, collectChunks(&written))
	c.write(2, [][]byte{{0xC}}, link, collectChunks(&written))

	if c.pausedCount() != 2 {
		t.Fatalf("pausedCount() = %d, want 2", c.pausedCount())
	}
	if !c.inFlight(1) || !c.inFlight(2) {
		t.Error("both sequences should be in flight")
	}

	link.SetReadyForWrite(true)
	c.resume()

	got := bytes.Join(link.Chunks(), nil)
	if !bytes.Equal(got, []byte{0xA, 0xB, 0xC}) {
		t.Errorf("chunks written in order % X, want 0A 0B 0C", got)
	}
	if c.inFlight(1) || c.inFlight(2) {
		t.Error("no sequence should be in flight after resume")
	}
}

func TestCoordinator_NewWriteQueuesBehindPaused(t *testing.T) {
	c := newTestCoordinator(time.Hour)
	link := connectedMemoryLink(t, 20)
	link.SetReadyForWrite(false)

	var written [][]byte
	c.write(1, [][]byte{{1}}, link, collectChunks(&written))
	link.SetReadyForWrite(true)
	c.write(2, [][]byte{{2}}, link, collectChunks(&written))

	if len(link.Chunks()) != 0 {
		t.Error("a newer write must not overtake a paused one")
	}
	c.resume()
	if got := bytes.Join(link.Chunks(), nil); !bytes.Equal(got, []byte{1, 2}) {
		t.Errorf("chunks % X, want 01 02", got)
	}
}

func TestCoordinator_OverrideResumes(t *testing.T) {
	c := newTestCoordinator(5 * time.Millisecond)
	link := connectedMemoryLink(t, 20)
	link.SetReadyForWrite(false)

	var written [][]byte
	c.write(4, [][]byte{{4}}, link, collectChunks(&written))

	time.Sleep(20 * time.Millisecond)
	if len(link.Chunks()) != 0 {
		t.Fatal("override must not write while the link is not ready")
	}

	// No ready signal: the override polls the link
	link.SetReadyForWrite(true)
	deadline := time.Now().Add(time.Second)
	for len(link.Chunks()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(link.Chunks()) != 1 {
		t.Error("override did not resume the paused write")
	}
}

func TestCoordinator_DropAndReset(t *testing.T) {
	c := newTestCoordinator(time.Hour)
	link := connectedMemoryLink(t, 20)
	link.SetReadyForWrite(false)

	var written [][]byte
	c.write(1, [][]byte{{1}}, link, collectChunks(&written))
	c.write(2, [][]byte{{2}}, link, collectChunks(&written))

	c.drop(1)
	if c.inFlight(1) || !c.inFlight(2) {
		t.Error("drop should remove only sequence 1")
	}

	c.reset()
	if c.pausedCount() != 0 {
		t.Error("reset should discard every paused write")
	}
}

func TestCoordinator_WriteErrorReported(t *testing.T) {
	c := newTestCoordinator(time.Hour)
	link := NewMemoryLink(20, nil)
	t.Cleanup(link.Close)

	var got error
	c.write(1, [][]byte{{1}}, link, func(_ []byte, err error) { got = err })

	if got != ErrDisconnected {
		t.Errorf("callback error = %v, want ErrDisconnected", got)
	}
}

func TestChunkToMTU(t *testing.T) {
	data := bytes.Repeat([]byte{1, 2, 3}, 35)

	chunks, err := chunkToMTU(data, 20)
	if err != nil {
		t.Fatalf("chunkToMTU() error = %v", err)
	}
	if len(chunks) != 6 {
		t.Errorf("got %d chunks, want 6", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 20 {
			t.Errorf("chunk %d is %d bytes", i, len(c))
		}
	}
	if !bytes.Equal(bytes.Join(chunks, nil), data) {
		t.Error("chunks do not cover the data")
	}

	if _, err := chunkToMTU(data, 0); err != ErrBadChunking {
		t.Errorf("zero MTU error = %v, want ErrBadChunking", err)
	}
}

func (c *writeCoordinator) pausedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.paused)
}
