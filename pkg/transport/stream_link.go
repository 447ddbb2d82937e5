// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/Thermoquad/smpflash/pkg/smp"
	"github.com/pion/logging"
)

// DefaultStreamMTU is the default maximum write length of a StreamLink
const DefaultStreamMTU = 512

// StreamOpener opens the byte stream of a StreamLink, such as a serial port
type StreamOpener func() (io.ReadWriteCloser, error)

// StreamLink carries SMP over a byte stream using console framing. Chunks
// are joined into whole packets before they are framed.
type StreamLink struct {
	opener StreamOpener
	mtu    int
	log    logging.LeveledLogger

	mu            sync.Mutex
	writeMu       sync.Mutex
	conn          io.ReadWriteCloser
	connected     bool
	disconnecting bool
	observer      LinkObserver
	assembler     packetAssembler
	console       func(line []byte)
}

// NewStreamLink creates a link over streams returned by opener. A zero mtu
// uses DefaultStreamMTU.
func NewStreamLink(opener StreamOpener, mtu int, factory logging.LoggerFactory) *StreamLink {
	if mtu <= 0 {
		mtu = DefaultStreamMTU
	}
	return &StreamLink{
		opener: opener,
		mtu:    mtu,
		log:    ScopedLogger(factory, "smp-stream"),
	}
}

// SetConsoleHandler receives the non-SMP bytes read from the stream, one
// line at a time
func (l *StreamLink) SetConsoleHandler(handler func(line []byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.console = handler
}

// SetObserver implements Link
func (l *StreamLink) SetObserver(observer LinkObserver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observer = observer
}

func (l *StreamLink) getObserver() LinkObserver {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.observer
}

// PoweredOn implements Link; a stream is always available
func (l *StreamLink) PoweredOn() bool {
	return true
}

// Connected implements Link
func (l *StreamLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Disconnecting implements Link
func (l *StreamLink) Disconnecting() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disconnecting
}

// Connect implements Link. The stream is opened synchronously.
func (l *StreamLink) Connect() error {
	conn, err := l.opener()
	if err != nil {
		if o := l.getObserver(); o != nil {
			o.OnConnectFailed(err)
		}
		return nil
	}

	l.mu.Lock()
	l.conn = conn
	l.connected = true
	l.disconnecting = false
	l.assembler.reset()
	l.mu.Unlock()

	go l.readLoop(conn)

	if o := l.getObserver(); o != nil {
		o.OnConnected()
	}
	return nil
}

// Disconnect implements Link
func (l *StreamLink) Disconnect() error {
	l.mu.Lock()
	conn := l.conn
	if conn == nil || !l.connected {
		l.mu.Unlock()
		return nil
	}
	l.disconnecting = true
	l.mu.Unlock()
	return conn.Close()
}

// DiscoverServices implements Link. A stream has no services; the SMP
// endpoint is ready as soon as it is open.
func (l *StreamLink) DiscoverServices() error {
	if o := l.getObserver(); o != nil {
		o.OnServiceDiscovered(nil)
		o.OnCharacteristicReady(nil)
	}
	return nil
}

// IsReadyForWrite implements Link
func (l *StreamLink) IsReadyForWrite() bool {
	return l.Connected()
}

// MaxWriteLength implements Link
func (l *StreamLink) MaxWriteLength() int {
	return l.mtu
}

// WriteChunk implements Link. Complete packets are framed and written one
// line at a time.
func (l *StreamLink) WriteChunk(chunk []byte) error {
	l.mu.Lock()
	conn := l.conn
	if conn == nil || !l.connected {
		l.mu.Unlock()
		return ErrDisconnected
	}
	packets := l.assembler.add(chunk)
	l.mu.Unlock()

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	for _, packet := range packets {
		framed := smp.EncodeSerial(packet)
		for len(framed) > 0 {
			end := bytes.IndexByte(framed, smp.SerialFrameEnd) + 1
			if _, err := conn.Write(framed[:end]); err != nil {
				return err
			}
			framed = framed[end:]
		}
	}
	return nil
}

func (l *StreamLink) readLoop(conn io.ReadWriteCloser) {
	decoder := smp.NewSerialDecoder()
	buf := make([]byte, 4096)
	var line []byte

	for {
		n, err := conn.Read(buf)
		for _, b := range buf[:n] {
			packet, decodeErr := decoder.DecodeByte(b)
			if decodeErr != nil {
				l.log.Debugf("frame error: %v", decodeErr)
			}
			if packet != nil {
				l.log.Tracef("<- %s", smp.FormatHex(packet))
				if o := l.getObserver(); o != nil {
					o.OnNotification(packet)
				}
			}
			line = l.collectConsole(line, decoder, b)
		}
		if err != nil {
			l.closed(err)
			return
		}
	}
}

// collectConsole gathers bytes outside SMP frames into lines for the
// console handler
func (l *StreamLink) collectConsole(line []byte, decoder *smp.SerialDecoder, b byte) []byte {
	l.mu.Lock()
	handler := l.console
	l.mu.Unlock()
	if handler == nil {
		return nil
	}
	if len(decoder.GetRawBytes()) > 0 {
		return line[:0]
	}
	if b == '\n' {
		if len(line) > 0 {
			handler(bytes.TrimRight(line, "\r"))
		}
		return line[:0]
	}
	return append(line, b)
}

func (l *StreamLink) closed(err error) {
	l.mu.Lock()
	wasDisconnecting := l.disconnecting
	l.connected = false
	l.disconnecting = false
	l.conn = nil
	l.mu.Unlock()

	if wasDisconnecting || errors.Is(err, io.EOF) {
		err = nil
	} else {
		l.log.Warnf("stream closed: %v", err)
	}
	if o := l.getObserver(); o != nil {
		o.OnDisconnected(err)
	}
}
