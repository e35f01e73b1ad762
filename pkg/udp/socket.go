// Copyright 2025 Lumastream
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package udp is the datagram sink of the media path: a socket with a
// serial receive loop and a send path that tries the wire first and falls
// back to an asynchronous queue.
package udp

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"go.uber.org/atomic"

	"github.com/lumastream/sfu/pkg/logger"
)

const readBufferSize = 65536

// readBuffer is shared by every socket in the process. Safe because each
// receive callback runs serially on its socket's read loop and the buffer
// content is consumed before the next read. Do not parallelize receive on
// one socket.
var readBuffer [readBufferSize]byte

var readBufferMu sync.Mutex

// SendCallback reports the outcome of one Send. Invoked exactly once.
type SendCallback func(sent bool)

// DatagramHandler consumes one received datagram. data is only valid for
// the duration of the call.
type DatagramHandler func(data []byte, addr *net.UDPAddr)

type pendingSend struct {
	// payload is a copy of the caller's bytes in a buffer of its own; it
	// is not allocated together with the rest of the entry.
	payload []byte
	addr    *net.UDPAddr
	cb      SendCallback
}

// Socket wraps a UDP connection with the worker's send/receive discipline.
type Socket struct {
	logger  logger.Logger
	conn    *net.UDPConn
	handler DatagramHandler

	sendCh chan pendingSend

	closeOnce sync.Once
	closed    atomic.Bool

	sentBytes atomic.Uint64
	recvBytes atomic.Uint64
}

// NewSocket starts the receive loop and the queued-send writer on conn.
func NewSocket(conn *net.UDPConn, handler DatagramHandler, logger logger.Logger) *Socket {
	s := &Socket{
		logger:  logger,
		conn:    conn,
		handler: handler,
		sendCh:  make(chan pendingSend, 256),
	}
	go s.readLoop()
	go s.writeLoop()
	return s
}

// Close stops the loops and closes the connection. Idempotent. Queued
// sends fail their callbacks.
func (s *Socket) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		_ = s.conn.Close()
		close(s.sendCh)
	})
}

func (s *Socket) SentBytes() uint64 {
	return s.sentBytes.Load()
}

func (s *Socket) RecvBytes() uint64 {
	return s.recvBytes.Load()
}

// Send writes the datagram to addr. The fast path writes inline from the
// caller's buffer; when the socket would block, the bytes are copied into
// a payload buffer of their own, held by the queue entry, and queued, and
// cb fires on completion.
func (s *Socket) Send(data []byte, addr *net.UDPAddr, cb SendCallback) {
	if s.closed.Load() {
		invoke(cb, false)
		return
	}
	if len(data) == 0 {
		invoke(cb, false)
		return
	}

	n, err := s.conn.WriteToUDP(data, addr)
	switch {
	case err == nil && n == len(data):
		s.sentBytes.Add(uint64(n))
		invoke(cb, true)
		return

	case err == nil:
		// Truncated: count what left the host, report failure. Intentional
		// bookkeeping; the remote sees a short datagram at best.
		s.logger.Warnw("datagram truncated", nil, "sent", n, "size", len(data))
		s.sentBytes.Add(uint64(n))
		invoke(cb, false)
		return
	}

	if !wouldBlock(err) {
		s.logger.Warnw("udp send failed", err)
		invoke(cb, false)
		return
	}

	// Kernel buffer full: queue a copy and let the writer retry.
	queued := pendingSend{
		payload: append(make([]byte, 0, len(data)), data...),
		addr:    addr,
		cb:      cb,
	}
	defer func() {
		// The channel may close concurrently with Close.
		if recover() != nil {
			invoke(cb, false)
		}
	}()
	select {
	case s.sendCh <- queued:
	default:
		// Queue overflow counts as a transient send failure.
		s.logger.Warnw("send queue full, dropping datagram", nil)
		invoke(cb, false)
	}
}

func (s *Socket) writeLoop() {
	for pending := range s.sendCh {
		if s.closed.Load() {
			invoke(pending.cb, false)
			continue
		}

		n, err := s.conn.WriteToUDP(pending.payload, pending.addr)
		if err != nil || n != len(pending.payload) {
			if n > 0 {
				s.sentBytes.Add(uint64(n))
			}
			invoke(pending.cb, false)
			continue
		}
		s.sentBytes.Add(uint64(n))
		invoke(pending.cb, true)
	}
}

func (s *Socket) readLoop() {
	for {
		readBufferMu.Lock()
		n, addr, err := s.conn.ReadFromUDP(readBuffer[:])
		if err != nil {
			readBufferMu.Unlock()
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debugw("udp read error", "error", err)
			continue
		}

		s.recvBytes.Add(uint64(n))
		// The handler must consume the buffer before returning; it is
		// reused for the next datagram.
		s.handler(readBuffer[:n], addr)
		readBufferMu.Unlock()
	}
}

func invoke(cb SendCallback, ok bool) {
	if cb != nil {
		cb(ok)
	}
}

func wouldBlock(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}
