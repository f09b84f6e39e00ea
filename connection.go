// Copyright 2023 Kami
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

//go:build linux

package reactor

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ConnState is the TcpConnection state machine's current state.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

const defaultHighWaterMark = 64 * 1024 * 1024 // 64 MiB, muduo's default

// ConnectionCallback fires once on establishment and once on teardown; the
// current state distinguishes the two.
type ConnectionCallback func(conn *TcpConnection)

// MessageCallback fires whenever new bytes are readable.
type MessageCallback func(conn *TcpConnection, buf *Buffer, receiveTime Timestamp)

// WriteCompleteCallback fires once all data passed to Send has been handed
// to the kernel: after a direct write that took everything, or when the
// output buffer has fully drained.
type WriteCompleteCallback func(conn *TcpConnection)

// HighWaterMarkCallback fires once per upward crossing of the high water
// mark.
type HighWaterMarkCallback func(conn *TcpConnection, newSize int)

// CloseCallback is the server's internal teardown hook; user code normally
// only sets ConnectionCallback.
type CloseCallback func(conn *TcpConnection)

// TcpConnection owns one accepted or actively-connected socket, its
// channel, and the two buffers framing byte-stream I/O. Grounded on
// muduo/net/TcpConnection.cc.
type TcpConnection struct {
	loop *EventLoop
	name string

	fd      int
	channel *Channel

	local Endpoint
	peer  Endpoint

	state atomic.Int32

	reading atomic.Bool

	inputBuffer  *Buffer
	outputBuffer *Buffer

	highWaterMark int

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback
	closeCallback         CloseCallback

	context interface{}

	alive atomic.Bool // tie target: false once connectDestroyed has run
}

// NewTcpConnection wraps an already-accepted, non-blocking socket fd. The
// connection starts in StateConnecting; call connectEstablished (posted by
// the server onto this connection's loop) to transition to StateConnected.
func NewTcpConnection(loop *EventLoop, name string, fd int, local, peer Endpoint) *TcpConnection {
	c := &TcpConnection{
		loop:          loop,
		name:          name,
		fd:            fd,
		local:         local,
		peer:          peer,
		inputBuffer:   NewBuffer(),
		outputBuffer:  NewBuffer(),
		highWaterMark: defaultHighWaterMark,
	}
	c.state.Store(int32(StateConnecting))
	c.alive.Store(true)

	c.channel = newChannel(loop, fd)
	c.channel.setReadCallback(c.handleRead)
	c.channel.setWriteCallback(c.handleWrite)
	c.channel.setCloseCallback(c.handleClose)
	c.channel.setErrorCallback(c.handleError)
	c.channel.tieTo(func() (interface{}, bool) {
		return c, c.alive.Load()
	})

	setKeepAlive(fd, true)
	return c
}

// Name returns the connection's unique name, server-name + "-" + ip:port +
// "#" + monotonic id.
func (c *TcpConnection) Name() string { return c.name }

// Loop returns the sub-loop this connection is pinned to.
func (c *TcpConnection) Loop() *EventLoop { return c.loop }

// LocalEndpoint/PeerEndpoint return the connection's two endpoints.
func (c *TcpConnection) LocalEndpoint() Endpoint { return c.local }
func (c *TcpConnection) PeerEndpoint() Endpoint  { return c.peer }

// State returns the connection's current state.
func (c *TcpConnection) State() ConnState { return ConnState(c.state.Load()) }

// Connected reports whether the connection is presently usable for writes.
func (c *TcpConnection) Connected() bool { return c.State() == StateConnected }

// Context/SetContext store an arbitrary user value alongside the
// connection, e.g. a per-protocol decode state machine.
func (c *TcpConnection) Context() interface{}       { return c.context }
func (c *TcpConnection) SetContext(ctx interface{}) { c.context = ctx }

func (c *TcpConnection) SetConnectionCallback(cb ConnectionCallback)         { c.connectionCallback = cb }
func (c *TcpConnection) SetMessageCallback(cb MessageCallback)               { c.messageCallback = cb }
func (c *TcpConnection) SetWriteCompleteCallback(cb WriteCompleteCallback)   { c.writeCompleteCallback = cb }
func (c *TcpConnection) SetHighWaterMarkCallback(cb HighWaterMarkCallback, n int) {
	c.highWaterMarkCallback = cb
	c.highWaterMark = n
}
func (c *TcpConnection) setCloseCallback(cb CloseCallback) { c.closeCallback = cb }

// connectEstablished wires the channel into its loop and fires
// connectionCallback for the first time. Must run on c.loop.
func (c *TcpConnection) connectEstablished() {
	c.state.Store(int32(StateConnected))
	c.reading.Store(true)
	c.channel.enableReading()
	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
}

// connectDestroyed is the last act before the connection is dropped from
// the server's map: it disables events, fires connectionCallback if the
// teardown wasn't already observed via handleClose, detaches the channel
// and closes the socket. Must run on c.loop.
func (c *TcpConnection) connectDestroyed() {
	if c.State() == StateConnected {
		c.state.Store(int32(StateDisconnected))
		c.channel.disableAll()
		if c.connectionCallback != nil {
			c.connectionCallback(c)
		}
	}
	c.channel.remove()
	c.alive.Store(false)
	unix.Close(c.fd)
}

func (c *TcpConnection) handleRead(receiveTime Timestamp) {
	n, err := c.inputBuffer.ReadFromFD(c.fd)
	switch {
	case n > 0:
		if c.messageCallback != nil {
			c.messageCallback(c, c.inputBuffer, receiveTime)
		}
	case n == 0:
		c.handleClose()
	case n < 0 && err == nil:
		// EAGAIN/EWOULDBLOCK: spurious wakeup, nothing to do.
	default:
		log().Error("TcpConnection read failed", zap.String("conn", c.name), zap.Error(err))
		c.handleError()
	}
}

func (c *TcpConnection) handleWrite() {
	if !c.channel.isWriting() {
		return
	}
	n, err := unix.Write(c.fd, c.outputBuffer.Peek())
	if err != nil {
		if err != unix.EAGAIN {
			log().Error("TcpConnection write failed", zap.String("conn", c.name), zap.Error(err))
		}
		return
	}
	c.outputBuffer.Retrieve(n)
	if c.outputBuffer.ReadableBytes() == 0 {
		c.channel.disableWriting()
		if c.writeCompleteCallback != nil {
			cb := c.writeCompleteCallback
			c.loop.QueueInLoop(func() { cb(c) })
		}
		if c.State() == StateDisconnecting {
			c.shutdownInLoop()
		}
	}
}

// handleClose fires once, holding a strong reference (implicit under Go's
// GC) across both connectionCallback and the server's closeCallback so
// neither can observe a half-torn-down connection.
func (c *TcpConnection) handleClose() {
	prev := ConnState(c.state.Swap(int32(StateDisconnected)))
	if prev == StateDisconnected {
		return
	}
	c.channel.disableAll()

	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
	if c.closeCallback != nil {
		c.closeCallback(c)
	}
}

func (c *TcpConnection) handleError() {
	err := socketError(c.fd)
	log().Error("TcpConnection socket error", zap.String("conn", c.name), zap.Error(err))
}

// Send queues data for delivery. Safe to call from any goroutine: if called
// off-loop it posts a copy onto the connection's loop.
func (c *TcpConnection) Send(data []byte) {
	if c.State() != StateConnected {
		return
	}
	cp := append([]byte(nil), data...)
	c.loop.QueueInLoop(func() { c.sendInLoop(cp) })
}

// SendString is a convenience wrapper over Send.
func (c *TcpConnection) SendString(s string) { c.Send([]byte(s)) }

// sendInLoop tries a direct write first, buffering only what the kernel
// didn't accept, and must run on c.loop.
func (c *TcpConnection) sendInLoop(data []byte) {
	if c.State() == StateDisconnected {
		log().Warn("giving up write on disconnected connection", zap.String("conn", c.name))
		return
	}

	remaining := data
	if !c.channel.isWriting() && c.outputBuffer.ReadableBytes() == 0 {
		n, err := unix.Write(c.fd, data)
		switch {
		case err == nil && n == len(data):
			if c.writeCompleteCallback != nil {
				cb := c.writeCompleteCallback
				c.loop.QueueInLoop(func() { cb(c) })
			}
			return
		case err == nil:
			remaining = data[n:]
		case err == unix.EAGAIN:
			// fall through, buffer the whole payload
		case err == unix.EPIPE || err == unix.ECONNRESET:
			log().Error("TcpConnection fatal write error", zap.String("conn", c.name), zap.Error(err))
			return
		default:
			log().Error("TcpConnection write failed", zap.String("conn", c.name), zap.Error(err))
			return
		}
	}

	if len(remaining) == 0 {
		return
	}

	oldLen := c.outputBuffer.ReadableBytes()
	newLen := oldLen + len(remaining)
	if oldLen < c.highWaterMark && newLen >= c.highWaterMark {
		if c.highWaterMarkCallback != nil {
			cb := c.highWaterMarkCallback
			c.loop.QueueInLoop(func() { cb(c, newLen) })
		}
	}
	c.outputBuffer.Append(remaining)
	if !c.channel.isWriting() {
		c.channel.enableWriting()
	}
}

// Shutdown half-closes the write side once pending output has drained.
func (c *TcpConnection) Shutdown() {
	if c.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnecting)) {
		c.loop.QueueInLoop(c.shutdownInLoop)
	}
}

func (c *TcpConnection) shutdownInLoop() {
	if !c.channel.isWriting() {
		shutdownWrite(c.fd)
	}
}

// ForceClose synthesizes an immediate close as if the peer had closed.
func (c *TcpConnection) ForceClose() {
	st := c.State()
	if st == StateConnected || st == StateDisconnecting {
		c.state.Store(int32(StateDisconnecting))
		c.loop.QueueInLoop(c.forceCloseInLoop)
	}
}

// ForceCloseWithDelay is ForceClose deferred by delay, for giving a client
// a grace window to read a final reply before the socket drops. Guards
// against the connection having already torn down by the time the timer
// fires by rechecking the state, rather than relying on any refcount.
func (c *TcpConnection) ForceCloseWithDelay(delay time.Duration) {
	if c.State() != StateConnected && c.State() != StateDisconnecting {
		return
	}
	c.state.Store(int32(StateDisconnecting))
	c.loop.RunAfter(delay, func() {
		if c.alive.Load() {
			c.forceCloseInLoop()
		}
	})
}

func (c *TcpConnection) forceCloseInLoop() {
	if c.State() != StateDisconnected {
		c.handleClose()
	}
}

// SetTCPNoDelay toggles Nagle's algorithm on the underlying socket.
func (c *TcpConnection) SetTCPNoDelay(on bool) error {
	return setTCPNoDelay(c.fd, on)
}

// TCPInfo retrieves the kernel's TCP_INFO diagnostics (round-trip time,
// retransmits, congestion window, ...) for this connection's socket,
// muduo's TcpConnection::getTcpInfo.
func (c *TcpConnection) TCPInfo() (*unix.TCPInfo, error) {
	info, err := unix.GetsockoptTCPInfo(c.fd, unix.SOL_TCP, unix.TCP_INFO)
	if err != nil {
		return nil, os.NewSyscallError("getsockopt(TCP_INFO)", err)
	}
	return info, nil
}

// TCPInfoString renders TCPInfo as a compact diagnostic string, or the
// failure reason if the kernel call didn't succeed, muduo's
// TcpConnection::getTcpInfoString.
func (c *TcpConnection) TCPInfoString() string {
	info, err := c.TCPInfo()
	if err != nil {
		return fmt.Sprintf("tcp_info unavailable: %v", err)
	}
	return fmt.Sprintf("rtt=%dus rttvar=%dus snd_cwnd=%d retransmits=%d total_retrans=%d",
		info.Rtt, info.Rttvar, info.Snd_cwnd, info.Retransmits, info.Total_retrans)
}

// StartRead/StopRead toggle the channel's read interest without touching
// the connection's state, letting applications apply backpressure.
func (c *TcpConnection) StartRead() {
	c.loop.QueueInLoop(func() {
		if !c.reading.Load() {
			c.channel.enableReading()
			c.reading.Store(true)
		}
	})
}

func (c *TcpConnection) StopRead() {
	c.loop.QueueInLoop(func() {
		if c.reading.Load() {
			c.channel.disableReading()
			c.reading.Store(false)
		}
	})
}
