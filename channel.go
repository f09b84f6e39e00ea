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
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Channel is a per-fd event dispatcher bound to exactly one EventLoop. It
// does not own fd: closing the descriptor is always the owner's
// (TcpConnection, Acceptor, timerQueue, EventLoop's wakeup eventfd)
// responsibility. Grounded line-for-line on
// muduo/net/Channel.cc and Channel.h.
type Channel struct {
	loop *EventLoop
	fd   int

	events  int
	revents int
	index   int // demultiplexer-private slot/state, initial -1

	readCallback  func(receiveTime Timestamp)
	writeCallback func()
	closeCallback func()
	errorCallback func()

	// tie extends the lifetime of an owning object (TcpConnection) across a
	// single dispatch: tie returns a strong reference and true while the
	// owner is alive, false once it has been dropped. nil means untied.
	tie func() (interface{}, bool)

	eventHandling bool
	addedToLoop   bool
	logHup        bool
}

func newChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{
		loop:   loop,
		fd:     fd,
		index:  -1,
		logHup: true,
	}
}

// FD returns the underlying file descriptor.
func (c *Channel) FD() int { return c.fd }

func (c *Channel) setReadCallback(cb func(Timestamp)) { c.readCallback = cb }
func (c *Channel) setWriteCallback(cb func())         { c.writeCallback = cb }
func (c *Channel) setCloseCallback(cb func())         { c.closeCallback = cb }
func (c *Channel) setErrorCallback(cb func())         { c.errorCallback = cb }

// tieTo ties the channel to owner, extending owner's life across one
// handleEvent call. alive reports whether the tied object is still live.
func (c *Channel) tieTo(alive func() (interface{}, bool)) {
	c.tie = alive
}

func (c *Channel) enableReading()  { c.events |= EventRead; c.update() }
func (c *Channel) disableReading() { c.events &^= EventRead; c.update() }
func (c *Channel) enableWriting()  { c.events |= EventWrite; c.update() }
func (c *Channel) disableWriting() { c.events &^= EventWrite; c.update() }
func (c *Channel) disableAll()     { c.events = EventNone; c.update() }

func (c *Channel) isWriting() bool   { return c.events&EventWrite != 0 }
func (c *Channel) isReading() bool   { return c.events&EventRead != 0 }
func (c *Channel) isNoneEvent() bool { return c.events == EventNone }

func (c *Channel) setRevents(ev int) { c.revents = ev }

// index/setIndex are the demultiplexer-private slot (poll backend) or
// three-valued tag (epoll backend).
func (c *Channel) getIndex() int  { return c.index }
func (c *Channel) setIndex(i int) { c.index = i }

// doNotLogHup suppresses the HUP warning for channels that legitimately see
// it without it being noteworthy (the wakeup and timer channels never
// actually hang up, but some kernels report transient HUP on eventfd/
// timerfd under memory pressure), per muduo/net/Channel.h.
func (c *Channel) doNotLogHup() { c.logHup = false }

func (c *Channel) update() {
	c.addedToLoop = true
	c.loop.updateChannel(c)
}

// remove detaches the channel from its loop. Callers must disableAll()
// first.
func (c *Channel) remove() {
	if !c.isNoneEvent() {
		fatalf("channel removed with non-empty interest set", zap.Int("fd", c.fd))
	}
	c.addedToLoop = false
	c.loop.removeChannel(c)
}

// handleEvent dispatches revents to the registered callbacks. If the
// channel is tied, the tied object's liveness is checked first and the
// dispatch body only runs while a strong reference is (conceptually) held
// for its duration — Go's GC makes the explicit reference unnecessary, but
// the liveness check itself still matters: a destroyed connection must not
// run its callbacks.
func (c *Channel) handleEvent(receiveTime Timestamp) {
	if c.tie != nil {
		if _, alive := c.tie(); !alive {
			return
		}
	}
	c.handleEventWithGuard(receiveTime)
}

func (c *Channel) handleEventWithGuard(receiveTime Timestamp) {
	c.eventHandling = true
	defer func() { c.eventHandling = false }()

	if (c.revents&EventHup != 0) && (c.revents&EventRead == 0) {
		if c.logHup {
			log().Warn("channel received HUP", zap.Int("fd", c.fd))
		}
		if c.closeCallback != nil {
			c.closeCallback()
		}
	}
	if c.revents&EventNval != 0 {
		log().Warn("channel received NVAL", zap.Int("fd", c.fd))
	}
	if c.revents&(EventErr|EventNval) != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}
	if c.revents&(EventRead|EventRdHup) != 0 {
		if c.readCallback != nil {
			c.readCallback(receiveTime)
		}
	}
	if c.revents&EventWrite != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
}

// String renders the channel's current interest set for trace logging,
// mirroring muduo's Channel::eventsToString debug helper.
func (c *Channel) String() string {
	return c.fd2String(c.events)
}

func (c *Channel) reventsString() string {
	return c.fd2String(c.revents)
}

func (c *Channel) fd2String(ev int) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(c.fd))
	b.WriteString(": ")
	if ev&unix.POLLIN != 0 {
		b.WriteString("IN ")
	}
	if ev&unix.POLLPRI != 0 {
		b.WriteString("PRI ")
	}
	if ev&EventWrite != 0 {
		b.WriteString("OUT ")
	}
	if ev&EventHup != 0 {
		b.WriteString("HUP ")
	}
	if ev&EventRdHup != 0 {
		b.WriteString("RDHUP ")
	}
	if ev&EventErr != 0 {
		b.WriteString("ERR ")
	}
	if ev&EventNval != 0 {
		b.WriteString("NVAL ")
	}
	return b.String()
}
