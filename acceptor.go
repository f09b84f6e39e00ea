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
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// NewConnectionCallback receives a freshly accepted, still-unwrapped
// descriptor and the peer's endpoint.
type NewConnectionCallback func(fd int, peer Endpoint)

// Acceptor owns a listening socket and its channel on a single loop.
// Grounded on muduo/net/Acceptor.cc, including its EMFILE survival trick.
type Acceptor struct {
	loop      *EventLoop
	listenFD  int
	channel   *Channel
	listening bool
	reusePort bool
	onNewConn NewConnectionCallback
	idleFD    int
}

// NewAcceptor creates a non-blocking listening socket bound to ep. reusePort
// controls SO_REUSEPORT, used by multi-process/multi-loop-group listeners
// sharing a single port.
func NewAcceptor(loop *EventLoop, ep Endpoint, reusePort bool) (*Acceptor, error) {
	fd, err := newListenSocket(ep, reusePort)
	if err != nil {
		return nil, err
	}
	idleFD, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	a := &Acceptor{
		loop:      loop,
		listenFD:  fd,
		reusePort: reusePort,
		idleFD:    idleFD,
	}
	a.channel = newChannel(loop, fd)
	a.channel.setReadCallback(a.handleRead)
	return a, nil
}

// SetNewConnectionCallback installs the handler invoked for each accepted
// descriptor. Must be set before Listen.
func (a *Acceptor) SetNewConnectionCallback(cb NewConnectionCallback) {
	a.onNewConn = cb
}

// ListenEndpoint returns the socket's bound local address. Useful when the
// server was constructed with port 0 and the kernel picked an ephemeral
// port.
func (a *Acceptor) ListenEndpoint() (Endpoint, error) {
	return localAddr(a.listenFD)
}

// Listen transitions the socket to the listening state and starts watching
// for readability. Must be called on the owning loop's thread.
func (a *Acceptor) Listen() error {
	a.listening = true
	if err := listenSocket(a.listenFD); err != nil {
		return err
	}
	a.channel.enableReading()
	return nil
}

// handleRead drains every pending connection with accept4, applying the
// EMFILE workaround: when the accept fails because the process is out of
// file descriptors, the pre-opened idle descriptor is closed to free one
// slot, the pending connection is accepted and immediately dropped (so the
// client's SYN doesn't sit retrying forever), and the idle descriptor is
// reopened so the trick is available again next time.
func (a *Acceptor) handleRead(Timestamp) {
	for {
		connFD, peer, err := accept4(a.listenFD)
		if err == nil {
			if a.onNewConn != nil {
				a.onNewConn(connFD, peer)
			} else {
				unix.Close(connFD)
			}
			continue
		}

		switch err {
		case unix.EAGAIN:
			return
		case unix.EMFILE:
			unix.Close(a.idleFD)
			connFD, _, acceptErr := accept4(a.listenFD)
			if acceptErr == nil {
				unix.Close(connFD)
			}
			a.idleFD, _ = unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
			return
		default:
			log().Error("accept4 failed", zap.Error(err))
			return
		}
	}
}

// Close tears down the listening socket and its channel. The channel
// teardown is posted through the owning loop via RunInLoop — inline if
// already called from the loop's own thread, queued otherwise — since
// Close may be invoked while the loop is still actively looping (muduo's
// Acceptor is destroyed on its loop's thread by construction; ours is not).
func (a *Acceptor) Close() error {
	a.loop.RunInLoop(func() {
		a.channel.disableAll()
		a.channel.remove()
	})
	if a.idleFD >= 0 {
		unix.Close(a.idleFD)
	}
	return unix.Close(a.listenFD)
}
