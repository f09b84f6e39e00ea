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

// The level-triggered poll(2) demultiplexer backend, selected instead of
// epoll via REACTOR_USE_POLL. Grounded on muduo/net/poller/PollPoller.cc.
package reactor

import (
	"os"

	"golang.org/x/sys/unix"
)

type pollPoller struct {
	pollfds  []unix.PollFd
	channels map[int]*Channel
}

func newPollPoller() demultiplexer {
	return &pollPoller{
		channels: make(map[int]*Channel),
	}
}

func (p *pollPoller) close() error { return nil }

func (p *pollPoller) poll(timeoutMs int, active *[]*Channel) (Timestamp, error) {
	n, err := unix.Poll(p.pollfds, timeoutMs)
	now := Now()
	if err != nil {
		if err == unix.EINTR {
			return now, nil
		}
		return now, os.NewSyscallError("poll", err)
	}
	if n > 0 {
		p.fillActive(n, active)
	}
	return now, nil
}

func (p *pollPoller) fillActive(n int, active *[]*Channel) {
	for i := range p.pollfds {
		if n <= 0 {
			break
		}
		pfd := &p.pollfds[i]
		if pfd.Revents == 0 {
			continue
		}
		n--
		ch, ok := p.channels[int(pfd.Fd)]
		if !ok {
			continue
		}
		ch.setRevents(int(pfd.Revents))
		*active = append(*active, ch)
	}
}

func (p *pollPoller) updateChannel(ch *Channel) {
	idx := ch.getIndex()
	if idx < 0 {
		// A new channel: append to the slot vector.
		p.channels[ch.fd] = ch
		var pfd unix.PollFd
		pfd.Fd = int32(ch.fd)
		pfd.Events = int16(ch.events)
		pfd.Revents = 0
		p.pollfds = append(p.pollfds, pfd)
		ch.setIndex(len(p.pollfds) - 1)
		return
	}

	// Existing channel: update its slot in place. A channel with no
	// interest is temporarily disabled by encoding -fd-1 (offset by one so
	// fd 0 can be encoded) rather than removed, so the kernel skips it
	// while its slot index stays stable.
	pfd := &p.pollfds[idx]
	pfd.Fd = int32(ch.fd)
	pfd.Events = int16(ch.events)
	pfd.Revents = 0
	if ch.isNoneEvent() {
		pfd.Fd = int32(-ch.fd - 1)
	}
}

func (p *pollPoller) removeChannel(ch *Channel) {
	idx := ch.getIndex()
	if idx < 0 || idx >= len(p.pollfds) {
		delete(p.channels, ch.fd)
		return
	}
	last := len(p.pollfds) - 1
	if idx != last {
		p.pollfds[idx] = p.pollfds[last]
		movedFd := p.pollfds[idx].Fd
		if movedFd < 0 {
			movedFd = -movedFd - 1
		}
		if moved, ok := p.channels[int(movedFd)]; ok {
			moved.setIndex(idx)
		}
	}
	p.pollfds = p.pollfds[:last]
	delete(p.channels, ch.fd)
	ch.setIndex(-1)
}

func (p *pollPoller) hasChannel(ch *Channel) bool {
	found, ok := p.channels[ch.fd]
	return ok && found == ch
}
