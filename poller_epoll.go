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

// The epoll(4) demultiplexer backend. Grounded on
// muduo/net/poller/EPollPoller.cc, with the Go epoll_wait/epoll_ctl call
// surface grounded on trpc-group/tnet's poller_epoll.go (other_examples/).
package reactor

import (
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	chanNew     = -1
	chanAdded   = 1
	chanDeleted = 2
)

const initialEventListSize = 16

type epollPoller struct {
	epfd     int
	events   []unix.EpollEvent
	channels map[int]*Channel
}

func newEpollPoller() (demultiplexer, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &epollPoller{
		epfd:     fd,
		events:   make([]unix.EpollEvent, initialEventListSize),
		channels: make(map[int]*Channel),
	}, nil
}

func (p *epollPoller) close() error {
	return os.NewSyscallError("close", unix.Close(p.epfd))
}

func (p *epollPoller) poll(timeoutMs int, active *[]*Channel) (Timestamp, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	now := Now()
	if err != nil {
		if err == unix.EINTR {
			return now, nil
		}
		return now, os.NewSyscallError("epoll_wait", err)
	}
	if n > 0 {
		p.fillActive(n, active)
		if n == len(p.events) {
			p.events = make([]unix.EpollEvent, len(p.events)*2)
		}
	}
	return now, nil
}

func (p *epollPoller) fillActive(n int, active *[]*Channel) {
	for i := 0; i < n; i++ {
		fd := int(p.events[i].Fd)
		ch, ok := p.channels[fd]
		if !ok {
			continue
		}
		ch.setRevents(int(p.events[i].Events))
		*active = append(*active, ch)
	}
}

func (p *epollPoller) updateChannel(ch *Channel) {
	idx := ch.getIndex()
	log().Debug("epoll updateChannel", zap.Int("fd", ch.fd), zap.Int("events", ch.events), zap.Int("index", idx))

	if idx == chanNew || idx == chanDeleted {
		fd := ch.fd
		if idx == chanNew {
			p.channels[fd] = ch
		}
		ch.setIndex(chanAdded)
		p.ctl(unix.EPOLL_CTL_ADD, ch)
		return
	}

	if ch.isNoneEvent() {
		p.ctl(unix.EPOLL_CTL_DEL, ch)
		ch.setIndex(chanDeleted)
		return
	}
	p.ctl(unix.EPOLL_CTL_MOD, ch)
}

func (p *epollPoller) removeChannel(ch *Channel) {
	fd := ch.fd
	delete(p.channels, fd)
	idx := ch.getIndex()
	if idx == chanAdded {
		p.ctl(unix.EPOLL_CTL_DEL, ch)
	}
	ch.setIndex(chanNew)
}

func (p *epollPoller) hasChannel(ch *Channel) bool {
	found, ok := p.channels[ch.fd]
	return ok && found == ch
}

func (p *epollPoller) ctl(op int, ch *Channel) {
	ev := unix.EpollEvent{
		Events: uint32(ch.events),
		Fd:     int32(ch.fd),
	}
	if err := unix.EpollCtl(p.epfd, op, ch.fd, &ev); err != nil {
		log().Error("epoll_ctl failed", zap.Int("op", op), zap.Int("fd", ch.fd), zap.Error(err))
	}
}
