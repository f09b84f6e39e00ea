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
	"os"

	"golang.org/x/sys/unix"
)

// Event masks reuse the POSIX poll(2) bit layout verbatim; on Linux the
// epoll(4) bit values for IN/PRI/OUT/ERR/HUP/RDHUP coincide with poll's, so
// both backends share one set of constants.
const (
	EventNone  = 0
	EventRead  = unix.POLLIN | unix.POLLPRI
	EventWrite = unix.POLLOUT
	EventErr   = unix.POLLERR
	EventHup   = unix.POLLHUP
	EventRdHup = unix.POLLRDHUP
	EventNval  = unix.POLLNVAL
)

// demultiplexer is the abstract readiness poller contract:
// poll blocks up to timeoutMs (or indefinitely when negative), appends every
// channel with pending events to the loop's active-channel list (via
// Channel.setRevents) and returns the time it unblocked. updateChannel and
// removeChannel register/detach a channel's current interest. All three run
// exclusively on the owning loop's goroutine.
type demultiplexer interface {
	poll(timeoutMs int, active *[]*Channel) (Timestamp, error)
	updateChannel(ch *Channel)
	removeChannel(ch *Channel)
	hasChannel(ch *Channel) bool
	close() error
}

// usePollEnv, when set to a non-empty value, selects the poll(2) backend
// instead of the epoll(4) default — the Go analogue of muduo's
// MUDUO_USE_POLL environment check in Poller::newDefaultPoller.
const usePollEnv = "REACTOR_USE_POLL"

func newDefaultDemultiplexer() (demultiplexer, error) {
	if os.Getenv(usePollEnv) != "" {
		return newPollPoller(), nil
	}
	return newEpollPoller()
}
