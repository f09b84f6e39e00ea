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
	"runtime"
	"sync"
)

// EventLoopThread owns exactly one OS thread and the EventLoop pinned to
// it, started lazily on the first call to Start. Grounded on
// muduo/net/EventLoopThread.cc.
type EventLoopThread struct {
	mu       sync.Mutex
	cond     *sync.Cond
	loop     *EventLoop
	init     func(*EventLoop)
	startErr error
	started  bool
}

// NewEventLoopThread constructs a thread wrapper. init, if non-nil, runs on
// the new thread immediately before Loop() is entered (muduo's
// ThreadInitCallback).
func NewEventLoopThread(init func(*EventLoop)) *EventLoopThread {
	t := &EventLoopThread{init: init}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Start spawns the backing goroutine, locks it to its OS thread, and blocks
// the caller until the loop is constructed and about to start looping. It
// returns the loop so the caller can post work to it immediately.
func (t *EventLoopThread) Start() (*EventLoop, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return t.loop, t.startErr
	}
	t.started = true

	go t.threadFunc()

	for t.loop == nil && t.startErr == nil {
		t.cond.Wait()
	}
	return t.loop, t.startErr
}

func (t *EventLoopThread) threadFunc() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	loop, err := NewEventLoop()

	t.mu.Lock()
	if err != nil {
		t.startErr = err
		t.cond.Broadcast()
		t.mu.Unlock()
		return
	}
	t.loop = loop
	if t.init != nil {
		t.init(loop)
	}
	t.cond.Broadcast()
	t.mu.Unlock()

	loop.Loop()
	loop.Close()
}

// Loop returns the thread's EventLoop, or nil if Start hasn't been called
// or failed.
func (t *EventLoopThread) Loop() *EventLoop {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loop
}
