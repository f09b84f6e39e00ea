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

import "go.uber.org/atomic"

// EventLoopThreadPool fans connections out across a fixed set of
// sub-loops, each pinned to its own thread, round-robin by default. A pool
// of size zero degenerates to handing every connection to the base loop.
type EventLoopThreadPool struct {
	baseLoop *EventLoop
	init     func(*EventLoop)

	threads []*EventLoopThread
	loops   []*EventLoop

	started atomic.Bool
	next    atomic.Int64
}

// NewEventLoopThreadPool constructs a pool bound to baseLoop, which always
// continues to run the acceptor regardless of pool size.
func NewEventLoopThreadPool(baseLoop *EventLoop, init func(*EventLoop)) *EventLoopThreadPool {
	return &EventLoopThreadPool{baseLoop: baseLoop, init: init}
}

// Start launches numThreads sub-loops, blocking until each is ready. It
// must run before the pool is used; a second call starts nothing and
// returns ErrLoopExists.
func (p *EventLoopThreadPool) Start(numThreads int) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrLoopExists
	}
	for i := 0; i < numThreads; i++ {
		t := NewEventLoopThread(p.init)
		loop, err := t.Start()
		if err != nil {
			return err
		}
		p.threads = append(p.threads, t)
		p.loops = append(p.loops, loop)
	}
	return nil
}

// NextLoop returns the next sub-loop in round-robin order, or baseLoop if
// the pool has no sub-threads.
func (p *EventLoopThreadPool) NextLoop() *EventLoop {
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	i := p.next.Inc() - 1
	return p.loops[int(i)%len(p.loops)]
}

// LoopForHash returns a sub-loop selected by hashing hashKey, used to pin
// all connections sharing a key (e.g. a client address) to the same loop.
// Falls back to baseLoop when the pool has no sub-threads.
func (p *EventLoopThreadPool) LoopForHash(hashKey int) *EventLoop {
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	if hashKey < 0 {
		hashKey = -hashKey
	}
	return p.loops[hashKey%len(p.loops)]
}

// Loops returns every sub-loop owned by the pool, in creation order.
func (p *EventLoopThreadPool) Loops() []*EventLoop {
	out := make([]*EventLoop, len(p.loops))
	copy(out, p.loops)
	return out
}
