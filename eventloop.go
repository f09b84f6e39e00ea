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
	"encoding/binary"
	"os"
	"runtime"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// loopRegistry maps an OS thread id to the EventLoop pinned to it, so
// CurrentLoop can answer "the loop I'm presumably already on" the way
// muduo's thread-local t_loopInThisThread does.
var (
	loopRegistryMu sync.Mutex
	loopRegistry   = make(map[int]*EventLoop)
)

// CurrentLoop returns the EventLoop pinned to the calling goroutine's
// current OS thread, or nil if no loop owns it (muduo:
// EventLoop::getEventLoopOfCurrentThread).
func CurrentLoop() *EventLoop {
	loopRegistryMu.Lock()
	defer loopRegistryMu.Unlock()
	return loopRegistry[unix.Gettid()]
}

// pollTimeoutMs is the fixed demultiplexer timeout: it bounds
// the worst-case latency between an off-loop queueInLoop/quit call that for
// some reason didn't reach the wakeup fd and the loop observing it.
const pollTimeoutMs = 10000

// EventLoop is a thread-pinned reactor: one per OS thread, running a
// demultiplex-dispatch-drain cycle until Quit. Grounded on
// muduo/net/EventLoop.cc.
//
// "Pinned to a thread" is implemented the way muduo pins to CurrentThread::
// tid(): Loop() calls runtime.LockOSThread so the owning goroutine can never
// migrate OS threads for the lifetime of the loop, then captures
// unix.Gettid() once into ownerTid. isInLoopThread/mustBeInLoop compare the
// calling goroutine's live unix.Gettid() against that captured tid, the
// direct Go analogue of muduo's isInLoopThread()/assertInLoopThread().
type EventLoop struct {
	looping                atomic.Bool
	quit                   atomic.Bool
	eventHandling          atomic.Bool
	callingPendingFunctors atomic.Bool
	iteration              atomic.Int64

	ownerSet atomic.Bool  // true once Loop() has claimed this object
	ownerTid atomic.Int64 // OS thread id Loop() is pinned to, set once

	poller demultiplexer
	timers *timerQueue

	wakeupFD      int
	wakeupChannel *Channel

	activeChannels []*Channel

	mu      sync.Mutex
	pending []func()
}

// NewEventLoop constructs a loop with its demultiplexer, timer queue and
// wakeup channel, but does not start it: call Loop() on the goroutine that
// should own it.
func NewEventLoop() (*EventLoop, error) {
	poller, err := newDefaultDemultiplexer()
	if err != nil {
		return nil, err
	}
	wakeupFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		poller.close()
		return nil, os.NewSyscallError("eventfd", err)
	}

	loop := &EventLoop{
		poller:   poller,
		wakeupFD: wakeupFD,
	}
	loop.wakeupChannel = newChannel(loop, wakeupFD)
	loop.wakeupChannel.setReadCallback(loop.handleWakeupRead)
	loop.wakeupChannel.doNotLogHup()
	loop.wakeupChannel.enableReading()
	loop.timers = newTimerQueue(loop)

	return loop, nil
}

// Loop pins the loop to the calling goroutine's OS thread and runs the
// demultiplex-dispatch-drain cycle until Quit is observed. It must be
// called at most once.
func (l *EventLoop) Loop() {
	if !l.ownerSet.CompareAndSwap(false, true) {
		fatalf("EventLoop.Loop called more than once")
	}
	runtime.LockOSThread()
	tid := unix.Gettid()
	l.ownerTid.Store(int64(tid))
	loopRegistryMu.Lock()
	if _, exists := loopRegistry[tid]; exists {
		loopRegistryMu.Unlock()
		fatalf("another EventLoop is already looping on this thread", zap.Int("tid", tid))
	}
	loopRegistry[tid] = l
	loopRegistryMu.Unlock()
	defer func() {
		loopRegistryMu.Lock()
		delete(loopRegistry, tid)
		loopRegistryMu.Unlock()
	}()

	l.looping.Store(true)
	l.quit.Store(false)
	log().Debug("event loop start looping")

	for !l.quit.Load() {
		l.activeChannels = l.activeChannels[:0]
		_, err := l.poller.poll(pollTimeoutMs, &l.activeChannels)
		if err != nil {
			log().Error("poller.poll failed", zap.Error(err))
		}
		l.iteration.Inc()

		l.eventHandling.Store(true)
		now := Now()
		for _, ch := range l.activeChannels {
			ch.handleEvent(now)
		}
		l.eventHandling.Store(false)

		l.doPendingFunctors()
	}

	log().Debug("event loop stop looping")
	l.looping.Store(false)
}

// Quit may be called from any goroutine. It sets the stop flag and wakes
// the loop if the caller isn't the loop itself.
func (l *EventLoop) Quit() {
	l.quit.Store(true)
	if !l.isInLoopThread() {
		l.wakeup()
	}
}

// isInLoopThread reports whether the calling goroutine is presently
// running on the OS thread this loop is pinned to. unix.Gettid() is the
// direct analogue of muduo's CurrentThread::tid(), which isInLoopThread()
// compares against the tid captured once in Loop().
func (l *EventLoop) isInLoopThread() bool {
	return int64(unix.Gettid()) == l.ownerTid.Load()
}

// mustBeInLoop fatally aborts if the loop is actively looping and the
// calling goroutine is not running on its owning thread, mirroring muduo's
// EventLoop::abortNotInLoopThread/assertInLoopThread. The check is gated on
// l.looping rather than l.ownerSet so both construction-time channel wiring
// in NewEventLoop (before Loop() has ever run) and post-return teardown
// (Close/Acceptor.Close/connectDestroyed, called after Loop() has already
// returned, typically from whatever goroutine created the loop) are
// permitted from any goroutine — only the live dispatch-loop window
// actually owns the thread, the way muduo's loop is itself constructed and
// destroyed on that same thread.
func (l *EventLoop) mustBeInLoop() {
	if l.looping.Load() && !l.isInLoopThread() {
		fatalf("EventLoop used from a thread that doesn't own it", zap.Int64("ownerTid", l.ownerTid.Load()))
	}
}

// RunInLoop executes task inline if called from the loop's own OS thread,
// otherwise queues it via QueueInLoop, matching muduo's
// EventLoop::runInLoop.
func (l *EventLoop) RunInLoop(task func()) {
	if l.isInLoopThread() {
		task()
		return
	}
	l.QueueInLoop(task)
}

// QueueInLoop appends task to the pending-task queue under a short lock and
// wakes the loop unless the caller is already running on the loop's own
// thread outside of doPendingFunctors' drain — in that case the loop is
// guaranteed to reach doPendingFunctors again before it can block in
// poll(), so no wakeup is needed, exactly as muduo's queueInLoop skips the
// wakeup when isInLoopThread() && !callingPendingFunctors_.
func (l *EventLoop) QueueInLoop(task func()) {
	l.mu.Lock()
	l.pending = append(l.pending, task)
	l.mu.Unlock()

	if !l.isInLoopThread() || l.callingPendingFunctors.Load() {
		l.wakeup()
	}
}

// RunAt schedules cb to run at (or after) the given time.
func (l *EventLoop) RunAt(when Timestamp, cb func()) TimerID {
	return l.timers.addTimer(cb, when, 0)
}

// RunAfter schedules cb to run after delay elapses.
func (l *EventLoop) RunAfter(delay time.Duration, cb func()) TimerID {
	return l.RunAt(Now().Add(delay), cb)
}

// RunEvery schedules cb to run every interval, starting at now+interval.
func (l *EventLoop) RunEvery(interval time.Duration, cb func()) TimerID {
	return l.timers.addTimer(cb, Now().Add(interval), interval)
}

// CancelTimer cancels a previously scheduled timer. Idempotent.
func (l *EventLoop) CancelTimer(id TimerID) {
	l.timers.cancel(id)
}

func (l *EventLoop) updateChannel(ch *Channel) {
	l.mustBeInLoop()
	l.poller.updateChannel(ch)
}

func (l *EventLoop) removeChannel(ch *Channel) {
	l.mustBeInLoop()
	l.poller.removeChannel(ch)
}

func (l *EventLoop) hasChannel(ch *Channel) bool {
	return l.poller.hasChannel(ch)
}

func (l *EventLoop) wakeup() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(l.wakeupFD, buf[:]); err != nil && err != unix.EAGAIN {
		log().Error("eventloop wakeup write failed", zap.Error(err))
	}
}

func (l *EventLoop) handleWakeupRead(Timestamp) {
	var buf [8]byte
	if _, err := unix.Read(l.wakeupFD, buf[:]); err != nil && err != unix.EAGAIN {
		log().Error("eventloop wakeup read failed", zap.Error(err))
	}
}

// doPendingFunctors swaps the pending queue under lock, then runs it
// unlocked so further QueueInLoop calls (including from inside a running
// task) neither block nor deadlock. Deliberately runs only once per
// iteration: tasks queued during this drain run next iteration, with a
// wakeup already posted by QueueInLoop.
func (l *EventLoop) doPendingFunctors() {
	l.callingPendingFunctors.Store(true)

	l.mu.Lock()
	functors := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, f := range functors {
		f()
	}

	l.callingPendingFunctors.Store(false)
}

// Close tears down the wakeup channel/fd and the timer queue. Must be
// called after Loop() has returned.
func (l *EventLoop) Close() error {
	l.wakeupChannel.disableAll()
	l.wakeupChannel.remove()
	err := l.timers.close()
	if cerr := unix.Close(l.wakeupFD); cerr != nil && err == nil {
		err = os.NewSyscallError("close", cerr)
	}
	if perr := l.poller.close(); perr != nil && err == nil {
		err = perr
	}
	return err
}
