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
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// timerEntry is one (expiration, timer) pair as held in the byExpiry set.
// Ties at the same expiration are broken by sequence, which also makes the
// entry's identity unique within the set (muduo: Entry = pair<Timestamp,
// Timer*>, ordered by the pair so same-timestamp timers still compare
// distinctly by pointer; here by sequence instead of pointer address).
type timerEntry struct {
	expiration Timestamp
	timer      *Timer
}

type identityKey struct {
	timer    *Timer
	sequence int64
}

// timerQueue owns a kernel timerfd and a Channel watching it, plus two
// indices over the same *Timer set under different orderings:
// byExpiry for "what fires next", byIdentity for "does this TimerID still
// exist". Grounded on muduo/net/TimerQueue.cc.
type timerQueue struct {
	loop *EventLoop

	timerFD      int
	timerChannel *Channel

	byExpiry   []timerEntry // kept sorted by (expiration, sequence)
	byIdentity map[identityKey]struct{}

	// cancellingSet holds timers cancelled from inside handleRead's own
	// callback dispatch, so a repeating timer that cancels itself is not
	// wrongly rearmed after the callback returns (muduo: callingExpiredTimers_
	// / cancelingTimers_).
	cancellingSet        map[identityKey]struct{}
	callingExpiredTimers bool
}

func newTimerQueue(loop *EventLoop) *timerQueue {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		fatalf("timerfd_create failed", zap.Error(err))
	}
	q := &timerQueue{
		loop:          loop,
		timerFD:       fd,
		byIdentity:    make(map[identityKey]struct{}),
		cancellingSet: make(map[identityKey]struct{}),
	}
	q.timerChannel = newChannel(loop, fd)
	q.timerChannel.setReadCallback(q.handleRead)
	q.timerChannel.doNotLogHup()
	q.timerChannel.enableReading()
	return q
}

func (q *timerQueue) close() error {
	q.timerChannel.disableAll()
	q.timerChannel.remove()
	return os.NewSyscallError("close", unix.Close(q.timerFD))
}

// addTimer allocates the Timer (and its sequence) on the calling goroutine
// so a stable TimerID can be returned synchronously, then posts the actual
// insertion onto the loop via RunInLoop — inline if already called from the
// loop's own thread, queued otherwise — so byExpiry/byIdentity are only
// ever mutated on the loop's thread, exactly as muduo's TimerQueue::addTimer
// posts addTimerInLoop through loop_->runInLoop.
func (q *timerQueue) addTimer(cb func(), when Timestamp, interval time.Duration) TimerID {
	t := newTimer(cb, when, interval)
	q.loop.RunInLoop(func() {
		q.addTimerInLoop(t)
	})
	return TimerID{timer: t, sequence: t.sequence}
}

func (q *timerQueue) addTimerInLoop(t *Timer) {
	earliestChanged := q.insert(t)
	if earliestChanged {
		q.resetTimerFD(t.expiration)
	}
}

// cancel posts the actual removal onto the loop via RunInLoop, for the same
// reason addTimer does: byExpiry/byIdentity/cancellingSet must only ever be
// touched from the loop's own thread.
func (q *timerQueue) cancel(id TimerID) {
	q.loop.RunInLoop(func() {
		q.cancelInLoop(id)
	})
}

// cancelInLoop removes a timer from both indices. If called while
// handleRead is presently dispatching expired callbacks, the cancellation
// is recorded in cancellingSet instead so a self-cancelling repeating timer
// is not rearmed.
func (q *timerQueue) cancelInLoop(id TimerID) {
	key := identityKey{timer: id.timer, sequence: id.sequence}
	if _, ok := q.byIdentity[key]; ok {
		delete(q.byIdentity, key)
		q.removeFromExpiry(id.timer, id.sequence)
	} else if q.callingExpiredTimers {
		q.cancellingSet[key] = struct{}{}
	}
}

func (q *timerQueue) insert(t *Timer) bool {
	earliestChanged := len(q.byExpiry) == 0 || t.expiration < q.byExpiry[0].expiration

	entry := timerEntry{expiration: t.expiration, timer: t}
	i := sort.Search(len(q.byExpiry), func(i int) bool {
		return less(entry, q.byExpiry[i])
	})
	q.byExpiry = append(q.byExpiry, timerEntry{})
	copy(q.byExpiry[i+1:], q.byExpiry[i:])
	q.byExpiry[i] = entry

	q.byIdentity[identityKey{timer: t, sequence: t.sequence}] = struct{}{}
	return earliestChanged
}

func less(a, b timerEntry) bool {
	if a.expiration != b.expiration {
		return a.expiration < b.expiration
	}
	return a.timer.sequence < b.timer.sequence
}

func (q *timerQueue) removeFromExpiry(t *Timer, sequence int64) {
	for i, e := range q.byExpiry {
		if e.timer == t && e.timer.sequence == sequence {
			q.byExpiry = append(q.byExpiry[:i], q.byExpiry[i+1:]...)
			return
		}
	}
}

// handleRead collects every timer whose expiration has passed, invokes
// their callbacks, then rearms repeating timers that weren't cancelled
// mid-dispatch, and finally reprograms the kernel timer for the new
// earliest expiration (muduo: TimerQueue::handleRead).
func (q *timerQueue) handleRead(receiveTime Timestamp) {
	q.drainExpirationEvent()

	now := Now()
	expired := q.getExpired(now)

	q.callingExpiredTimers = true
	q.cancellingSet = make(map[identityKey]struct{})
	for _, e := range expired {
		e.timer.callback()
	}
	q.callingExpiredTimers = false

	q.reset(expired, now)
}

func (q *timerQueue) drainExpirationEvent() {
	var buf [8]byte
	_, err := unix.Read(q.timerFD, buf[:])
	if err != nil && err != unix.EAGAIN {
		log().Error("timerfd read failed", zap.Error(err))
	}
}

// getExpired removes and returns every entry with expiration <= now.
func (q *timerQueue) getExpired(now Timestamp) []timerEntry {
	i := sort.Search(len(q.byExpiry), func(i int) bool {
		return q.byExpiry[i].expiration > now
	})
	expired := append([]timerEntry(nil), q.byExpiry[:i]...)
	q.byExpiry = q.byExpiry[i:]
	for _, e := range expired {
		delete(q.byIdentity, identityKey{timer: e.timer, sequence: e.timer.sequence})
	}
	return expired
}

func (q *timerQueue) reset(expired []timerEntry, now Timestamp) {
	for _, e := range expired {
		key := identityKey{timer: e.timer, sequence: e.timer.sequence}
		_, cancelled := q.cancellingSet[key]
		if e.timer.repeats() && !cancelled {
			e.timer.restart(now)
			q.insert(e.timer)
		}
	}

	var next Timestamp
	if len(q.byExpiry) > 0 {
		next = q.byExpiry[0].expiration
	}
	if next.Valid() {
		q.resetTimerFD(next)
	}
}

// resetTimerFD arms timerFD with a CLOCK_MONOTONIC-relative delta computed
// from the wall-clock expiration (timerfd itself never sees
// wall-clock values).
func (q *timerQueue) resetTimerFD(expiration Timestamp) {
	delta := time.Until(expiration.Time())
	if delta < 100*time.Microsecond {
		delta = 100 * time.Microsecond
	}
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(delta.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(q.timerFD, 0, &spec, nil); err != nil {
		log().Error("timerfd_settime failed", zap.Error(err))
	}
}
