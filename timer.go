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
	"time"

	"go.uber.org/atomic"
)

// Timestamp is microseconds since the Unix epoch, the precision
// required for timer expirations and poll-return times.
type Timestamp int64

// Now returns the current wall-clock time. The library uses the system
// clock (not CLOCK_MONOTONIC) for the Timestamp type itself; the kernel
// timerfd underneath TimerQueue is armed with CLOCK_MONOTONIC deltas,
// which are immune to clock-of-day adjustments regardless of how
// Timestamp values are computed here.
func Now() Timestamp {
	return Timestamp(time.Now().UnixMicro())
}

// Add returns t advanced by d.
func (t Timestamp) Add(d time.Duration) Timestamp {
	return t + Timestamp(d.Microseconds())
}

// Time converts back to a time.Time for display purposes.
func (t Timestamp) Time() time.Time {
	return time.UnixMicro(int64(t))
}

// Valid reports whether the timestamp is a real point in time, as opposed
// to the zero value used by a one-shot timer that has no next expiration
// (muduo's Timestamp::invalid()).
func (t Timestamp) Valid() bool { return t > 0 }

var timerSeq atomic.Int64

// Timer is a single scheduled callback: an absolute expiration, an optional
// repeat interval (0 = one-shot) and a sequence id used to break ties when
// two timers share the same expiration, grounded on
// muduo/net/Timer.cc's AtomicInt64 s_numCreated_ creation counter.
type Timer struct {
	callback   func()
	expiration Timestamp
	interval   time.Duration
	sequence   int64
}

func newTimer(cb func(), when Timestamp, interval time.Duration) *Timer {
	return &Timer{
		callback:   cb,
		expiration: when,
		interval:   interval,
		sequence:   timerSeq.Inc(),
	}
}

// repeats reports whether the timer should be rearmed after firing.
func (t *Timer) repeats() bool { return t.interval > 0 }

// restart advances a repeating timer's expiration by its interval relative
// to now, or invalidates it if it doesn't repeat (muduo: Timer::restart).
func (t *Timer) restart(now Timestamp) {
	if t.repeats() {
		t.expiration = now.Add(t.interval)
	} else {
		t.expiration = 0
	}
}

// TimerID identifies a scheduled timer for cancellation. It pairs the timer
// pointer with the sequence it was created with, so a cancel against a
// stale/reused identity is a safe no-op.
type TimerID struct {
	timer    *Timer
	sequence int64
}
