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
	"sync"
	"testing"
	"time"
)

func newTestLoop(t *testing.T) (*EventLoop, func()) {
	t.Helper()
	loop, err := NewEventLoop()
	if err != nil {
		t.Fatalf("NewEventLoop: %v", err)
	}
	done := make(chan struct{})
	go func() {
		loop.Loop()
		close(done)
	}()
	return loop, func() {
		loop.Quit()
		<-done
		loop.Close()
	}
}

func TestTimerQueueFiresInOrder(t *testing.T) {
	loop, stop := newTestLoop(t)
	defer stop()

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	wg.Add(3)
	loop.RunAfter(30*time.Millisecond, func() {
		mu.Lock()
		order = append(order, 3)
		mu.Unlock()
		wg.Done()
	})
	loop.RunAfter(10*time.Millisecond, func() {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
		wg.Done()
	})
	loop.RunAfter(20*time.Millisecond, func() {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		wg.Done()
	})

	waitOrTimeout(t, &wg, time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("timers fired out of order: %v", order)
	}
}

func TestTimerQueueCancelPreventsFiring(t *testing.T) {
	loop, stop := newTestLoop(t)
	defer stop()

	fired := make(chan struct{}, 1)
	id := loop.RunAfter(15*time.Millisecond, func() {
		fired <- struct{}{}
	})
	loop.CancelTimer(id)

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestTimerQueueRunEveryRepeats(t *testing.T) {
	loop, stop := newTestLoop(t)
	defer stop()

	var count int
	var mu sync.Mutex
	done := make(chan struct{})

	var id TimerID
	id = loop.RunEvery(10*time.Millisecond, func() {
		mu.Lock()
		count++
		n := count
		mu.Unlock()
		if n >= 3 {
			loop.CancelTimer(id)
			close(done)
		}
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runEvery timer did not fire 3 times in time")
	}

	mu.Lock()
	defer mu.Unlock()
	if count < 3 {
		t.Fatalf("count = %d, want >= 3", count)
	}
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for timers to fire")
	}
}
