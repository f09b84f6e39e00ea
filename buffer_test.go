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

import "testing"

func TestBufferAppendRetrieve(t *testing.T) {
	b := NewBuffer()
	if b.ReadableBytes() != 0 {
		t.Fatalf("new buffer readable = %d, want 0", b.ReadableBytes())
	}
	b.AppendString("hello")
	if got := string(b.Peek()); got != "hello" {
		t.Fatalf("Peek() = %q, want %q", got, "hello")
	}
	if b.ReadableBytes() != 5 {
		t.Fatalf("ReadableBytes() = %d, want 5", b.ReadableBytes())
	}
	b.Retrieve(3)
	if got := string(b.Peek()); got != "lo" {
		t.Fatalf("Peek() after Retrieve(3) = %q, want %q", got, "lo")
	}
}

func TestBufferRetrieveEmptyIsDefined(t *testing.T) {
	b := NewBuffer()
	b.Retrieve(10) // must not panic on an empty buffer
	if b.ReadableBytes() != 0 {
		t.Fatalf("ReadableBytes() = %d, want 0", b.ReadableBytes())
	}
}

func TestBufferRetrieveAsString(t *testing.T) {
	b := NewBuffer()
	b.AppendString("abcdef")
	if got := b.RetrieveAsString(3); got != "abc" {
		t.Fatalf("RetrieveAsString(3) = %q, want %q", got, "abc")
	}
	if got := b.RetrieveAllAsString(); got != "def" {
		t.Fatalf("RetrieveAllAsString() = %q, want %q", got, "def")
	}
	if b.ReadableBytes() != 0 {
		t.Fatalf("ReadableBytes() = %d, want 0", b.ReadableBytes())
	}
}

func TestBufferPrependWithinReserve(t *testing.T) {
	b := NewBuffer()
	b.AppendString("payload")
	header := []byte{0, 0, 0, 7}
	b.Prepend(header)
	if got := string(b.Peek()[:4]); got != string(header) {
		t.Fatalf("prepended header mismatch: got %q", got)
	}
	if got := string(b.Peek()[4:]); got != "payload" {
		t.Fatalf("payload after header = %q, want %q", got, "payload")
	}
}

func TestBufferPrependBeyondReservePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic when Prepend exceeds the reserve")
		}
	}()
	b := NewBuffer()
	b.Prepend(make([]byte, defaultPrependSize+1))
}

func TestBufferGrowsToFitLargeAppend(t *testing.T) {
	b := NewBuffer()
	initialCap := len(b.buf)
	big := make([]byte, initialCap*4)
	b.Append(big)
	if b.ReadableBytes() != len(big) {
		t.Fatalf("ReadableBytes() = %d, want %d", b.ReadableBytes(), len(big))
	}
	if len(b.buf) < defaultPrependSize+len(big) {
		t.Fatalf("buffer failed to grow to fit %d bytes, cap=%d", len(big), len(b.buf))
	}
}

func TestBufferMovesReadableInsteadOfGrowing(t *testing.T) {
	b := NewBuffer()
	b.AppendString("0123456789")
	b.Retrieve(8) // free up most of the readable region, keep "89"
	capBefore := len(b.buf)

	// Demanding just under WritableBytes()+freed-prepend should shift, not
	// reallocate.
	want := b.WritableBytes() + (b.reader - defaultPrependSize) - 1
	if want < 0 {
		want = 0
	}
	b.Append(make([]byte, want))
	if len(b.buf) != capBefore {
		t.Fatalf("buffer reallocated when a shift should have sufficed: cap %d -> %d", capBefore, len(b.buf))
	}
	if got := string(b.Peek()[:2]); got != "89" {
		t.Fatalf("readable region corrupted by shift: got %q", got)
	}
}
