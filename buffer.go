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

const (
	// defaultPrependSize is the reserve kept before the readable region so a
	// framing layer can prepend a length header without reallocating.
	defaultPrependSize = 8
	defaultInitialSize = 1024
	// extraBufSize bounds a single readv/scatter-read syscall.
	extraBufSize = 65536
)

// Buffer is a growable byte region with independent read/write cursors and
// a fixed prepend reserve. The zero value is not usable; construct with
// NewBuffer.
type Buffer struct {
	buf    []byte
	reader int
	writer int
}

// NewBuffer returns an empty buffer with the default initial capacity and
// prepend reserve.
func NewBuffer() *Buffer {
	return &Buffer{
		buf:    make([]byte, defaultPrependSize+defaultInitialSize),
		reader: defaultPrependSize,
		writer: defaultPrependSize,
	}
}

// ReadableBytes returns the number of bytes available to Retrieve/Peek.
func (b *Buffer) ReadableBytes() int { return b.writer - b.reader }

// WritableBytes returns the number of bytes available to Append without
// growing or moving data.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writer }

// PrependableBytes returns the current size of the prepend region. It
// shrinks via Prepend, grows via Retrieve, and returns to the reserve size
// when RetrieveAll runs or Append moves or regrows the buffer.
func (b *Buffer) PrependableBytes() int { return b.reader }

// Peek returns the readable region without consuming it. The returned slice
// aliases the buffer and is invalidated by the next mutating call.
func (b *Buffer) Peek() []byte { return b.buf[b.reader:b.writer] }

// Retrieve consumes n bytes from the front of the readable region. Reading
// from (or retrieving past) an empty buffer is defined: it is clamped to
// the readable length.
func (b *Buffer) Retrieve(n int) {
	if n > b.ReadableBytes() {
		n = b.ReadableBytes()
	}
	if n < b.ReadableBytes() {
		b.reader += n
		return
	}
	b.RetrieveAll()
}

// RetrieveAll resets both cursors to the start of the prepend-sized region,
// discarding all readable bytes.
func (b *Buffer) RetrieveAll() {
	b.reader = defaultPrependSize
	b.writer = defaultPrependSize
}

// RetrieveAllAsString consumes and returns every readable byte as a string.
func (b *Buffer) RetrieveAllAsString() string {
	return b.RetrieveAsString(b.ReadableBytes())
}

// RetrieveAsString consumes and returns n readable bytes as a string.
func (b *Buffer) RetrieveAsString(n int) string {
	if n > b.ReadableBytes() {
		n = b.ReadableBytes()
	}
	s := string(b.buf[b.reader : b.reader+n])
	b.Retrieve(n)
	return s
}

// Append appends data to the writable region, growing or shifting the
// buffer first if necessary.
func (b *Buffer) Append(data []byte) {
	b.ensureWritable(len(data))
	copy(b.buf[b.writer:], data)
	b.writer += len(data)
}

// AppendString is a convenience wrapper around Append.
func (b *Buffer) AppendString(s string) { b.Append([]byte(s)) }

// Prepend writes data immediately before the readable region, consuming the
// prepend reserve. Panics if data is larger than PrependableBytes(), which
// would indicate a framing bug (callers should size headers to fit within
// the reserve, matching muduo's usage pattern of small fixed-size headers).
func (b *Buffer) Prepend(data []byte) {
	if len(data) > b.PrependableBytes() {
		panic("reactor: Prepend exceeds prependable region")
	}
	b.reader -= len(data)
	copy(b.buf[b.reader:], data)
}

// ensureWritable grows the buffer geometrically, or shifts the readable
// region to the front of the prepend-sized gap: if writable+freed-prepend
// (beyond the reserve) suffices, shift; otherwise grow.
func (b *Buffer) ensureWritable(n int) {
	if b.WritableBytes() >= n {
		return
	}
	if b.WritableBytes()+(b.reader-defaultPrependSize) >= n {
		b.moveReadableToFront()
		return
	}
	b.grow(n)
}

func (b *Buffer) moveReadableToFront() {
	readable := b.ReadableBytes()
	copy(b.buf[defaultPrependSize:], b.buf[b.reader:b.writer])
	b.reader = defaultPrependSize
	b.writer = b.reader + readable
}

func (b *Buffer) grow(n int) {
	readable := b.ReadableBytes()
	need := defaultPrependSize + readable + n
	newCap := len(b.buf) * 2
	if newCap < need {
		newCap = need
	}
	grown := make([]byte, newCap)
	copy(grown[defaultPrependSize:], b.buf[b.reader:b.writer])
	b.buf = grown
	b.reader = defaultPrependSize
	b.writer = b.reader + readable
}

// ReadFromFD performs a single scatter-read: the primary buffer's writable
// tail plus a secondary on-stack-sized buffer bound the syscall to one
// readv(2) call regardless of how much data the kernel has queued, mirroring
// muduo's Buffer::readFd. Returns the number of bytes read (0 on orderly
// peer shutdown, as with a plain read; -1 on EAGAIN/EWOULDBLOCK, a spurious
// wakeup a caller must not mistake for either data or a closed peer), and
// any error.
func (b *Buffer) ReadFromFD(fd int) (int, error) {
	extra := make([]byte, extraBufSize)
	writable := b.WritableBytes()
	iov := make([][]byte, 0, 2)
	iov = append(iov, b.buf[b.writer:])
	useExtra := writable < extraBufSize
	if useExtra {
		iov = append(iov, extra)
	}

	n, err := unix.Readv(fd, iov)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return -1, nil
		}
		return -1, os.NewSyscallError("readv", err)
	}
	if n <= writable {
		b.writer += n
		return n, nil
	}
	b.writer = len(b.buf)
	b.Append(extra[:n-writable])
	return n, nil
}
