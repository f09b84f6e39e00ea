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

package reactor_test

import (
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/govoltron/reactor"
)

// startedServer bundles the base loop + server + its background goroutine
// so specs can tear everything down in one call.
type startedServer struct {
	loop *reactor.EventLoop
	srv  *reactor.TcpServer
	addr string
	done chan struct{}
}

func startServer(numSubLoops int, opts ...reactor.ServerOption) *startedServer {
	loop, err := reactor.NewEventLoop()
	Expect(err).ToNot(HaveOccurred())

	ep, err := reactor.NewEndpoint("127.0.0.1", 0)
	Expect(err).ToNot(HaveOccurred())

	srv, err := reactor.NewTcpServer(loop, "test", ep, opts...)
	Expect(err).ToNot(HaveOccurred())

	done := make(chan struct{})
	go func() {
		loop.Loop()
		close(done)
	}()

	Expect(srv.Start(numSubLoops)).To(Succeed())

	var bound reactor.Endpoint
	eventually(func() bool {
		var aerr error
		bound, aerr = srv.ListenEndpoint()
		return aerr == nil && bound.Port() != 0
	}, time.Second)

	return &startedServer{loop: loop, srv: srv, addr: bound.String(), done: done}
}

func (s *startedServer) stop() {
	_ = s.srv.Close()
	s.loop.Quit()
	<-s.done
	_ = s.loop.Close()
}

var _ = Describe("TcpServer", func() {

	It("echoes a message and reports the connection lifecycle exactly twice", func() {
		var calls atomic.Int32
		srv := startServer(0)
		defer srv.stop()

		srv.srv.SetConnectionCallback(func(conn *reactor.TcpConnection) {
			calls.Inc()
		})
		srv.srv.SetMessageCallback(func(conn *reactor.TcpConnection, buf *reactor.Buffer, _ reactor.Timestamp) {
			conn.SendString(buf.RetrieveAllAsString())
		})

		conn, err := net.Dial("tcp", srv.addr)
		Expect(err).ToNot(HaveOccurred())

		_, err = conn.Write([]byte("hello"))
		Expect(err).ToNot(HaveOccurred())

		reply := make([]byte, 5)
		_, err = io.ReadFull(conn, reply)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(reply)).To(Equal("hello"))

		Expect(conn.(*net.TCPConn).CloseWrite()).To(Succeed())

		eventually(func() bool { return calls.Load() == 2 }, 2*time.Second)
		Expect(conn.Close()).To(Succeed())
	})

	It("distributes four sequential connections round-robin over two sub-loops", func() {
		srv := startServer(2)
		defer srv.stop()

		var mu sync.Mutex
		var tids []int

		srv.srv.SetConnectionCallback(func(conn *reactor.TcpConnection) {
			mu.Lock()
			tids = append(tids, unix.Gettid())
			mu.Unlock()
		})

		var conns []net.Conn
		for i := 0; i < 4; i++ {
			c, err := net.Dial("tcp", srv.addr)
			Expect(err).ToNot(HaveOccurred())
			conns = append(conns, c)
			eventually(func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(tids) == i+1
			}, time.Second)
		}
		for _, c := range conns {
			_ = c.Close()
		}

		mu.Lock()
		defer mu.Unlock()
		Expect(tids).To(HaveLen(4))
		Expect(tids[0]).To(Equal(tids[2]))
		Expect(tids[1]).To(Equal(tids[3]))
		Expect(tids[0]).ToNot(Equal(tids[1]))
	})

	It("fires the high water mark callback exactly once per upward crossing", func() {
		srv := startServer(0)
		defer srv.stop()

		crossings := atomic.NewInt32(0)
		var hwConn *reactor.TcpConnection
		var hwMu sync.Mutex

		srv.srv.SetConnectionCallback(func(conn *reactor.TcpConnection) {
			if conn.Connected() {
				hwMu.Lock()
				hwConn = conn
				hwMu.Unlock()
				conn.SetHighWaterMarkCallback(func(c *reactor.TcpConnection, newSize int) {
					crossings.Inc()
				}, 1024)
			}
		})
		srv.srv.SetMessageCallback(func(conn *reactor.TcpConnection, buf *reactor.Buffer, _ reactor.Timestamp) {
			buf.RetrieveAll()
		})

		conn, err := net.Dial("tcp", srv.addr)
		Expect(err).ToNot(HaveOccurred())
		defer conn.Close()

		eventually(func() bool {
			hwMu.Lock()
			defer hwMu.Unlock()
			return hwConn != nil
		}, time.Second)

		hwMu.Lock()
		c := hwConn
		hwMu.Unlock()
		// The payload has to outgrow what the loopback socket buffers take in
		// one direct write, so that the rest lands in the output buffer.
		c.Send(make([]byte, 32<<20))

		eventually(func() bool { return crossings.Load() >= 1 }, 2*time.Second)
		// The peer never reads, so the output buffer cannot drain and cross again.
		Expect(crossings.Load()).To(Equal(int32(1)))
	})

	It("drains buffered output before shutting down the write side", func() {
		srv := startServer(0)
		defer srv.stop()

		const payloadSize = 1 << 20 // 1 MiB

		srv.srv.SetConnectionCallback(func(conn *reactor.TcpConnection) {
			if conn.Connected() {
				conn.Send(make([]byte, payloadSize))
				conn.Shutdown()
			}
		})

		conn, err := net.Dial("tcp", srv.addr)
		Expect(err).ToNot(HaveOccurred())
		defer conn.Close()

		n, err := io.Copy(io.Discard, conn)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(BeEquivalentTo(payloadSize))
	})
})
