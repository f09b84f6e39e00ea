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
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ServerOption configures a TcpServer at construction time using the
// functional-options idiom.
type ServerOption func(*TcpServer)

// WithReusePort enables SO_REUSEPORT on the listening socket, letting
// several independent server processes (or, less commonly, several
// TcpServers in one process) share the same port.
func WithReusePort() ServerOption {
	return func(s *TcpServer) { s.reusePort = true }
}

// WithThreadInit registers a callback invoked on each sub-loop's thread
// right after its EventLoop is constructed and before it starts looping.
func WithThreadInit(init func(*EventLoop)) ServerOption {
	return func(s *TcpServer) { s.threadInit = init }
}

// WithTCPNoDelay disables Nagle's algorithm on every accepted connection as
// it is established.
func WithTCPNoDelay() ServerOption {
	return func(s *TcpServer) { s.tcpNoDelay = true }
}

// TcpServer composes an Acceptor on a base loop with a pool of sub-loops,
// owning the map of live connections keyed by name. Grounded on
// muduo/net/TcpServer.cc.
type TcpServer struct {
	loop     *EventLoop
	acceptor *Acceptor
	pool     *EventLoopThreadPool

	name       string
	listenStr  string
	reusePort  bool
	tcpNoDelay bool

	threadInit func(*EventLoop)

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback

	mu          sync.Mutex
	connections map[string]*TcpConnection
	nextConnID  int

	started atomic.Bool
}

// NewTcpServer constructs a server bound to loop (which will also host the
// acceptor and, absent sub-threads, every connection) listening at ep.
func NewTcpServer(loop *EventLoop, name string, ep Endpoint, opts ...ServerOption) (*TcpServer, error) {
	s := &TcpServer{
		loop:        loop,
		name:        name,
		listenStr:   ep.String(),
		connections: make(map[string]*TcpConnection),
	}
	for _, opt := range opts {
		opt(s)
	}

	acceptor, err := NewAcceptor(loop, ep, s.reusePort)
	if err != nil {
		return nil, err
	}
	s.acceptor = acceptor
	s.acceptor.SetNewConnectionCallback(s.newConnection)
	s.pool = NewEventLoopThreadPool(loop, s.threadInit)

	return s, nil
}

func (s *TcpServer) SetConnectionCallback(cb ConnectionCallback)       { s.connectionCallback = cb }
func (s *TcpServer) SetMessageCallback(cb MessageCallback)             { s.messageCallback = cb }
func (s *TcpServer) SetWriteCompleteCallback(cb WriteCompleteCallback) { s.writeCompleteCallback = cb }

// Loops returns every sub-loop the pool owns, for callers that want to
// inspect or instrument them directly.
func (s *TcpServer) Loops() []*EventLoop { return s.pool.Loops() }

// ListenEndpoint returns the server's bound local address, resolving an
// ephemeral port 0 to the one the kernel actually picked.
func (s *TcpServer) ListenEndpoint() (Endpoint, error) {
	return s.acceptor.ListenEndpoint()
}

// Start is idempotent: the first call spawns numThreads sub-loops and posts
// the acceptor's Listen onto the main loop; later calls are no-ops.
func (s *TcpServer) Start(numThreads int) error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.pool.Start(numThreads); err != nil {
		return err
	}
	s.loop.QueueInLoop(func() {
		if err := s.acceptor.Listen(); err != nil {
			log().Error("acceptor listen failed", zap.String("server", s.name), zap.Error(err))
		}
	})
	return nil
}

// newConnection runs on the main loop (it is the acceptor's callback): it
// picks a sub-loop round-robin, synthesizes a unique connection name,
// constructs the TcpConnection, registers it, wires callbacks including the
// server's own close hook, and posts connectEstablished onto the chosen
// sub-loop.
func (s *TcpServer) newConnection(fd int, peer Endpoint) {
	ioLoop := s.pool.NextLoop()

	s.mu.Lock()
	s.nextConnID++
	connName := fmt.Sprintf("%s-%s#%d", s.name, s.listenStr, s.nextConnID)
	s.mu.Unlock()

	local, err := localAddr(fd)
	if err != nil {
		log().Error("getsockname failed on accepted socket", zap.Error(err))
		local = Endpoint{}
	}

	log().Info("new connection",
		zap.String("server", s.name), zap.String("conn", connName),
		zap.String("peer", peer.String()))

	conn := NewTcpConnection(ioLoop, connName, fd, local, peer)
	if s.tcpNoDelay {
		conn.SetTCPNoDelay(true)
	}
	conn.SetConnectionCallback(s.connectionCallback)
	conn.SetMessageCallback(s.messageCallback)
	conn.SetWriteCompleteCallback(s.writeCompleteCallback)
	conn.setCloseCallback(s.removeConnection)

	s.mu.Lock()
	s.connections[connName] = conn
	s.mu.Unlock()

	ioLoop.QueueInLoop(conn.connectEstablished)
}

// removeConnection is the server's CloseCallback, invoked on the
// connection's own sub-loop from handleClose. It hops back to the main
// loop to mutate the shared connection map.
func (s *TcpServer) removeConnection(conn *TcpConnection) {
	s.loop.QueueInLoop(func() { s.removeConnectionInLoop(conn) })
}

// removeConnectionInLoop erases the connection from the map (dropping the
// server's strong reference) and posts connectDestroyed back onto the
// connection's own sub-loop, so that loop remains the only thread ever
// touching the connection's channel.
func (s *TcpServer) removeConnectionInLoop(conn *TcpConnection) {
	s.mu.Lock()
	delete(s.connections, conn.Name())
	s.mu.Unlock()

	log().Info("remove connection", zap.String("server", s.name), zap.String("conn", conn.Name()))
	conn.Loop().QueueInLoop(conn.connectDestroyed)
}

// ConnectionCount returns the number of currently tracked connections.
func (s *TcpServer) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// Close tears down the acceptor and force-closes every live connection.
// Sub-loop threads themselves are expected to be stopped separately by
// quitting each loop returned from Loops() once its connections have
// drained. ForceClose reports no error, so the returned error comes from
// closing the acceptor alone.
func (s *TcpServer) Close() error {
	var err error

	s.mu.Lock()
	conns := make([]*TcpConnection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.ForceClose()
	}

	err = multierr.Append(err, s.acceptor.Close())
	return err
}
