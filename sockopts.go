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

// Stateless wrappers over the raw socket syscalls the rest of the package
// needs. Grounded on muduo/net/SocketsOps (referenced from Acceptor.h and
// TcpConnection.cc: sockets::write, sockets::getSocketError, ...) and on the
// accept4/setsockopt idiom used throughout the gnet forks retrieved into
// other_examples/.
package reactor

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// newListenSocket creates a non-blocking listening socket bound to ep, with
// SO_REUSEADDR always set and SO_REUSEPORT set when reusePort is true.
func newListenSocket(ep Endpoint, reusePort bool) (int, error) {
	domain := unix.AF_INET
	if ep.IsIPv6() {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("setsockopt(SO_REUSEADDR)", err)
	}
	if reusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			unix.Close(fd)
			return -1, os.NewSyscallError("setsockopt(SO_REUSEPORT)", err)
		}
	}
	if err := unix.Bind(fd, ep.sockaddr()); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("bind", err)
	}
	return fd, nil
}

// listenSocket transitions fd into the listening state with a reasonably
// large backlog (the kernel clamps to net.core.somaxconn).
func listenSocket(fd int) error {
	if err := unix.Listen(fd, 1024); err != nil {
		return os.NewSyscallError("listen", err)
	}
	return nil
}

// accept4 wraps accept4(2) with SOCK_NONBLOCK|SOCK_CLOEXEC, returning the
// accepted fd and the peer's endpoint.
func accept4(listenFd int) (int, Endpoint, error) {
	connFd, sa, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, Endpoint{}, err
	}
	return connFd, endpointFromSockaddr(sa), nil
}

// connectSocket creates a non-blocking socket and starts a connect(2) to
// ep; EINPROGRESS is not an error here, it is the expected non-blocking
// outcome.
func connectSocket(ep Endpoint) (int, error) {
	domain := unix.AF_INET
	if ep.IsIPv6() {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	if err := unix.Connect(fd, ep.sockaddr()); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, os.NewSyscallError("connect", err)
	}
	return fd, nil
}

// shutdownWrite half-closes the write side of fd (SHUT_WR), used by the
// Disconnecting state once the output buffer has drained.
func shutdownWrite(fd int) error {
	if err := unix.Shutdown(fd, unix.SHUT_WR); err != nil {
		return os.NewSyscallError("shutdown", err)
	}
	return nil
}

// setTCPNoDelay toggles TCP_NODELAY on fd.
func setTCPNoDelay(fd int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return os.NewSyscallError("setsockopt(TCP_NODELAY)", unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v))
}

// setKeepAlive toggles SO_KEEPALIVE on fd. Accepted connections enable it by
// default.
func setKeepAlive(fd int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return os.NewSyscallError("setsockopt(SO_KEEPALIVE)", unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, v))
}

// socketError retrieves and clears SO_ERROR, the mechanism for learning why
// an epoll error event fired (muduo: sockets::getSocketError).
func socketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt(SO_ERROR)", err)
	}
	if errno == 0 {
		return nil
	}
	return fmt.Errorf("reactor: socket error: %w", unix.Errno(errno))
}

// localAddr/peerAddr return the local/peer endpoint of an established or
// accepted socket.
func localAddr(fd int) (Endpoint, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return Endpoint{}, os.NewSyscallError("getsockname", err)
	}
	return endpointFromSockaddr(sa), nil
}

func peerAddr(fd int) (Endpoint, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return Endpoint{}, os.NewSyscallError("getpeername", err)
	}
	return endpointFromSockaddr(sa), nil
}
