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
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// Endpoint is an IPv4/IPv6 socket address: host-byte-order port plus a
// network-byte-order address. It is the Go analogue of muduo's InetAddress.
type Endpoint struct {
	ip   net.IP
	port uint16
	v6   bool
}

// NewEndpoint builds an Endpoint from a text IP and a host-order port. An
// empty ip means the IPv4 "any address" (INADDR_ANY).
func NewEndpoint(ip string, port uint16) (Endpoint, error) {
	if ip == "" {
		return Endpoint{ip: net.IPv4zero, port: port}, nil
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Endpoint{}, fmt.Errorf("reactor: invalid ip %q", ip)
	}
	return Endpoint{ip: parsed, port: port, v6: parsed.To4() == nil}, nil
}

// ResolveEndpoint parses "host:port" the way net.ResolveTCPAddr would, but
// without touching the resolver for anything but literal IPs: the library
// does not perform DNS lookups for listen/connect targets.
func ResolveEndpoint(hostport string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Endpoint{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("reactor: invalid port %q: %w", portStr, err)
	}
	return NewEndpoint(host, uint16(port))
}

// IP returns the address in dotted/colon text form.
func (e Endpoint) IP() string {
	if e.ip == nil {
		return ""
	}
	return e.ip.String()
}

// Port returns the host-order port.
func (e Endpoint) Port() uint16 { return e.port }

// IsIPv6 reports whether this endpoint was constructed from an IPv6 literal.
func (e Endpoint) IsIPv6() bool { return e.v6 }

// String renders "ip:port", matching muduo's InetAddress::toIpPort().
func (e Endpoint) String() string {
	if e.v6 {
		return fmt.Sprintf("[%s]:%d", e.IP(), e.port)
	}
	return fmt.Sprintf("%s:%d", e.IP(), e.port)
}

// sockaddr converts the endpoint to the unix.Sockaddr required by bind,
// connect and the accept4 peer-address return value.
func (e Endpoint) sockaddr() unix.Sockaddr {
	if e.v6 {
		sa := &unix.SockaddrInet6{Port: int(e.port)}
		copy(sa.Addr[:], e.ip.To16())
		return sa
	}
	sa := &unix.SockaddrInet4{Port: int(e.port)}
	ip4 := e.ip.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	copy(sa.Addr[:], ip4)
	return sa
}

// endpointFromSockaddr converts a unix.Sockaddr (as returned by Accept4 or
// Getpeername/Getsockname) back into an Endpoint.
func endpointFromSockaddr(sa unix.Sockaddr) Endpoint {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, net.IPv4len)
		copy(ip, a.Addr[:])
		return Endpoint{ip: ip, port: uint16(a.Port)}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, a.Addr[:])
		return Endpoint{ip: ip, port: uint16(a.Port), v6: true}
	default:
		return Endpoint{}
	}
}
