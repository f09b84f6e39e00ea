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

func TestEndpointV4String(t *testing.T) {
	ep, err := NewEndpoint("127.0.0.1", 8080)
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	if ep.IsIPv6() {
		t.Fatal("127.0.0.1 misclassified as IPv6")
	}
	if got, want := ep.String(), "127.0.0.1:8080"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	if ep.Port() != 8080 {
		t.Fatalf("Port() = %d, want 8080", ep.Port())
	}
}

func TestEndpointV6String(t *testing.T) {
	ep, err := NewEndpoint("::1", 9090)
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	if !ep.IsIPv6() {
		t.Fatal("::1 not classified as IPv6")
	}
	if got, want := ep.String(), "[::1]:9090"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestEndpointAnyAddress(t *testing.T) {
	ep, err := NewEndpoint("", 80)
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	if got, want := ep.IP(), "0.0.0.0"; got != want {
		t.Fatalf("IP() = %q, want %q", got, want)
	}
}

func TestResolveEndpoint(t *testing.T) {
	ep, err := ResolveEndpoint("10.0.0.1:1234")
	if err != nil {
		t.Fatalf("ResolveEndpoint: %v", err)
	}
	if got, want := ep.IP(), "10.0.0.1"; got != want {
		t.Fatalf("IP() = %q, want %q", got, want)
	}
	if ep.Port() != 1234 {
		t.Fatalf("Port() = %d, want 1234", ep.Port())
	}
}

func TestEndpointSockaddrRoundTrip(t *testing.T) {
	ep, err := NewEndpoint("192.168.1.5", 4321)
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	back := endpointFromSockaddr(ep.sockaddr())
	if back.String() != ep.String() {
		t.Fatalf("sockaddr round trip = %q, want %q", back.String(), ep.String())
	}
}

func TestNewEndpointInvalidIP(t *testing.T) {
	if _, err := NewEndpoint("not-an-ip", 80); err == nil {
		t.Fatal("expected error for invalid IP literal")
	}
}
