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

// Package reactor is a non-blocking TCP networking library built around the
// Reactor pattern: one or more event loops, each owning a readiness-based
// I/O demultiplexer (poll or epoll), dispatching ready file descriptors to
// per-descriptor channels.
//
// A Server composes an Acceptor bound to a "main" loop with a round-robin
// pool of "sub" loops. Every accepted connection is handed to exactly one
// sub-loop, which owns that connection's channel, buffers and state machine
// for its entire lifetime.
//
// The package is Linux-only: it is built directly on epoll, eventfd,
// timerfd and accept4.
package reactor
