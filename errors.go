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

import "errors"

var (
	// ErrLoopExists is returned by EventLoopThreadPool.Start when the pool
	// has already been started. A second EventLoop looping on a thread that
	// already hosts one is not reported through it: EventLoop.Loop treats
	// that as fatal (muduo: t_loopInThisThread check in EventLoop.cc).
	ErrLoopExists = errors.New("reactor: an event loop already exists on this thread")

	// ErrServerStarted is a benign condition: TcpServer.Start is idempotent.
	ErrServerStarted = errors.New("reactor: server already started")

	// ErrConnectionClosed indicates an operation against a connection that
	// has already reached StateDisconnected.
	ErrConnectionClosed = errors.New("reactor: connection is closed")

	// ErrAcceptorNotListening is returned by operations requiring listen()
	// to have run first.
	ErrAcceptorNotListening = errors.New("reactor: acceptor is not listening")
)
