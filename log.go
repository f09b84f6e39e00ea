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
	"sync/atomic"

	"go.uber.org/zap"
)

// logger is the package-wide sink. It defaults to a no-op logger so the
// library stays silent until an embedder opts in with SetLogger. The core
// never owns a file, a rotation policy or a log viewer endpoint — only the
// call surface, same split as muduo's Logging.h vs. LogFile.cc.
var logger atomic.Value

func init() {
	logger.Store(zap.NewNop())
}

// SetLogger installs the logger used by every loop, connection and server
// in the process. Safe to call concurrently with running loops.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger.Store(l)
}

func log() *zap.Logger {
	return logger.Load().(*zap.Logger)
}

// fatalf logs at Fatal and aborts the process, mirroring muduo's LOG_FATAL
// macro used for setup-fatal conditions (EventLoop::abortNotInLoopThread,
// duplicate loop on a thread, poller creation failure).
func fatalf(msg string, fields ...zap.Field) {
	log().Fatal(msg, fields...)
}
