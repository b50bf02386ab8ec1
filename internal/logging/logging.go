/*
 *
 * Copyright 2025 The NCCL-Go Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package logging provides the process-wide logger used by the transport
// layer. Subsystems mirror the original debug categories (INIT, P2P, SHM,
// PROXY) so log lines from connection setup and the progress engine can be
// filtered the same way.
package logging

import (
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Subsystem names attached to every log line via the "sys" field.
const (
	SysInit  = "INIT"
	SysP2P   = "P2P"
	SysShm   = "SHM"
	SysProxy = "PROXY"
)

var (
	rootOnce sync.Once
	root     zerolog.Logger
)

// Root returns the process-wide logger, initialized on first use. The level
// is taken from NCCL_DEBUG: "trace", "info", "warn" (default), or "none".
func Root() zerolog.Logger {
	rootOnce.Do(func() {
		level := zerolog.WarnLevel
		switch strings.ToLower(os.Getenv("NCCL_DEBUG")) {
		case "trace":
			level = zerolog.TraceLevel
		case "info":
			level = zerolog.InfoLevel
		case "warn", "":
			level = zerolog.WarnLevel
		case "none":
			level = zerolog.Disabled
		}
		root = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	})
	return root
}

// Sub returns a logger tagged with the given subsystem.
func Sub(sys string) zerolog.Logger {
	return Root().With().Str("sys", sys).Logger()
}
