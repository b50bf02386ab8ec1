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

package p2p

import "errors"

var (
	// ErrInternal indicates a protocol or invariant violation: oversize
	// payloads, request/response size mismatches, tracking-chain depth
	// exceeded, a read-mode buffer requested where none exists. Fatal for
	// the connection.
	ErrInternal = errors.New("internal protocol error")

	// ErrProxySize indicates a proxy request or response whose size does not
	// match its message kind. Wraps ErrInternal semantics but is kept
	// distinct for diagnosis of the RPC boundary.
	ErrProxySize = errors.New("proxy message size mismatch")
)
