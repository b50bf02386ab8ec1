//go:build !unix

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

var errMailboxUnsupported = errors.New("shared-memory mailboxes not supported on this platform")

// CreateMailbox is unavailable without POSIX shared memory.
func CreateMailbox() (*Mailbox, error) {
	return nil, errMailboxUnsupported
}

// OpenMailbox is unavailable without POSIX shared memory.
func OpenMailbox(string, int) (*Mailbox, error) {
	return nil, errMailboxUnsupported
}

func unmapMailbox([]byte) error { return nil }
