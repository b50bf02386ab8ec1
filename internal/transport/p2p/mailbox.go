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

import (
	"fmt"
	"os"
	"unsafe"
)

// Mailbox layout constants.
const (
	// MailboxMagic identifies a mailbox segment.
	MailboxMagic = "NCCLSHM\x00"

	// MailboxVersion is the current mailbox protocol version.
	MailboxVersion = uint32(1)

	// mailboxHeaderSize is the magic/version header, padded to 64 bytes.
	mailboxHeaderSize = 64

	mailboxSendOff = mailboxHeaderSize
	mailboxRecvOff = mailboxHeaderSize + SendMemSize

	// MailboxSize is the total mapped size of one mailbox.
	MailboxSize = mailboxHeaderSize + SendMemSize + RecvMemSize
)

// mailboxHeader is the identification header at offset zero of the mapping.
type mailboxHeader struct {
	magic    [8]byte
	version  uint32
	reserved [52]byte
}

// Mailbox is the small cross-process region holding the head/tail counters
// and per-slot size FIFO for one logical channel. The producer-facing
// SendMem and consumer-facing RecvMem overlay the mapping; both sides of the
// process boundary see the same storage.
type Mailbox struct {
	mem  []byte
	file *os.File
	path string
	name string

	Send *SendMem
	Recv *RecvMem
}

// Name returns the short generated name the peer uses to open this mailbox.
func (m *Mailbox) Name() string { return m.name }

// Size returns the mapped size in bytes.
func (m *Mailbox) Size() int { return len(m.mem) }

func (m *Mailbox) wire() {
	base := unsafe.Pointer(&m.mem[0])
	m.Send = (*SendMem)(unsafe.Pointer(uintptr(base) + mailboxSendOff))
	m.Recv = (*RecvMem)(unsafe.Pointer(uintptr(base) + mailboxRecvOff))
}

func (m *Mailbox) header() *mailboxHeader {
	return (*mailboxHeader)(unsafe.Pointer(&m.mem[0]))
}

func validateMailboxHeader(h *mailboxHeader) error {
	if string(h.magic[:]) != MailboxMagic {
		return fmt.Errorf("invalid mailbox magic")
	}
	if h.version != MailboxVersion {
		return fmt.Errorf("unsupported mailbox version %d, expected %d", h.version, MailboxVersion)
	}
	return nil
}

// Unlink removes the backing file name. Missing files are not an error, so
// creator and opener can both unlink without coordination and the storage is
// reclaimed once the last mapping goes away, even across abnormal process
// termination.
func (m *Mailbox) Unlink() error {
	if m.path == "" {
		return nil
	}
	err := os.Remove(m.path)
	m.path = ""
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Close unlinks any remaining name, unmaps the region and closes the file.
// The first error is reported but cleanup continues past it.
func (m *Mailbox) Close() error {
	firstErr := m.Unlink()
	if m.mem != nil {
		if err := unmapMailbox(m.mem); err != nil && firstErr == nil {
			firstErr = err
		}
		m.mem = nil
		m.Send = nil
		m.Recv = nil
	}
	if m.file != nil {
		if err := m.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		m.file = nil
	}
	return firstErr
}
