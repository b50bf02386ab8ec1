//go:build unix

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
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// CreateMailbox creates a mailbox under a fresh generated name. The creator
// keeps the name linked until Close so the peer named in the handshake can
// still open it; the opener unlinks immediately.
func CreateMailbox() (*Mailbox, error) {
	name := uuid.NewString()[:MailboxNameLen]
	path := mailboxPath(name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create mailbox file %s: %w", path, err)
	}
	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(int64(MailboxSize)); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to resize mailbox file: %w", err)
	}
	mem, err := mmapMailbox(file, MailboxSize)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to mmap mailbox: %w", err)
	}

	m := &Mailbox{mem: mem, file: file, path: path, name: name}
	m.wire()

	hdr := m.header()
	copy(hdr.magic[:], MailboxMagic)
	hdr.version = MailboxVersion
	m.Send.SetHead(0)
	m.Recv.SetTail(0)
	return m, nil
}

// OpenMailbox maps an existing mailbox by name and unlinks its backing file
// right away, guaranteeing reclamation once both sides have mapped it.
func OpenMailbox(name string, size int) (*Mailbox, error) {
	if size != MailboxSize {
		return nil, fmt.Errorf("%w: mailbox size %d, expected %d", ErrInternal, size, MailboxSize)
	}
	path := mailboxPath(name)

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open mailbox file %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat mailbox file: %w", err)
	}
	if info.Size() < int64(MailboxSize) {
		file.Close()
		return nil, fmt.Errorf("mailbox file too small: %d bytes", info.Size())
	}

	mem, err := mmapMailbox(file, MailboxSize)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to mmap mailbox: %w", err)
	}

	m := &Mailbox{mem: mem, file: file, path: path, name: name}
	if err := validateMailboxHeader(m.header()); err != nil {
		unmapMailbox(mem)
		file.Close()
		return nil, fmt.Errorf("invalid mailbox header: %w", err)
	}
	m.wire()

	if err := m.Unlink(); err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to unlink mailbox: %w", err)
	}
	return m, nil
}

// mailboxPath places mailbox files under /dev/shm when available, falling
// back to the temporary directory.
func mailboxPath(name string) string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", "nccl-"+name)
	}
	return filepath.Join(os.TempDir(), "nccl-"+name)
}

func mmapMailbox(file *os.File, size int) ([]byte, error) {
	data, err := unix.Mmap(int(file.Fd()), 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return data, nil
}

func unmapMailbox(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap failed: %w", err)
	}
	return nil
}
