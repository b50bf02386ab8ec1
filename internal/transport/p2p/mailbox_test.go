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
	"testing"
)

func TestMailboxCreateOpen(t *testing.T) {
	mb, err := CreateMailbox()
	if err != nil {
		t.Fatalf("CreateMailbox: %v", err)
	}
	defer mb.Close()

	if len(mb.Name()) != MailboxNameLen {
		t.Fatalf("name %q, want %d characters", mb.Name(), MailboxNameLen)
	}
	if mb.Size() != MailboxSize {
		t.Fatalf("size %d, want %d", mb.Size(), MailboxSize)
	}

	peer, err := OpenMailbox(mb.Name(), mb.Size())
	if err != nil {
		t.Fatalf("OpenMailbox: %v", err)
	}
	defer peer.Close()

	// Counters written on one mapping must be visible on the other.
	mb.Send.SetHead(7)
	if got := peer.Send.Head(); got != 7 {
		t.Fatalf("head through peer mapping = %d, want 7", got)
	}
	peer.Recv.SetTail(9)
	if got := mb.Recv.Tail(); got != 9 {
		t.Fatalf("tail through creator mapping = %d, want 9", got)
	}
}

func TestMailboxOpenerUnlinks(t *testing.T) {
	mb, err := CreateMailbox()
	if err != nil {
		t.Fatalf("CreateMailbox: %v", err)
	}
	defer mb.Close()

	peer, err := OpenMailbox(mb.Name(), mb.Size())
	if err != nil {
		t.Fatalf("OpenMailbox: %v", err)
	}
	defer peer.Close()

	// The opener removed the name; a second open must not find it.
	if second, err := OpenMailbox(mb.Name(), MailboxSize); err == nil {
		second.Close()
		t.Fatal("second open should fail after the name is unlinked")
	}
}

func TestOpenMailboxWrongSize(t *testing.T) {
	mb, err := CreateMailbox()
	if err != nil {
		t.Fatalf("CreateMailbox: %v", err)
	}
	defer mb.Close()

	if _, err := OpenMailbox(mb.Name(), MailboxSize*2); err == nil {
		t.Fatal("mismatched size should fail")
	}
}

func TestOpenMailboxBadHeader(t *testing.T) {
	mb, err := CreateMailbox()
	if err != nil {
		t.Fatalf("CreateMailbox: %v", err)
	}
	defer mb.Close()

	mb.mem[0] ^= 0xff
	if _, err := OpenMailbox(mb.Name(), mb.Size()); err == nil {
		t.Fatal("corrupt magic should fail validation")
	}
	mb.mem[0] ^= 0xff
}

func TestMailboxCloseIdempotent(t *testing.T) {
	mb, err := CreateMailbox()
	if err != nil {
		t.Fatalf("CreateMailbox: %v", err)
	}
	if err := mb.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := mb.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
