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
	"encoding/binary"
	"fmt"

	"github.com/chhwang/nccl/internal/device"
)

// ConnectSlotSize is the per-connection slot of the out-of-band handshake
// transport. The encoded ConnectInfo must never exceed it; the bound is
// enforced at compile time below.
const ConnectSlotSize = 128

// MailboxNameLen is the fixed length of generated mailbox names on the wire.
const MailboxNameLen = 8

// PeerBuffer identifies a device memory region usable for remote access,
// either as a same-process pointer token or as an inter-process handle.
// Exactly one arm is meaningful; Kind is the discriminant.
type PeerBuffer struct {
	Kind      PeerBufferKind
	DirectPtr uint64           // valid when Kind == PeerBufferDirect
	IPC       device.IPCHandle // valid when Kind == PeerBufferIPC
}

// PeerBufferKind discriminates the PeerBuffer variants.
type PeerBufferKind uint8

const (
	// PeerBufferDirect carries a pointer token usable in the same process.
	PeerBufferDirect PeerBufferKind = 0
	// PeerBufferIPC carries an inter-process memory handle.
	PeerBufferIPC PeerBufferKind = 1
)

// ConnectInfo is the handshake payload exchanged out-of-band during setup.
// It is constructed once per connection, serialized, and discarded after
// connect.
type ConnectInfo struct {
	Rank        int32 // origin rank, or the relay rank on indirect paths
	UseRead     bool
	Staged      bool // staged-copy mode: Mailbox* fields valid, Buffer is not
	GraphID     int32
	ChannelID   int32
	Buffer      PeerBuffer
	MailboxName [MailboxNameLen]byte
	MailboxSize int32
}

// Wire layout (little-endian, 56 bytes):
//
//	0x00: rank int32
//	0x04: flags uint8      // bit0 useRead, bit1 staged
//	0x05: bufferKind uint8
//	0x06: reserved uint16
//	0x08: graphID int32
//	0x0C: channelID int32
//	0x10: directPtr uint64
//	0x18: ipcHandle uint64
//	0x20: mailboxName [8]byte
//	0x28: mailboxSize int32
//	0x2C: reserved uint32
//	0x30: reserved uint64
const connectInfoWireSize = 56

const (
	connectFlagRead   = uint8(1) << 0
	connectFlagStaged = uint8(1) << 1
)

// The handshake payload must fit the fixed transport slot.
var _ [ConnectSlotSize - connectInfoWireSize]struct{}

// Encode serializes the payload into a fixed handshake slot.
func (ci *ConnectInfo) Encode() [ConnectSlotSize]byte {
	var out [ConnectSlotSize]byte
	b := out[:]
	binary.LittleEndian.PutUint32(b[0x00:], uint32(ci.Rank))
	var flags uint8
	if ci.UseRead {
		flags |= connectFlagRead
	}
	if ci.Staged {
		flags |= connectFlagStaged
	}
	b[0x04] = flags
	b[0x05] = uint8(ci.Buffer.Kind)
	binary.LittleEndian.PutUint32(b[0x08:], uint32(ci.GraphID))
	binary.LittleEndian.PutUint32(b[0x0C:], uint32(ci.ChannelID))
	binary.LittleEndian.PutUint64(b[0x10:], ci.Buffer.DirectPtr)
	binary.LittleEndian.PutUint64(b[0x18:], ci.Buffer.IPC.ID)
	copy(b[0x20:0x20+MailboxNameLen], ci.MailboxName[:])
	binary.LittleEndian.PutUint32(b[0x28:], uint32(ci.MailboxSize))
	return out
}

// DecodeConnectInfo deserializes a handshake slot produced by Encode.
func DecodeConnectInfo(b []byte) (*ConnectInfo, error) {
	if len(b) < connectInfoWireSize {
		return nil, fmt.Errorf("%w: connect payload is %d bytes, need %d",
			ErrInternal, len(b), connectInfoWireSize)
	}
	ci := &ConnectInfo{
		Rank:      int32(binary.LittleEndian.Uint32(b[0x00:])),
		UseRead:   b[0x04]&connectFlagRead != 0,
		Staged:    b[0x04]&connectFlagStaged != 0,
		GraphID:   int32(binary.LittleEndian.Uint32(b[0x08:])),
		ChannelID: int32(binary.LittleEndian.Uint32(b[0x0C:])),
		Buffer: PeerBuffer{
			Kind:      PeerBufferKind(b[0x05]),
			DirectPtr: binary.LittleEndian.Uint64(b[0x10:]),
			IPC:       device.IPCHandle{ID: binary.LittleEndian.Uint64(b[0x18:])},
		},
		MailboxSize: int32(binary.LittleEndian.Uint32(b[0x28:])),
	}
	copy(ci.MailboxName[:], b[0x20:0x20+MailboxNameLen])
	if ci.Buffer.Kind > PeerBufferIPC {
		return nil, fmt.Errorf("%w: unknown peer buffer kind %d", ErrInternal, ci.Buffer.Kind)
	}
	return ci, nil
}
