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
	"sync/atomic"
	"unsafe"
)

const (
	// PipelineDepth is the fixed number of in-flight slots per channel.
	PipelineDepth = 8

	// SendMemSize and RecvMemSize are the control-block sizes placed at the
	// head of the respective data-plane allocations (64-byte aligned).
	SendMemSize = 64
	RecvMemSize = 64

	// IPCAlign is the allocation granularity for buffers exchanged through
	// memory handles; computed sizes round up to it.
	IPCAlign = 65536

	// GraphKinds is the number of distinct algorithm topologies that may
	// multiplex one pooled staging buffer (ring, tree, collnet).
	GraphKinds = 3

	// DefaultSlotSize is the per-slot stride of the data-plane buffer when
	// the caller does not choose one.
	DefaultSlotSize = 4096
)

// AlignUp rounds size up to the given power-of-two alignment.
func AlignUp(size, align int) int {
	return (size + align - 1) &^ (align - 1)
}

// SendMem is the producer-facing control block at the head of a send-side
// allocation. The head counter is written by the consumer side and read by
// the producer; all access goes through the atomic methods.
//
// Layout (64 bytes):
//
//	0x00: head uint64   // consumer acknowledge counter (monotonic steps)
//	0x08-0x3F: reserved
type SendMem struct {
	head     uint64
	reserved [56]byte
}

// Head returns the consumer acknowledge counter.
func (m *SendMem) Head() uint64 { return atomic.LoadUint64(&m.head) }

// SetHead publishes the consumer acknowledge counter.
func (m *SendMem) SetHead(v uint64) { atomic.StoreUint64(&m.head, v) }

// RecvMem is the consumer-facing control block at the head of a recv-side
// allocation. The tail counter and per-slot size FIFO are written by the
// producer side and read by the consumer.
//
// Layout (64 bytes):
//
//	0x00: tail uint64            // producer publish counter (monotonic steps)
//	0x08: opCount uint64         // completed operations, diagnostics
//	0x10: sizesFifo [8]uint32    // per-slot byte counts, indexed step%depth
//	0x30-0x3F: reserved
type RecvMem struct {
	tail      uint64
	opCount   uint64
	sizesFifo [PipelineDepth]uint32
	reserved  [16]byte
}

// Tail returns the producer publish counter.
func (m *RecvMem) Tail() uint64 { return atomic.LoadUint64(&m.tail) }

// SetTail publishes the producer publish counter.
func (m *RecvMem) SetTail(v uint64) { atomic.StoreUint64(&m.tail, v) }

// OpCount returns the completed-operation counter.
func (m *RecvMem) OpCount() uint64 { return atomic.LoadUint64(&m.opCount) }

// IncOpCount bumps the completed-operation counter.
func (m *RecvMem) IncOpCount() { atomic.AddUint64(&m.opCount, 1) }

// FifoSize returns the recorded byte count for slot.
func (m *RecvMem) FifoSize(slot int) uint32 {
	return atomic.LoadUint32(&m.sizesFifo[slot])
}

// SetFifoSize records the byte count for slot.
func (m *RecvMem) SetFifoSize(slot int, n uint32) {
	atomic.StoreUint32(&m.sizesFifo[slot], n)
}

// sendMemView overlays a SendMem on the first SendMemSize bytes of b.
func sendMemView(b []byte) *SendMem {
	_ = b[SendMemSize-1]
	return (*SendMem)(unsafe.Pointer(&b[0]))
}

// recvMemView overlays a RecvMem on the first RecvMemSize bytes of b.
func recvMemView(b []byte) *RecvMem {
	_ = b[RecvMemSize-1]
	return (*RecvMem)(unsafe.Pointer(&b[0]))
}

// Direct-access flags advertised on a wired connection.
const (
	DirectRead  = uint8(1) << 0
	DirectWrite = uint8(1) << 1
	IPCRead     = uint8(1) << 2
	IPCWrite    = uint8(1) << 3
)

// Conn is the wired data plane of one connection: where the pipeline's head,
// tail and size FIFO live, and which buffer carries slot payloads. The
// pointer fields alias local, remote-mapped, or mailbox memory depending on
// the negotiated mode.
type Conn struct {
	Head     *SendMem // consumer acknowledge location
	Tail     *RecvMem // producer publish location + size FIFO
	Buf      []byte   // data-plane buffer (slot payloads)
	OffsFifo []int    // per-slot byte offsets into Buf when multiplexing
	Direct   uint8    // DirectRead/DirectWrite/IPCRead/IPCWrite bits
}
