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
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/chhwang/nccl/internal/device"
)

// Proxy wire formats (little-endian). Request and response lengths are
// fixed per operation and checked exactly; any mismatch is ErrProxySize.
const (
	// setup request: 0x00 size uint64, 0x08 flags uint64 (bit0 staged)
	setupReqSize = 16
	// buffer response: 0x00 flags uint8 (bit0 direct, bit1 ipc), 0x01
	// reserved, 0x08 directPtr uint64, 0x10 ipcHandle uint64
	peerBufferWireSize = 24
	// staged send setup response: 0x00 mailboxName [8]byte, 0x08
	// mailboxSize int32, 0x0C reserved
	stagedSetupRespSize = 16
	// staged send connect request: 0x00 ptr uint64, 0x08 offset uint64
	connectReqSize = 16
)

const setupFlagStaged = uint64(1)

const (
	peerBufferHasDirect = uint8(1) << 0
	peerBufferHasIPC    = uint8(1) << 1
)

// ProxyState holds the staged-copy resources a proxy keeps per send
// connection: the mailbox shared with the consumer, the producer-facing
// control block, the pooled staging buffer, and the copy machinery.
type ProxyState struct {
	// Shm is the mailbox carrying head and tail between the two sides.
	Shm *Mailbox
	// CeRecv is the producer-facing control block in host memory. The
	// producer publishes its tail and per-slot sizes here; the engine
	// consumes them.
	CeRecv *RecvMem
	// CeDevBuf is the pooled staging buffer. Slots of this connection
	// live at Offsets into it.
	CeDevBuf *device.Memory
	// Offsets maps pipeline slots to byte offsets valid for both the
	// staging buffer and the destination view.
	Offsets []int
	// DestMem is the consumer's destination buffer, mapped at connect.
	DestMem *device.Memory
	// DestView is the slot region of DestMem, past its control header.
	DestView []byte
	// Step is the resumption point carried across operations.
	Step uint64
	// Stream orders the engine's copies.
	Stream *device.Stream
	// Events track slot completion, one per pipeline slot.
	Events [PipelineDepth]*CopyEvent
}

// ProxyHandler serves proxy operations for one endpoint's resources.
type ProxyHandler struct {
	prov      *device.Provider
	pool      *BufferPool
	dev       int
	nChannels int
	slotSize  int
	log       zerolog.Logger
}

func (h *ProxyHandler) buffSize() int { return h.slotSize * PipelineDepth }

func sizeErr(op string, got, want int) error {
	return fmt.Errorf("%w: %s payload is %d bytes, expected %d", ErrProxySize, op, got, want)
}

func encodePeerBuffer(mem *device.Memory, ipc device.IPCHandle, hasIPC bool) []byte {
	b := make([]byte, peerBufferWireSize)
	flags := peerBufferHasDirect
	if hasIPC {
		flags |= peerBufferHasIPC
	}
	b[0x00] = flags
	binary.LittleEndian.PutUint64(b[0x08:], mem.Ptr())
	if hasIPC {
		binary.LittleEndian.PutUint64(b[0x10:], ipc.ID)
	}
	return b
}

func decodePeerBuffer(b []byte) (direct uint64, ipc device.IPCHandle, hasIPC bool, err error) {
	if len(b) != peerBufferWireSize {
		return 0, device.IPCHandle{}, false, sizeErr("buffer response", len(b), peerBufferWireSize)
	}
	if b[0x00]&peerBufferHasDirect == 0 {
		return 0, device.IPCHandle{}, false, fmt.Errorf("%w: buffer response without pointer", ErrInternal)
	}
	direct = binary.LittleEndian.Uint64(b[0x08:])
	if b[0x00]&peerBufferHasIPC != 0 {
		hasIPC = true
		ipc = device.IPCHandle{ID: binary.LittleEndian.Uint64(b[0x10:])}
	}
	return direct, ipc, hasIPC, nil
}

// exportHandle exports an inter-process handle for mem when the platform
// supports any. An unsupported platform is not an error; the buffer is then
// only reachable through its pointer token.
func (h *ProxyHandler) exportHandle(mem *device.Memory) (device.IPCHandle, bool, error) {
	ipc, err := h.prov.GetIPCHandle(mem)
	if errors.Is(err, device.ErrHandleUnsupported) {
		return device.IPCHandle{}, false, nil
	}
	if err != nil {
		return device.IPCHandle{}, false, err
	}
	return ipc, true, nil
}

// allocShareable allocates size bytes and exports an inter-process handle
// when the provider supports one.
func (h *ProxyHandler) allocShareable(size int) (*device.Memory, device.IPCHandle, bool, error) {
	mem, err := h.prov.Alloc(h.dev, size)
	if err != nil {
		return nil, device.IPCHandle{}, false, err
	}
	ipc, hasIPC, err := h.exportHandle(mem)
	if err != nil {
		mem.Free()
		return nil, device.IPCHandle{}, false, err
	}
	return mem, ipc, hasIPC, nil
}

func (h *ProxyHandler) sendSetup(c *loopConn, req []byte, respSize int) ([]byte, error) {
	if len(req) != setupReqSize {
		return nil, sizeErr("send setup request", len(req), setupReqSize)
	}
	size := int(binary.LittleEndian.Uint64(req[0x00:]))
	staged := binary.LittleEndian.Uint64(req[0x08:])&setupFlagStaged != 0

	if staged {
		if respSize != stagedSetupRespSize {
			return nil, sizeErr("send setup response", respSize, stagedSetupRespSize)
		}
		st := &ProxyState{CeRecv: new(RecvMem), Offsets: make([]int, PipelineDepth)}
		shm, err := CreateMailbox()
		if err != nil {
			return nil, fmt.Errorf("staging mailbox: %w", err)
		}
		st.Shm = shm
		total := h.buffSize() * h.nChannels * GraphKinds
		st.CeDevBuf, err = h.pool.Attach(PoolSendStaging, h.dev, h.buffSize(), total)
		if err != nil {
			shm.Close()
			return nil, err
		}
		c.state = st
		resp := make([]byte, stagedSetupRespSize)
		copy(resp[0x00:], shm.Name())
		binary.LittleEndian.PutUint32(resp[0x08:], uint32(shm.Size()))
		return resp, nil
	}

	if respSize != peerBufferWireSize {
		return nil, sizeErr("send setup response", respSize, peerBufferWireSize)
	}
	mem, ipc, hasIPC, err := h.allocShareable(size)
	if err != nil {
		return nil, err
	}
	c.mem = mem
	return encodePeerBuffer(mem, ipc, hasIPC), nil
}

func (h *ProxyHandler) recvSetup(c *loopConn, req []byte, respSize int) ([]byte, error) {
	if len(req) != setupReqSize {
		return nil, sizeErr("recv setup request", len(req), setupReqSize)
	}
	if respSize != peerBufferWireSize {
		return nil, sizeErr("recv setup response", respSize, peerBufferWireSize)
	}
	size := int(binary.LittleEndian.Uint64(req[0x00:]))
	staged := binary.LittleEndian.Uint64(req[0x08:])&setupFlagStaged != 0

	if staged {
		// The destination buffer is shared across channels and graph
		// kinds; connections address it through slot offsets.
		total := AlignUp(RecvMemSize+h.buffSize()*h.nChannels*GraphKinds, IPCAlign)
		mem, err := h.pool.Attach(PoolRecvDest, h.dev, size, total)
		if err != nil {
			return nil, err
		}
		c.pooledKind = PoolRecvDest
		c.pooledSize = size
		c.pooled = true
		ipc, hasIPC, err := h.exportHandle(mem)
		if err != nil {
			h.pool.Detach(PoolRecvDest, h.dev, size)
			c.pooled = false
			return nil, err
		}
		return encodePeerBuffer(mem, ipc, hasIPC), nil
	}

	mem, ipc, hasIPC, err := h.allocShareable(size)
	if err != nil {
		return nil, err
	}
	c.mem = mem
	return encodePeerBuffer(mem, ipc, hasIPC), nil
}

func (h *ProxyHandler) sendConnect(c *loopConn, req []byte, respSize int) ([]byte, error) {
	if len(req) != connectReqSize {
		return nil, sizeErr("send connect request", len(req), connectReqSize)
	}
	if respSize != 0 {
		return nil, sizeErr("send connect response", respSize, 0)
	}
	st := c.state
	if st == nil {
		return nil, fmt.Errorf("%w: connect on a connection without staged state", ErrInternal)
	}
	ptr := binary.LittleEndian.Uint64(req[0x00:])
	off := int(binary.LittleEndian.Uint64(req[0x08:]))
	mem, err := h.prov.Resolve(ptr)
	if err != nil {
		return nil, fmt.Errorf("destination buffer: %w", err)
	}
	if off < 0 || off > mem.Size() {
		return nil, fmt.Errorf("%w: destination offset %d exceeds %d", ErrInternal, off, mem.Size())
	}
	st.DestMem = mem
	st.DestView = mem.Bytes()[off:]
	if st.Stream, err = h.prov.NewStream(h.dev); err != nil {
		return nil, err
	}
	for i := range st.Events {
		st.Events[i] = NewCopyEvent(h.prov)
	}
	return []byte{}, nil
}

func (h *ProxyHandler) free(c *loopConn) error {
	if c.freed {
		return nil
	}
	c.freed = true
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if st := c.state; st != nil {
		if st.Stream != nil {
			keep(st.Stream.Destroy())
		}
		if st.Shm != nil {
			keep(st.Shm.Close())
		}
		keep(h.pool.Detach(PoolSendStaging, h.dev, h.buffSize()))
		c.state = nil
	}
	if c.pooled {
		keep(h.pool.Detach(c.pooledKind, h.dev, c.pooledSize))
		c.pooled = false
	}
	if c.mem != nil {
		keep(c.mem.Free())
		c.mem = nil
	}
	if first != nil {
		h.log.Warn().Err(first).Msg("proxy free left resources behind")
	}
	return first
}

// LoopbackDialer routes proxy calls to in-process handlers, one per rank.
// It stands in for the proxy service thread when every participant runs
// in a single test process.
type LoopbackDialer struct {
	mu       sync.Mutex
	handlers map[int]*ProxyHandler
}

// NewLoopbackDialer creates an empty dialer.
func NewLoopbackDialer() *LoopbackDialer {
	return &LoopbackDialer{handlers: make(map[int]*ProxyHandler)}
}

// Register installs the handler serving rank's resources.
func (d *LoopbackDialer) Register(rank int, h *ProxyHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[rank] = h
}

// Dial returns a connection to rank's proxy.
func (d *LoopbackDialer) Dial(rank int, send bool) (ProxyConn, error) {
	d.mu.Lock()
	h := d.handlers[rank]
	d.mu.Unlock()
	if h == nil {
		return nil, fmt.Errorf("%w: no proxy registered for rank %d", ErrInternal, rank)
	}
	return &loopConn{h: h, send: send}, nil
}

type loopConn struct {
	h    *ProxyHandler
	send bool

	state      *ProxyState
	mem        *device.Memory
	pooled     bool
	pooledKind PoolKind
	pooledSize int
	freed      bool
}

func (c *loopConn) Call(msg ProxyMsgType, req []byte, respSize int) ([]byte, error) {
	var resp []byte
	var err error
	switch {
	case msg == MsgSetup && c.send:
		resp, err = c.h.sendSetup(c, req, respSize)
	case msg == MsgSetup:
		resp, err = c.h.recvSetup(c, req, respSize)
	case msg == MsgConnect && c.send:
		resp, err = c.h.sendConnect(c, req, respSize)
	case msg == MsgFree:
		if len(req) != 0 || respSize != 0 {
			return nil, sizeErr("free", len(req), 0)
		}
		return []byte{}, c.h.free(c)
	default:
		return nil, fmt.Errorf("%w: proxy message %d not supported on this side", ErrInternal, msg)
	}
	if err != nil {
		return nil, err
	}
	if len(resp) != respSize {
		return nil, sizeErr("response", len(resp), respSize)
	}
	return resp, nil
}

func (c *loopConn) State() *ProxyState { return c.state }

func (c *loopConn) Close() error { return c.h.free(c) }
