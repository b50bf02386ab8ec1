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
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/chhwang/nccl/internal/device"
)

// SetupOptions selects the channel slice a connection occupies and lets the
// caller force write orientation regardless of the topology hint.
type SetupOptions struct {
	ChannelID  int
	GraphID    int
	ForceWrite bool
}

// Connector is one half of a point-to-point connection. Setup allocates its
// resources through the owning rank's proxy, Connect wires the data plane
// against the peer's ConnectInfo, and Free releases everything. Free is
// idempotent and safe after a partial setup.
type Connector struct {
	// Conn is the wired data plane, valid after Connect.
	Conn Conn

	t     *Transport
	proxy ProxyConn
	state *ProxyState // staged-copy resources, send side only

	devMem      *device.Memory // local control-block allocation
	localOpened bool
	remMem      *device.Memory // peer's allocation, mapped at connect
	remOpened   bool
	shm         *Mailbox // staging mailbox, recv side only

	send      bool
	staged    bool
	useRead   bool
	channelID int
	graphID   int
	freed     bool
}

// ProxyState returns the staged-copy resources driving this connection's
// engine, nil unless this is a staged send connector.
func (c *Connector) ProxyState() *ProxyState { return c.state }

func encodeSetupReq(size int, staged bool) []byte {
	b := make([]byte, setupReqSize)
	binary.LittleEndian.PutUint64(b[0x00:], uint64(size))
	if staged {
		binary.LittleEndian.PutUint64(b[0x08:], setupFlagStaged)
	}
	return b
}

// choosePeerBuffer picks the buffer arm the mapper will use: the pointer
// token when mapper and owner share a process and direct mapping is not
// disabled, the inter-process handle otherwise.
func (t *Transport) choosePeerBuffer(mapper, owner *PeerInfo, direct uint64, ipc device.IPCHandle, hasIPC bool) (PeerBuffer, error) {
	if mapper.SameProcess(owner) && !t.cfg.P2PDirectDisable {
		return PeerBuffer{Kind: PeerBufferDirect, DirectPtr: direct}, nil
	}
	if !hasIPC {
		return PeerBuffer{}, fmt.Errorf("%w: peer buffer on rank %d is not shareable across processes",
			ErrInternal, owner.Rank)
	}
	return PeerBuffer{Kind: PeerBufferIPC, IPC: ipc}, nil
}

// mapPeerBuffer makes a peer's allocation addressable locally: resolving
// the pointer token within a process (enabling peer access across devices
// first), or opening the inter-process handle. opened reports whether Free
// must close an IPC mapping.
func (t *Transport) mapPeerBuffer(my, owner *PeerInfo, pb *PeerBuffer) (mem *device.Memory, opened bool, err error) {
	switch pb.Kind {
	case PeerBufferDirect:
		if !my.SameProcess(owner) {
			return nil, false, fmt.Errorf("%w: pointer token from rank %d in another process",
				ErrInternal, owner.Rank)
		}
		if my.Dev != owner.Dev {
			if err := t.prov.EnablePeerAccess(my.Dev, owner.Dev); err != nil {
				return nil, false, fmt.Errorf("peer access %d -> %d: %w", my.Dev, owner.Dev, err)
			}
		}
		mem, err = t.prov.Resolve(pb.DirectPtr)
		return mem, false, err
	case PeerBufferIPC:
		mem, err = t.prov.OpenIPCHandle(pb.IPC)
		return mem, true, err
	}
	return nil, false, fmt.Errorf("%w: unknown peer buffer kind %d", ErrInternal, pb.Kind)
}

// ownerRank chooses the rank whose proxy owns this side's resources: the
// local rank on a direct path, the relay rank otherwise.
func ownerRank(my *PeerInfo, path PathInfo) int {
	if path.IntermediateRank != NoIntermediate {
		return path.IntermediateRank
	}
	return my.Rank
}

func (t *Transport) directFlags(my, peer *PeerInfo, path PathInfo, staged, useRead bool) uint8 {
	if staged {
		return 0
	}
	if path.IntermediateRank == NoIntermediate && my.SameProcess(peer) && !t.cfg.P2PDirectDisable {
		if useRead {
			return DirectRead
		}
		return DirectWrite
	}
	if useRead {
		return IPCRead
	}
	return IPCWrite
}

// SendSetup allocates the send side of a connection to peer and returns the
// connector together with the handshake payload for the peer's RecvConnect.
func (t *Transport) SendSetup(my, peer *PeerInfo, opts SetupOptions) (*Connector, *ConnectInfo, error) {
	path, err := t.pathInfo(my, peer)
	if err != nil {
		return nil, nil, err
	}
	staged := t.cfg.P2PUseStagedCopy
	if staged && path.IntermediateRank != NoIntermediate {
		return nil, nil, fmt.Errorf("%w: staged copy cannot traverse a relay rank", ErrInternal)
	}
	useRead := path.UseRead && !opts.ForceWrite

	rank := ownerRank(my, path)
	owner := &t.peers[rank]
	proxy, err := t.dialer.Dial(rank, true)
	if err != nil {
		return nil, nil, err
	}

	c := &Connector{
		t:         t,
		proxy:     proxy,
		send:      true,
		staged:    staged,
		useRead:   useRead,
		channelID: opts.ChannelID,
		graphID:   opts.GraphID,
	}
	info := &ConnectInfo{
		Rank:      int32(rank),
		UseRead:   useRead,
		Staged:    staged,
		GraphID:   int32(opts.GraphID),
		ChannelID: int32(opts.ChannelID),
	}

	if staged {
		resp, err := proxy.Call(MsgSetup, encodeSetupReq(0, true), stagedSetupRespSize)
		if err != nil {
			c.Free()
			return nil, nil, err
		}
		copy(info.MailboxName[:], resp[0x00:0x08])
		info.MailboxSize = int32(binary.LittleEndian.Uint32(resp[0x08:]))
		c.state = proxy.State()
		if c.state == nil {
			c.Free()
			return nil, nil, fmt.Errorf("%w: staged copy requires an in-process proxy", ErrInternal)
		}
	} else {
		sendSize := SendMemSize
		if useRead {
			sendSize += t.BuffSize()
		}
		sendSize = AlignUp(sendSize, IPCAlign)
		resp, err := proxy.Call(MsgSetup, encodeSetupReq(sendSize, false), peerBufferWireSize)
		if err != nil {
			c.Free()
			return nil, nil, err
		}
		direct, ipc, hasIPC, err := decodePeerBuffer(resp)
		if err != nil {
			c.Free()
			return nil, nil, err
		}
		local, err := t.choosePeerBuffer(my, owner, direct, ipc, hasIPC)
		if err == nil {
			c.devMem, c.localOpened, err = t.mapPeerBuffer(my, owner, &local)
		}
		if err != nil {
			c.Free()
			return nil, nil, err
		}
		if info.Buffer, err = t.choosePeerBuffer(peer, owner, direct, ipc, hasIPC); err != nil {
			c.Free()
			return nil, nil, err
		}
	}

	c.Conn.Direct = t.directFlags(my, peer, path, staged, useRead)
	t.logSetup("send", my, peer, opts, path, staged, useRead)
	return c, info, nil
}

// RecvSetup allocates the receive side of a connection from peer and
// returns the connector together with the handshake payload for the peer's
// SendConnect.
func (t *Transport) RecvSetup(my, peer *PeerInfo, opts SetupOptions) (*Connector, *ConnectInfo, error) {
	path, err := t.pathInfo(my, peer)
	if err != nil {
		return nil, nil, err
	}
	staged := t.cfg.P2PUseStagedCopy
	if staged && path.IntermediateRank != NoIntermediate {
		return nil, nil, fmt.Errorf("%w: staged copy cannot traverse a relay rank", ErrInternal)
	}
	useRead := path.UseRead && !opts.ForceWrite

	rank := ownerRank(my, path)
	owner := &t.peers[rank]
	proxy, err := t.dialer.Dial(rank, false)
	if err != nil {
		return nil, nil, err
	}

	c := &Connector{
		t:         t,
		proxy:     proxy,
		staged:    staged,
		useRead:   useRead,
		channelID: opts.ChannelID,
		graphID:   opts.GraphID,
	}
	info := &ConnectInfo{
		Rank:      int32(rank),
		UseRead:   useRead,
		Staged:    staged,
		GraphID:   int32(opts.GraphID),
		ChannelID: int32(opts.ChannelID),
	}

	recvSize := RecvMemSize
	if !useRead {
		recvSize += t.BuffSize()
	}
	recvSize = AlignUp(recvSize, IPCAlign)
	resp, err := proxy.Call(MsgSetup, encodeSetupReq(recvSize, staged), peerBufferWireSize)
	if err != nil {
		c.Free()
		return nil, nil, err
	}
	direct, ipc, hasIPC, err := decodePeerBuffer(resp)
	if err != nil {
		c.Free()
		return nil, nil, err
	}
	local, err := t.choosePeerBuffer(my, owner, direct, ipc, hasIPC)
	if err == nil {
		c.devMem, c.localOpened, err = t.mapPeerBuffer(my, owner, &local)
	}
	if err != nil {
		c.Free()
		return nil, nil, err
	}
	if info.Buffer, err = t.choosePeerBuffer(peer, owner, direct, ipc, hasIPC); err != nil {
		c.Free()
		return nil, nil, err
	}

	c.Conn.Direct = t.directFlags(my, peer, path, staged, useRead)
	t.logSetup("recv", my, peer, opts, path, staged, useRead)
	return c, info, nil
}

// slotOffsets computes the byte offsets multiplexing one connection's
// pipeline slots into a buffer shared across channels and graph kinds.
func (t *Transport) slotOffsets(channelID, graphID int) []int {
	offs := make([]int, PipelineDepth)
	for i := range offs {
		offs[i] = t.slotSize * (i*t.nChannels + channelID + graphID*PipelineDepth*t.nChannels)
	}
	return offs
}

// SendConnect wires the send-side data plane against the peer's handshake
// payload.
func (t *Transport) SendConnect(c *Connector, my *PeerInfo, remote *ConnectInfo) error {
	if !c.send {
		return fmt.Errorf("%w: send connect on a recv connector", ErrInternal)
	}
	owner := &t.peers[remote.Rank]
	mem, opened, err := t.mapPeerBuffer(my, owner, &remote.Buffer)
	if err != nil {
		return err
	}
	c.remMem, c.remOpened = mem, opened

	if c.staged {
		copy(c.state.Offsets, t.slotOffsets(c.channelID, c.graphID))
		req := make([]byte, connectReqSize)
		binary.LittleEndian.PutUint64(req[0x00:], mem.Ptr())
		binary.LittleEndian.PutUint64(req[0x08:], RecvMemSize)
		if _, err := c.proxy.Call(MsgConnect, req, 0); err != nil {
			return err
		}
		c.Conn.Head = c.state.Shm.Send
		c.Conn.Tail = c.state.CeRecv
		c.Conn.Buf = c.state.CeDevBuf.Bytes()
		c.Conn.OffsFifo = c.state.Offsets
		return nil
	}

	if c.useRead && c.devMem.Size() < SendMemSize+t.BuffSize() {
		return fmt.Errorf("%w: read orientation without a send-side buffer", ErrInternal)
	}
	c.Conn.Head = sendMemView(c.devMem.Bytes())
	c.Conn.Tail = recvMemView(mem.Bytes())
	if c.useRead {
		c.Conn.Buf = c.devMem.Bytes()[SendMemSize:]
	} else {
		c.Conn.Buf = mem.Bytes()[RecvMemSize:]
	}
	c.Conn.OffsFifo = plainOffsets(t.slotSize)
	return nil
}

// RecvConnect wires the receive-side data plane against the peer's
// handshake payload.
func (t *Transport) RecvConnect(c *Connector, my *PeerInfo, remote *ConnectInfo) error {
	if c.send {
		return fmt.Errorf("%w: recv connect on a send connector", ErrInternal)
	}

	if remote.Staged {
		name := string(bytes.TrimRight(remote.MailboxName[:], "\x00"))
		shm, err := OpenMailbox(name, int(remote.MailboxSize))
		if err != nil {
			return err
		}
		c.shm = shm
		c.Conn.Head = shm.Send
		c.Conn.Tail = shm.Recv
		c.Conn.Buf = c.devMem.Bytes()[RecvMemSize:]
		c.Conn.OffsFifo = t.slotOffsets(c.channelID, c.graphID)
		return nil
	}

	owner := &t.peers[remote.Rank]
	mem, opened, err := t.mapPeerBuffer(my, owner, &remote.Buffer)
	if err != nil {
		return err
	}
	c.remMem, c.remOpened = mem, opened

	if c.useRead && mem.Size() < SendMemSize+t.BuffSize() {
		return fmt.Errorf("%w: read orientation without a send-side buffer", ErrInternal)
	}
	c.Conn.Head = sendMemView(mem.Bytes())
	c.Conn.Tail = recvMemView(c.devMem.Bytes())
	if c.useRead {
		c.Conn.Buf = mem.Bytes()[SendMemSize:]
	} else {
		c.Conn.Buf = c.devMem.Bytes()[RecvMemSize:]
	}
	c.Conn.OffsFifo = plainOffsets(t.slotSize)
	return nil
}

func plainOffsets(slotSize int) []int {
	offs := make([]int, PipelineDepth)
	for i := range offs {
		offs[i] = i * slotSize
	}
	return offs
}

// Free releases the connector's resources: mailbox, IPC mappings, and the
// proxy-side allocations. It may be called at any point after setup,
// including after a failed or partial connect, and again after success.
func (c *Connector) Free() error {
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
	if c.shm != nil {
		keep(c.shm.Close())
		c.shm = nil
	}
	if c.remOpened && c.remMem != nil {
		keep(c.t.prov.CloseIPCHandle(c.remMem))
	}
	c.remMem = nil
	if c.localOpened && c.devMem != nil {
		keep(c.t.prov.CloseIPCHandle(c.devMem))
	}
	c.devMem = nil
	c.state = nil
	if c.proxy != nil {
		if _, err := c.proxy.Call(MsgFree, nil, 0); err != nil {
			keep(err)
		}
		keep(c.proxy.Close())
		c.proxy = nil
	}
	c.Conn = Conn{}
	return first
}

func (t *Transport) logSetup(side string, my, peer *PeerInfo, opts SetupOptions, path PathInfo, staged, useRead bool) {
	mode := "direct pointer"
	switch {
	case staged:
		mode = "shared memory staging"
	case !my.SameProcess(peer) || t.cfg.P2PDirectDisable:
		mode = "memory handle"
	}
	ev := t.log.Info().
		Str("side", side).
		Int("channel", opts.ChannelID).
		Int("graph", opts.GraphID).
		Int("rank", my.Rank).
		Int("peer", peer.Rank).
		Bool("read", useRead).
		Str("mode", mode)
	if path.IntermediateRank != NoIntermediate {
		ev = ev.Int("relay", path.IntermediateRank)
	}
	ev.Msg("p2p channel wired")
}
