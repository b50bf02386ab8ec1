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

	"github.com/chhwang/nccl/internal/config"
)

// wirePair runs the full two-phase handshake between ranks 0 (send) and 1
// (recv) and returns both connectors.
func wirePair(t *testing.T, tr *Transport, peers []PeerInfo, opts SetupOptions) (*Connector, *Connector) {
	t.Helper()
	sendC, sendInfo, err := tr.SendSetup(&peers[0], &peers[1], opts)
	if err != nil {
		t.Fatalf("SendSetup: %v", err)
	}
	recvC, recvInfo, err := tr.RecvSetup(&peers[1], &peers[0], opts)
	if err != nil {
		t.Fatalf("RecvSetup: %v", err)
	}
	if err := tr.SendConnect(sendC, &peers[0], recvInfo); err != nil {
		t.Fatalf("SendConnect: %v", err)
	}
	if err := tr.RecvConnect(recvC, &peers[1], sendInfo); err != nil {
		t.Fatalf("RecvConnect: %v", err)
	}
	t.Cleanup(func() {
		sendC.Free()
		recvC.Free()
	})
	return sendC, recvC
}

func TestConnectDirectWrite(t *testing.T) {
	peers := testPeers(2)
	tr, _ := newTestTransport(t, config.Default(), directTopo(), peers, nil)
	sendC, recvC := wirePair(t, tr, peers, SetupOptions{})

	if sendC.Conn.Direct != DirectWrite {
		t.Fatalf("send direct flags %#x, want DirectWrite", sendC.Conn.Direct)
	}
	if sendC.Conn.Tail != recvC.Conn.Tail {
		t.Fatal("both sides must share one tail location")
	}
	if sendC.Conn.Head != recvC.Conn.Head {
		t.Fatal("both sides must share one head location")
	}

	// Producer writes a slot and publishes; consumer sees both.
	off := sendC.Conn.OffsFifo[0]
	copy(sendC.Conn.Buf[off:], "payload")
	sendC.Conn.Tail.SetFifoSize(0, 7)
	sendC.Conn.Tail.SetTail(1)
	if got := recvC.Conn.Tail.Tail(); got != 1 {
		t.Fatalf("consumer tail = %d, want 1", got)
	}
	roff := recvC.Conn.OffsFifo[0]
	if string(recvC.Conn.Buf[roff:roff+7]) != "payload" {
		t.Fatal("payload did not arrive in the consumer's buffer view")
	}
	recvC.Conn.Head.SetHead(1)
	if got := sendC.Conn.Head.Head(); got != 1 {
		t.Fatalf("producer head = %d, want 1", got)
	}
}

func TestConnectReadOrientation(t *testing.T) {
	peers := testPeers(2)
	topo := &stubTopo{ok: true, useRead: true, relay: NoIntermediate}
	tr, _ := newTestTransport(t, config.Default(), topo, peers, nil)
	sendC, recvC := wirePair(t, tr, peers, SetupOptions{})

	if sendC.Conn.Direct != DirectRead {
		t.Fatalf("send direct flags %#x, want DirectRead", sendC.Conn.Direct)
	}
	// The buffer lives on the send side; both views alias it.
	off := sendC.Conn.OffsFifo[2]
	copy(sendC.Conn.Buf[off:], "readmode")
	roff := recvC.Conn.OffsFifo[2]
	if string(recvC.Conn.Buf[roff:roff+8]) != "readmode" {
		t.Fatal("consumer does not see the send-side buffer")
	}
}

func TestConnectForceWrite(t *testing.T) {
	peers := testPeers(2)
	topo := &stubTopo{ok: true, useRead: true, relay: NoIntermediate}
	tr, _ := newTestTransport(t, config.Default(), topo, peers, nil)
	sendC, _ := wirePair(t, tr, peers, SetupOptions{ForceWrite: true})

	if sendC.Conn.Direct != DirectWrite {
		t.Fatalf("send direct flags %#x, want DirectWrite", sendC.Conn.Direct)
	}
}

func TestConnectCrossProcess(t *testing.T) {
	peers := testPeers(2)
	peers[1].PidHash++ // peer lives in another process
	tr, _ := newTestTransport(t, config.Default(), directTopo(), peers, nil)

	sendC, sendInfo, err := tr.SendSetup(&peers[0], &peers[1], SetupOptions{})
	if err != nil {
		t.Fatalf("SendSetup: %v", err)
	}
	defer sendC.Free()
	if sendInfo.Buffer.Kind != PeerBufferIPC {
		t.Fatalf("handshake buffer kind %d, want PeerBufferIPC", sendInfo.Buffer.Kind)
	}

	recvC, recvInfo, err := tr.RecvSetup(&peers[1], &peers[0], SetupOptions{})
	if err != nil {
		t.Fatalf("RecvSetup: %v", err)
	}
	defer recvC.Free()
	if recvInfo.Buffer.Kind != PeerBufferIPC {
		t.Fatalf("handshake buffer kind %d, want PeerBufferIPC", recvInfo.Buffer.Kind)
	}

	if err := tr.SendConnect(sendC, &peers[0], recvInfo); err != nil {
		t.Fatalf("SendConnect: %v", err)
	}
	if err := tr.RecvConnect(recvC, &peers[1], sendInfo); err != nil {
		t.Fatalf("RecvConnect: %v", err)
	}
	if sendC.Conn.Direct != IPCWrite {
		t.Fatalf("send direct flags %#x, want IPCWrite", sendC.Conn.Direct)
	}

	// Shared backing still holds across the handle mapping.
	sendC.Conn.Tail.SetTail(3)
	if got := recvC.Conn.Tail.Tail(); got != 3 {
		t.Fatalf("consumer tail = %d, want 3", got)
	}
	if err := sendC.Free(); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := recvC.Free(); err != nil {
		t.Fatalf("Free: %v", err)
	}
}

func TestConnectDirectDisable(t *testing.T) {
	peers := testPeers(2)
	cfg := config.Default()
	cfg.P2PDirectDisable = true
	tr, _ := newTestTransport(t, cfg, directTopo(), peers, nil)

	sendC, sendInfo, err := tr.SendSetup(&peers[0], &peers[1], SetupOptions{})
	if err != nil {
		t.Fatalf("SendSetup: %v", err)
	}
	defer sendC.Free()
	if sendInfo.Buffer.Kind != PeerBufferIPC {
		t.Fatal("direct disable should force handle-based buffers")
	}
	if sendC.Conn.Direct != IPCWrite {
		t.Fatalf("send direct flags %#x, want IPCWrite", sendC.Conn.Direct)
	}
}

func TestFreeIdempotent(t *testing.T) {
	peers := testPeers(2)
	tr, _ := newTestTransport(t, config.Default(), directTopo(), peers, nil)

	// Free right after setup, before any connect.
	sendC, _, err := tr.SendSetup(&peers[0], &peers[1], SetupOptions{})
	if err != nil {
		t.Fatalf("SendSetup: %v", err)
	}
	if err := sendC.Free(); err != nil {
		t.Fatalf("Free after setup: %v", err)
	}
	if err := sendC.Free(); err != nil {
		t.Fatalf("second Free: %v", err)
	}

	// Free after a full handshake.
	sendC, recvC := wirePair(t, tr, peers, SetupOptions{})
	if err := sendC.Free(); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := sendC.Free(); err != nil {
		t.Fatalf("second Free: %v", err)
	}
	if err := recvC.Free(); err != nil {
		t.Fatalf("recv Free: %v", err)
	}
}

func TestStagedConnect(t *testing.T) {
	peers := testPeers(2)
	cfg := config.Default()
	cfg.P2PUseStagedCopy = true
	tr, _ := newTestTransport(t, cfg, directTopo(), peers, nil)

	sendC, sendInfo, err := tr.SendSetup(&peers[0], &peers[1], SetupOptions{})
	if err != nil {
		t.Fatalf("SendSetup: %v", err)
	}
	defer sendC.Free()
	if !sendInfo.Staged {
		t.Fatal("handshake should carry the staged flag")
	}
	if sendInfo.MailboxSize != MailboxSize {
		t.Fatalf("mailbox size %d, want %d", sendInfo.MailboxSize, MailboxSize)
	}
	state := sendC.ProxyState()
	if state == nil {
		t.Fatal("staged send connector must expose proxy state")
	}

	recvC, recvInfo, err := tr.RecvSetup(&peers[1], &peers[0], SetupOptions{})
	if err != nil {
		t.Fatalf("RecvSetup: %v", err)
	}
	defer recvC.Free()
	if err := tr.SendConnect(sendC, &peers[0], recvInfo); err != nil {
		t.Fatalf("SendConnect: %v", err)
	}
	if err := tr.RecvConnect(recvC, &peers[1], sendInfo); err != nil {
		t.Fatalf("RecvConnect: %v", err)
	}

	if sendC.Conn.Direct != 0 {
		t.Fatalf("staged mode must not advertise direct access, got %#x", sendC.Conn.Direct)
	}
	if sendC.Conn.Head != state.Shm.Send {
		t.Fatal("producer head must live in the mailbox")
	}
	if sendC.Conn.Tail != state.CeRecv {
		t.Fatal("producer tail must target the engine's control block")
	}
	if state.Stream == nil || state.DestMem == nil {
		t.Fatal("connect must arm the engine's stream and destination")
	}

	// Mailbox counters flow between the proxy and the consumer mapping.
	state.Shm.Recv.SetTail(4)
	if got := recvC.Conn.Tail.Tail(); got != 4 {
		t.Fatalf("consumer tail = %d, want 4", got)
	}
	recvC.Conn.Head.SetHead(2)
	if got := sendC.Conn.Head.Head(); got != 2 {
		t.Fatalf("producer head = %d, want 2", got)
	}

	// The engine's destination view aliases the consumer's buffer.
	copy(state.DestView[recvC.Conn.OffsFifo[0]:], "staged")
	if string(recvC.Conn.Buf[recvC.Conn.OffsFifo[0]:recvC.Conn.OffsFifo[0]+6]) != "staged" {
		t.Fatal("destination view does not alias the consumer buffer")
	}
}

func TestStagedPoolRefcounts(t *testing.T) {
	peers := testPeers(2)
	cfg := config.Default()
	cfg.P2PUseStagedCopy = true
	tr, _ := newTestTransport(t, cfg, directTopo(), peers, nil, WithChannels(3))

	buffSize := tr.BuffSize()
	var conns []*Connector
	for ch := 0; ch < 3; ch++ {
		sendC, _, err := tr.SendSetup(&peers[0], &peers[1], SetupOptions{ChannelID: ch})
		if err != nil {
			t.Fatalf("SendSetup ch%d: %v", ch, err)
		}
		conns = append(conns, sendC)
	}
	if got := tr.Pool().Refs(PoolSendStaging, 0, buffSize); got != 3 {
		t.Fatalf("staging refs = %d, want 3", got)
	}
	for _, c := range conns {
		if err := c.Free(); err != nil {
			t.Fatalf("Free: %v", err)
		}
	}
	if got := tr.Pool().Refs(PoolSendStaging, 0, buffSize); got != 0 {
		t.Fatalf("staging refs after free = %d, want 0", got)
	}
}

func TestSlotOffsetsDisjoint(t *testing.T) {
	peers := testPeers(2)
	tr, _ := newTestTransport(t, config.Default(), directTopo(), peers, nil, WithChannels(4))

	seen := make(map[int]bool)
	for graph := 0; graph < GraphKinds; graph++ {
		for ch := 0; ch < 4; ch++ {
			for _, off := range tr.slotOffsets(ch, graph) {
				if seen[off] {
					t.Fatalf("offset %d assigned twice", off)
				}
				seen[off] = true
				if off%tr.SlotSize() != 0 {
					t.Fatalf("offset %d not slot aligned", off)
				}
			}
		}
	}
	if len(seen) != PipelineDepth*4*GraphKinds {
		t.Fatalf("offset count = %d", len(seen))
	}
}
