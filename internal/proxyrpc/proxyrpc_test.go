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

package proxyrpc

import (
	"context"
	"net"
	"strings"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/chhwang/nccl/internal/config"
	"github.com/chhwang/nccl/internal/device"
	"github.com/chhwang/nccl/internal/transport/p2p"
)

type stubTopo struct{}

func (stubTopo) CheckP2P(_, _ int64) (bool, bool, int, error) {
	return true, false, p2p.NoIntermediate, nil
}

// rpcFixture wires a transport whose proxy calls travel over gRPC to a
// server fronting in-process handlers, as two cooperating processes would.
func rpcFixture(t *testing.T, cfg *config.Config) (*p2p.Transport, []p2p.PeerInfo, *Dialer) {
	t.Helper()

	peers := []p2p.PeerInfo{
		p2p.LocalPeerInfo(0, 0, 0x10),
		p2p.LocalPeerInfo(1, 1, 0x20),
	}
	peers[1].PidHash++ // the peer rank lives in another process
	prov := device.NewProvider([]device.Info{{BusID: 0x10}, {BusID: 0x20}})

	lis := bufconn.Listen(1 << 20)
	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { cc.Close() })

	dialer := NewDialer(cc)
	tr := p2p.New(prov, stubTopo{}, cfg, dialer, peers)
	inner := p2p.NewLoopbackDialer()
	for _, pi := range peers {
		inner.Register(pi.Rank, tr.NewProxyHandler(pi.Dev))
	}

	gs := grpc.NewServer()
	NewServer(inner).Register(gs)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	return tr, peers, dialer
}

func TestHandshakeOverRPC(t *testing.T) {
	tr, peers, _ := rpcFixture(t, config.Default())

	sendC, sendInfo, err := tr.SendSetup(&peers[0], &peers[1], p2p.SetupOptions{})
	if err != nil {
		t.Fatalf("SendSetup: %v", err)
	}
	defer sendC.Free()
	recvC, recvInfo, err := tr.RecvSetup(&peers[1], &peers[0], p2p.SetupOptions{})
	if err != nil {
		t.Fatalf("RecvSetup: %v", err)
	}
	defer recvC.Free()

	if sendInfo.Buffer.Kind != p2p.PeerBufferIPC {
		t.Fatalf("buffer kind %d, want PeerBufferIPC", sendInfo.Buffer.Kind)
	}
	if err := tr.SendConnect(sendC, &peers[0], recvInfo); err != nil {
		t.Fatalf("SendConnect: %v", err)
	}
	if err := tr.RecvConnect(recvC, &peers[1], sendInfo); err != nil {
		t.Fatalf("RecvConnect: %v", err)
	}

	sendC.Conn.Tail.SetTail(5)
	if got := recvC.Conn.Tail.Tail(); got != 5 {
		t.Fatalf("consumer tail = %d, want 5", got)
	}
	if err := sendC.Free(); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := recvC.Free(); err != nil {
		t.Fatalf("Free: %v", err)
	}
}

func TestStagedCopyNeedsLocalProxy(t *testing.T) {
	cfg := config.Default()
	cfg.P2PUseStagedCopy = true
	tr, peers, _ := rpcFixture(t, cfg)

	if _, _, err := tr.SendSetup(&peers[0], &peers[1], p2p.SetupOptions{}); err == nil {
		t.Fatal("staged copy over a remote proxy should fail")
	}
}

func TestCallErrorSurfaces(t *testing.T) {
	_, _, dialer := rpcFixture(t, config.Default())

	pc, err := dialer.Dial(0, true)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer pc.Close()

	// A malformed request comes back as a proxy error, not a stream
	// failure, and the stream stays usable.
	if _, err := pc.Call(p2p.MsgSetup, []byte{1, 2, 3}, 24); err == nil {
		t.Fatal("malformed setup request should fail")
	} else if !strings.Contains(err.Error(), "payload") {
		t.Fatalf("unexpected error text: %v", err)
	}
	if _, err := pc.Call(p2p.MsgFree, nil, 0); err != nil {
		t.Fatalf("stream unusable after proxy error: %v", err)
	}
}
