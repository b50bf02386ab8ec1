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

// p2pdiag exercises the peer transport against the host-backed device
// provider: capability probing and a loopback transfer over every mode the
// transport negotiates (direct, handle-mapped, staged copy).
package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/chhwang/nccl/internal/config"
	"github.com/chhwang/nccl/internal/device"
	"github.com/chhwang/nccl/internal/transport/p2p"
)

var (
	pass = color.New(color.FgGreen, color.Bold).SprintFunc()
	fail = color.New(color.FgRed, color.Bold).SprintFunc()
	note = color.New(color.FgCyan).SprintFunc()
)

// flatTopology reports every pair as directly connected.
type flatTopology struct {
	useRead bool
}

func (t flatTopology) CheckP2P(_, _ int64) (bool, bool, int, error) {
	return true, t.useRead, p2p.NoIntermediate, nil
}

type diagOptions struct {
	channels int
	slotSize int
	staged   bool
	read     bool
	steps    int
	merge    bool
}

func main() {
	opts := &diagOptions{}

	root := &cobra.Command{
		Use:           "p2pdiag",
		Short:         "Diagnostics for the peer-to-peer transport",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().IntVar(&opts.channels, "channels", 2, "logical channels multiplexing shared buffers")
	root.PersistentFlags().IntVar(&opts.slotSize, "slot-size", p2p.DefaultSlotSize, "per-slot stride in bytes")

	transfer := &cobra.Command{
		Use:   "transfer",
		Short: "Run a loopback transfer between two simulated ranks",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runTransfer(opts)
		},
	}
	transfer.Flags().BoolVar(&opts.staged, "staged", false, "route through the proxy staging buffer")
	transfer.Flags().BoolVar(&opts.read, "read", false, "prefer read-oriented transfers")
	transfer.Flags().IntVar(&opts.steps, "steps", 6, "pipeline steps to move")
	transfer.Flags().BoolVar(&opts.merge, "merge", true, "coalesce staged copies")

	probe := &cobra.Command{
		Use:   "probe",
		Short: "Probe transport capabilities between two simulated ranks",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runProbe(opts)
		},
	}

	root.AddCommand(transfer, probe)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", fail("error:"), err)
		os.Exit(1)
	}
}

func buildFixture(opts *diagOptions, cfg *config.Config) (*p2p.Transport, *device.Provider, []p2p.PeerInfo) {
	peers := []p2p.PeerInfo{
		p2p.LocalPeerInfo(0, 0, 0x10),
		p2p.LocalPeerInfo(1, 1, 0x20),
	}
	prov := device.NewProvider([]device.Info{{BusID: 0x10}, {BusID: 0x20}})
	dialer := p2p.NewLoopbackDialer()
	tr := p2p.New(prov, flatTopology{useRead: opts.read}, cfg, dialer, peers,
		p2p.WithChannels(opts.channels), p2p.WithSlotSize(opts.slotSize))
	for _, pi := range peers {
		dialer.Register(pi.Rank, tr.NewProxyHandler(pi.Dev))
	}
	return tr, prov, peers
}

func runProbe(opts *diagOptions) error {
	tr, _, peers := buildFixture(opts, config.Default())

	ok, err := tr.CanConnect(&peers[0], &peers[1])
	if err != nil {
		return err
	}
	verdict := pass("usable")
	if !ok {
		verdict = fail("unusable")
	}
	fmt.Printf("rank %d [busId %#x] <-> rank %d [busId %#x]: %s\n",
		peers[0].Rank, peers[0].BusID, peers[1].Rank, peers[1].BusID, verdict)
	fmt.Printf("  same process: %v, same host: %v\n",
		peers[0].SameProcess(&peers[1]), peers[0].SameHost(&peers[1]))
	fmt.Printf("  channels: %d, slot size: %d, channel buffer: %d bytes\n",
		tr.Channels(), tr.SlotSize(), tr.BuffSize())
	return nil
}

func runTransfer(opts *diagOptions) error {
	cfg := config.Default()
	cfg.P2PUseStagedCopy = opts.staged

	tr, prov, peers := buildFixture(opts, cfg)
	if ok, err := tr.CanConnect(&peers[0], &peers[1]); err != nil {
		return err
	} else if !ok {
		return errors.New("pair is not connectable")
	}

	sopts := p2p.SetupOptions{}
	sendC, sendInfo, err := tr.SendSetup(&peers[0], &peers[1], sopts)
	if err != nil {
		return err
	}
	defer sendC.Free()
	recvC, recvInfo, err := tr.RecvSetup(&peers[1], &peers[0], sopts)
	if err != nil {
		return err
	}
	defer recvC.Free()
	if err := tr.SendConnect(sendC, &peers[0], recvInfo); err != nil {
		return err
	}
	if err := tr.RecvConnect(recvC, &peers[1], sendInfo); err != nil {
		return err
	}

	mode := "direct"
	switch {
	case sendInfo.Staged:
		mode = "staged copy"
	case sendInfo.Buffer.Kind == p2p.PeerBufferIPC:
		mode = "handle mapped"
	}
	fmt.Printf("%s mode=%s read=%v steps=%d\n", note("wired:"), mode, sendInfo.UseRead, opts.steps)

	moved, err := pump(tr, sendC, recvC, opts)
	if err != nil {
		return err
	}
	fmt.Printf("%s moved %d bytes in %d steps, %d device copies issued\n",
		pass("ok:"), moved, opts.steps, prov.CopyCount())
	return nil
}

// pump pushes opts.steps slot payloads through the wired pair and verifies
// them on the consumer side.
func pump(tr *p2p.Transport, sendC, recvC *p2p.Connector, opts *diagOptions) (int, error) {
	if opts.steps > p2p.PipelineDepth {
		return 0, fmt.Errorf("steps capped at the pipeline depth (%d)", p2p.PipelineDepth)
	}

	moved := 0
	payload := func(step int) []byte {
		b := bytes.Repeat([]byte{byte('A' + step)}, tr.SlotSize())
		return b
	}
	for step := 0; step < opts.steps; step++ {
		slot := step % p2p.PipelineDepth
		p := payload(step)
		copy(sendC.Conn.Buf[sendC.Conn.OffsFifo[slot]:], p)
		sendC.Conn.Tail.SetFifoSize(slot, uint32(len(p)))
		sendC.Conn.Tail.SetTail(uint64(step + 1))
		moved += len(p)
	}

	if state := sendC.ProxyState(); state != nil {
		eng := tr.NewEngine(opts.merge)
		args := p2p.Args{
			State:      p2p.OpReady,
			ChunkSteps: 1,
			SliceSteps: 1,
			Subs:       []p2p.Sub{{Res: state, Nsteps: uint64(opts.steps)}},
		}
		deadline := time.Now().Add(10 * time.Second)
		for args.State != p2p.OpNone {
			if time.Now().After(deadline) {
				return 0, errors.New("staged transfer stalled")
			}
			if err := eng.Progress(&args); err != nil {
				return 0, err
			}
			if err := eng.Flush(); err != nil {
				return 0, err
			}
		}
	}

	if got := recvC.Conn.Tail.Tail(); got != uint64(opts.steps) {
		return 0, fmt.Errorf("consumer tail %d, expected %d", got, opts.steps)
	}
	for step := 0; step < opts.steps; step++ {
		slot := step % p2p.PipelineDepth
		off := recvC.Conn.OffsFifo[slot]
		if !bytes.Equal(recvC.Conn.Buf[off:off+tr.SlotSize()], payload(step)) {
			return 0, fmt.Errorf("step %d payload mismatch on the consumer side", step)
		}
	}
	recvC.Conn.Head.SetHead(uint64(opts.steps))
	if got := sendC.Conn.Head.Head(); got != uint64(opts.steps) {
		return 0, fmt.Errorf("producer head %d, expected %d", got, opts.steps)
	}
	return moved, nil
}
