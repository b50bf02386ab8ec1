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

// Package p2p implements the peer-to-peer data transport between two
// accelerators on the same host: capability negotiation, the two-phase
// setup/connect protocol (direct pointer, inter-process mapping, or staged
// copy through a proxy), and the polled progress engine that drives staged
// transfers to completion.
package p2p

import (
	"fmt"
	"os"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// PeerInfo identifies one endpoint of a connection.
type PeerInfo struct {
	Rank     int
	HostHash uint64 // same value iff endpoints share a host
	PidHash  uint64 // same value iff endpoints share a process
	ShmHash  uint64 // same value iff endpoints share a shared-memory domain
	Dev      int    // device index within the endpoint's process
	BusID    int64  // hardware address, host-wide
}

// SameProcess reports whether both endpoints live in one process.
func (p *PeerInfo) SameProcess(o *PeerInfo) bool { return p.PidHash == o.PidHash }

// SameHost reports whether both endpoints live on one host.
func (p *PeerInfo) SameHost(o *PeerInfo) bool { return p.HostHash == o.HostHash }

// LocalPeerInfo builds the identity of a local endpoint. The host hash folds
// in the hostname; the pid hash additionally folds in the process ID, so two
// processes on one host agree on the former and differ on the latter.
func LocalPeerInfo(rank, dev int, busID int64) PeerInfo {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	hostHash := xxhash.Sum64String(host)
	pidHash := xxhash.Sum64String(host + "-" + strconv.Itoa(os.Getpid()))
	return PeerInfo{
		Rank:     rank,
		HostHash: hostHash,
		PidHash:  pidHash,
		ShmHash:  hostHash,
		Dev:      dev,
		BusID:    busID,
	}
}

// NoIntermediate is the relay rank reported by topology when two endpoints
// reach each other without an intermediate hop.
const NoIntermediate = -1

// Topology supplies reachability and affinity hints. The transport treats it
// as an external collaborator; only the P2P path query is consumed here.
type Topology interface {
	// CheckP2P reports whether a P2P-capable path exists between the two
	// hardware addresses, whether the path prefers read-oriented transfers,
	// and the relay rank for indirect paths (NoIntermediate if direct).
	CheckP2P(busID1, busID2 int64) (ok bool, useRead bool, intermediateRank int, err error)
}

// PathInfo is the negotiated transfer shape for one endpoint pair.
type PathInfo struct {
	UseRead          bool
	IntermediateRank int
}

func (pi PathInfo) String() string {
	if pi.IntermediateRank == NoIntermediate {
		return fmt.Sprintf("direct read=%v", pi.UseRead)
	}
	return fmt.Sprintf("via rank %d read=%v", pi.IntermediateRank, pi.UseRead)
}
