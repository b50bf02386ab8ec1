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

	"github.com/chhwang/nccl/internal/config"
)

// probeBufferSize is the allocation used by the one-time legacy handle
// support probe.
const probeBufferSize = 2048

// CanConnect reports whether the two endpoints can communicate through this
// transport. Unusability is a result, not an error: callers fall back to
// another transport on false.
func (t *Transport) CanConnect(info1, info2 *PeerInfo) (bool, error) {
	// Rule out different hosts and isolated shared-memory domains.
	if info1.HostHash != info2.HostHash || info1.ShmHash != info2.ShmHash {
		return false, nil
	}

	// Check the topology for a P2P-capable path.
	ok, _, intermediate, err := t.topo.CheckP2P(info1.BusID, info2.BusID)
	if err != nil {
		return false, fmt.Errorf("topology query failed: %w", err)
	}
	if !ok {
		return false, nil
	}
	if intermediate != NoIntermediate {
		// An indirect hop cannot use staged copies; the relay device's
		// proxy owns no path to either endpoint's staging buffer.
		if t.cfg.P2PUseStagedCopy {
			return false, nil
		}
		return true, nil
	}

	// Resolve hardware addresses to locally visible device indices.
	dev1 := t.busIDToDev(info1.BusID)
	dev2 := t.busIDToDev(info2.BusID)
	if dev1 == -1 || dev2 == -1 {
		// Devices hidden from this process are reachable only on platforms
		// with handle-based cross-device access.
		return t.prov.SupportsHandleAccess(), nil
	}

	// Check hardware peer access between the local indices.
	p2pOK, err := t.prov.CanAccessPeer(dev1, dev2)
	if err != nil {
		t.log.Info().
			Int("dev1", dev1).Int64("busId1", info1.BusID).
			Int("dev2", dev2).Int64("busId2", info2.BusID).
			Err(err).Msg("peer query failed")
		return false, nil
	}
	if !p2pOK {
		t.log.Info().
			Int("dev1", dev1).Int64("busId1", info1.BusID).
			Int("dev2", dev2).Int64("busId2", info2.BusID).
			Msg("could not enable P2P")
		return false, nil
	}

	return t.legacyHandleSupported(dev1)
}

// legacyHandleSupported probes whether memory handle export works at all
// (some platforms advertise peer access but cannot export handles). The
// probe allocates and frees device memory, so its result is cached for the
// life of the process and concurrent probes are deduplicated.
func (t *Transport) legacyHandleSupported(dev int) (bool, error) {
	if v := t.legacyIPC.Load(); v != 0 {
		return v == 1, nil
	}
	v, err, _ := t.probeGroup.Do("legacy-ipc", func() (any, error) {
		if cached := t.legacyIPC.Load(); cached != 0 {
			return cached == 1, nil
		}
		probe, err := t.prov.Alloc(dev, probeBufferSize)
		if err != nil {
			return false, fmt.Errorf("legacy handle probe allocation failed: %w", err)
		}
		defer probe.Free()
		supported := true
		if _, err := t.prov.GetIPCHandle(probe); err != nil {
			t.log.Info().Err(err).Msg("legacy memory handles not supported")
			supported = false
		}
		if supported {
			t.legacyIPC.Store(1)
		} else {
			t.legacyIPC.Store(2)
		}
		return supported, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// pathInfo resolves the transfer orientation and relay rank for a pair of
// endpoints. The topology's read hint is overridden by configuration unless
// the override is ReadEnableAuto; staged-copy mode always writes, since the
// proxy copies out of the producer's staging buffer.
func (t *Transport) pathInfo(info1, info2 *PeerInfo) (PathInfo, error) {
	_, useRead, intermediate, err := t.topo.CheckP2P(info1.BusID, info2.BusID)
	if err != nil {
		return PathInfo{}, fmt.Errorf("topology query failed: %w", err)
	}
	if t.cfg.P2PReadEnable != config.ReadEnableAuto {
		useRead = t.cfg.P2PReadEnable != 0
	}
	if t.cfg.P2PUseStagedCopy {
		useRead = false
	}
	return PathInfo{UseRead: useRead, IntermediateRank: intermediate}, nil
}

// busIDToDev converts a hardware address into a locally visible device
// index, or -1 when the device is not enumerable in this process.
func (t *Transport) busIDToDev(busID int64) int {
	for i := 0; i < t.prov.DeviceCount(); i++ {
		id, err := t.prov.BusID(i)
		if err != nil {
			return -1
		}
		if id == busID {
			return i
		}
	}
	return -1
}
