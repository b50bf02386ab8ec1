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
	"errors"
	"testing"

	"github.com/chhwang/nccl/internal/device"
)

func TestPoolSharedAttach(t *testing.T) {
	prov := device.NewProvider([]device.Info{{BusID: 0x10}})
	pool := NewBufferPool(prov)

	a, err := pool.Attach(PoolSendStaging, 0, 4096, 4096*8)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	b, err := pool.Attach(PoolSendStaging, 0, 4096, 4096*8)
	if err != nil {
		t.Fatalf("second Attach: %v", err)
	}
	if a != b {
		t.Fatal("same key should share one buffer")
	}
	if got := pool.Refs(PoolSendStaging, 0, 4096); got != 2 {
		t.Fatalf("refs = %d, want 2", got)
	}

	if err := pool.Detach(PoolSendStaging, 0, 4096); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if got := pool.Refs(PoolSendStaging, 0, 4096); got != 1 {
		t.Fatalf("refs = %d, want 1", got)
	}
	if err := pool.Detach(PoolSendStaging, 0, 4096); err != nil {
		t.Fatalf("final Detach: %v", err)
	}
	if _, err := prov.Resolve(a.Ptr()); err == nil {
		t.Fatal("buffer should be freed after the last detach")
	}
	if err := pool.Detach(PoolSendStaging, 0, 4096); !errors.Is(err, ErrInternal) {
		t.Fatalf("detach past zero: %v, want ErrInternal", err)
	}
}

func TestPoolTotalMismatch(t *testing.T) {
	prov := device.NewProvider([]device.Info{{BusID: 0x10}})
	pool := NewBufferPool(prov)

	if _, err := pool.Attach(PoolRecvDest, 0, 4096, 65536); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if _, err := pool.Attach(PoolRecvDest, 0, 4096, 131072); !errors.Is(err, ErrInternal) {
		t.Fatalf("mismatched total: %v, want ErrInternal", err)
	}
}

func TestPoolDistinctKeys(t *testing.T) {
	prov := device.NewProvider([]device.Info{{BusID: 0x10}, {BusID: 0x20}})
	pool := NewBufferPool(prov)

	a, err := pool.Attach(PoolRecvDest, 0, 4096, 65536)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	b, err := pool.Attach(PoolRecvDest, 0, 8192, 65536)
	if err != nil {
		t.Fatalf("Attach other size class: %v", err)
	}
	c, err := pool.Attach(PoolRecvDest, 1, 4096, 65536)
	if err != nil {
		t.Fatalf("Attach other device: %v", err)
	}
	if a == b || a == c || b == c {
		t.Fatal("distinct keys must not share buffers")
	}
}
