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
	"sync"

	"github.com/chhwang/nccl/internal/device"
)

// PoolKind names a class of shared buffer in the registry.
type PoolKind uint8

const (
	// PoolSendStaging is the sender-side staging buffer of staged-copy mode.
	PoolSendStaging PoolKind = iota
	// PoolRecvDest is the receiver-side destination buffer multiplexed by
	// (channel, graph, slot) offsets.
	PoolRecvDest
)

func (k PoolKind) String() string {
	switch k {
	case PoolSendStaging:
		return "send-staging"
	case PoolRecvDest:
		return "recv-dest"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

type poolKey struct {
	kind      PoolKind
	dev       int
	sizeClass int
}

type poolEntry struct {
	mem  *device.Memory
	refs int
}

// BufferPool is a reference-counted registry of shared device buffers,
// keyed by (kind, device, size-class). The first attachment for a key
// allocates the aggregate buffer; later attachments reuse it. The buffer
// is freed when the last reference detaches.
type BufferPool struct {
	prov *device.Provider

	mu      sync.Mutex
	entries map[poolKey]*poolEntry
}

// NewBufferPool creates an empty registry backed by prov.
func NewBufferPool(prov *device.Provider) *BufferPool {
	return &BufferPool{prov: prov, entries: make(map[poolKey]*poolEntry)}
}

// Attach returns the shared buffer for (kind, dev, sizeClass), allocating
// total bytes on first use. total must not vary across attachments of the
// same key.
func (p *BufferPool) Attach(kind PoolKind, dev, sizeClass, total int) (*device.Memory, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := poolKey{kind: kind, dev: dev, sizeClass: sizeClass}
	if e, ok := p.entries[key]; ok {
		if e.mem.Size() != total {
			return nil, fmt.Errorf("%w: pool %s size class %d holds %d bytes, attach wants %d",
				ErrInternal, kind, sizeClass, e.mem.Size(), total)
		}
		e.refs++
		return e.mem, nil
	}

	mem, err := p.prov.Alloc(dev, total)
	if err != nil {
		return nil, fmt.Errorf("pool %s alloc %d bytes on dev %d: %w", kind, total, dev, err)
	}
	p.entries[key] = &poolEntry{mem: mem, refs: 1}
	return mem, nil
}

// Detach drops one reference for (kind, dev, sizeClass) and frees the
// buffer when the count reaches zero. Detaching an unknown key is an
// internal error.
func (p *BufferPool) Detach(kind PoolKind, dev, sizeClass int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := poolKey{kind: kind, dev: dev, sizeClass: sizeClass}
	e, ok := p.entries[key]
	if !ok {
		return fmt.Errorf("%w: detach from empty pool %s size class %d", ErrInternal, kind, sizeClass)
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}
	delete(p.entries, key)
	return e.mem.Free()
}

// Refs reports the current reference count for a key, zero when absent.
func (p *BufferPool) Refs(kind PoolKind, dev, sizeClass int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[poolKey{kind: kind, dev: dev, sizeClass: sizeClass}]; ok {
		return e.refs
	}
	return 0
}
