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

// Package device models the accelerator runtime the peer transport drives:
// device memory allocation, inter-process memory handles, peer access, and
// asynchronous copy streams with non-blocking completion events.
//
// The Provider here is host-memory-backed. A stream is a FIFO worker that
// executes copies and event markers in issue order, which preserves the two
// properties the transport depends on: event queries never block, and events
// recorded on one stream complete in the order they were recorded.
package device

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrInvalidDevice indicates a device index outside the provider's range.
	ErrInvalidDevice = errors.New("invalid device index")

	// ErrNoPeerAccess indicates peer access is not available between devices.
	ErrNoPeerAccess = errors.New("peer access not available")

	// ErrHandleUnsupported indicates memory handle export is not supported,
	// mirroring platforms without legacy IPC support.
	ErrHandleUnsupported = errors.New("memory handles not supported")

	// ErrStreamDestroyed indicates an operation on a destroyed stream.
	ErrStreamDestroyed = errors.New("stream destroyed")

	// ErrBadHandle indicates an IPC handle that does not resolve to a live
	// allocation.
	ErrBadHandle = errors.New("stale or unknown memory handle")

	// ErrBadPointer indicates a device pointer token that does not resolve.
	ErrBadPointer = errors.New("unknown device pointer")
)

// streamQueueDepth bounds the number of queued operations per stream.
const streamQueueDepth = 4096

// Info describes one device visible to a provider.
type Info struct {
	BusID int64 // hardware address, unique per device on the host
}

// IPCHandle references an exported allocation. It is safe to transfer across
// process boundaries that share the same provider domain.
type IPCHandle struct {
	ID uint64
}

// Provider owns a set of devices and their allocations. One Provider stands
// for one host: endpoints in different processes on the same host share a
// Provider the way real processes share a driver.
type Provider struct {
	mu      sync.Mutex
	devs    []Info
	allocs  map[uint64]*Memory
	exports map[uint64]uint64 // handle ID -> allocation ID
	nextID  uint64

	peerAccess    func(dev1, dev2 int) bool
	handleAccess  bool // can reach devices not locally enumerable
	legacyHandles bool // handle export supported at all

	copies atomic.Uint64
}

// Option configures a Provider.
type Option func(*Provider)

// WithPeerAccess overrides the peer-access capability matrix.
func WithPeerAccess(f func(dev1, dev2 int) bool) Option {
	return func(p *Provider) { p.peerAccess = f }
}

// WithHandleAccess controls whether devices that are not locally enumerable
// can still be reached through memory handles.
func WithHandleAccess(ok bool) Option {
	return func(p *Provider) { p.handleAccess = ok }
}

// WithLegacyHandles controls whether handle export is supported. Disabling it
// makes GetIPCHandle fail, which the transport's capability probe detects.
func WithLegacyHandles(ok bool) Option {
	return func(p *Provider) { p.legacyHandles = ok }
}

// NewProvider creates a provider for the given devices.
func NewProvider(devs []Info, opts ...Option) *Provider {
	p := &Provider{
		devs:          devs,
		allocs:        make(map[uint64]*Memory),
		exports:       make(map[uint64]uint64),
		peerAccess:    func(int, int) bool { return true },
		handleAccess:  true,
		legacyHandles: true,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// DeviceCount returns the number of locally enumerable devices.
func (p *Provider) DeviceCount() int {
	return len(p.devs)
}

// BusID returns the hardware address of device dev.
func (p *Provider) BusID(dev int) (int64, error) {
	if dev < 0 || dev >= len(p.devs) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidDevice, dev)
	}
	return p.devs[dev].BusID, nil
}

// CanAccessPeer reports whether dev1 can access dev2's memory directly.
func (p *Provider) CanAccessPeer(dev1, dev2 int) (bool, error) {
	if dev1 < 0 || dev1 >= len(p.devs) || dev2 < 0 || dev2 >= len(p.devs) {
		return false, fmt.Errorf("%w: %d/%d", ErrInvalidDevice, dev1, dev2)
	}
	return p.peerAccess(dev1, dev2), nil
}

// SupportsHandleAccess reports whether devices that are not locally
// enumerable can still be reached through memory handles.
func (p *Provider) SupportsHandleAccess() bool {
	return p.handleAccess
}

// CopyCount returns the total number of async copies issued on any stream of
// this provider. Diagnostics only.
func (p *Provider) CopyCount() uint64 {
	return p.copies.Load()
}

// Memory is one device allocation. The zero-based pointer token returned by
// Ptr is meaningful within the provider, matching a raw device pointer that
// is only usable inside the owning address space.
type Memory struct {
	prov *Provider
	id   uint64
	dev  int
	buf  []byte

	freed    bool
	ipcOpens int
}

// Alloc allocates size bytes of zeroed memory on device dev.
func (p *Provider) Alloc(dev, size int) (*Memory, error) {
	if dev < 0 || dev >= len(p.devs) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDevice, dev)
	}
	if size <= 0 {
		return nil, fmt.Errorf("invalid allocation size %d", size)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	m := &Memory{prov: p, id: p.nextID, dev: dev, buf: make([]byte, size)}
	p.allocs[m.id] = m
	return m, nil
}

// Ptr returns the pointer token for this allocation.
func (m *Memory) Ptr() uint64 { return m.id }

// Dev returns the owning device index.
func (m *Memory) Dev() int { return m.dev }

// Size returns the allocation size in bytes.
func (m *Memory) Size() int { return len(m.buf) }

// Bytes exposes the backing storage. Writers and readers on opposite sides of
// a process boundary must go through atomic overlays; plain slice access is
// only safe for the slot payload regions each side owns exclusively.
func (m *Memory) Bytes() []byte { return m.buf }

// Free releases the allocation. Freeing twice is an error; freeing memory
// obtained from OpenIPCHandle is not allowed (close the handle instead).
func (m *Memory) Free() error {
	m.prov.mu.Lock()
	defer m.prov.mu.Unlock()
	if m.freed {
		return fmt.Errorf("double free of device memory %d", m.id)
	}
	m.freed = true
	delete(m.prov.allocs, m.id)
	return nil
}

// Resolve maps a pointer token back to its allocation. Only meaningful for
// tokens produced in the same provider domain.
func (p *Provider) Resolve(ptr uint64) (*Memory, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.allocs[ptr]
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrBadPointer, ptr)
	}
	return m, nil
}

// GetIPCHandle exports an allocation for cross-process access.
func (p *Provider) GetIPCHandle(m *Memory) (IPCHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.legacyHandles {
		return IPCHandle{}, ErrHandleUnsupported
	}
	if m.freed {
		return IPCHandle{}, ErrBadPointer
	}
	p.nextID++
	h := IPCHandle{ID: p.nextID}
	p.exports[h.ID] = m.id
	return h, nil
}

// OpenIPCHandle maps an exported allocation into the caller's view. The
// returned Memory shares backing storage with the exporter's allocation and
// must be released with CloseIPCHandle, not Free.
func (p *Provider) OpenIPCHandle(h IPCHandle) (*Memory, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.exports[h.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrBadHandle, h.ID)
	}
	m, ok := p.allocs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrBadHandle, h.ID)
	}
	m.ipcOpens++
	return m, nil
}

// CloseIPCHandle releases a mapping obtained from OpenIPCHandle.
func (p *Provider) CloseIPCHandle(m *Memory) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m.ipcOpens == 0 {
		return fmt.Errorf("close of unopened IPC mapping %d", m.id)
	}
	m.ipcOpens--
	return nil
}

// EnablePeerAccess enables access from dev1 to dev2. Enabling an
// already-enabled pair is not an error, matching driver behavior.
func (p *Provider) EnablePeerAccess(dev1, dev2 int) error {
	ok, err := p.CanAccessPeer(dev1, dev2)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %d -> %d", ErrNoPeerAccess, dev1, dev2)
	}
	return nil
}
