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
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/chhwang/nccl/internal/config"
	"github.com/chhwang/nccl/internal/device"
	"github.com/chhwang/nccl/internal/logging"
)

// ProxyMsgType selects the proxy operation a Call performs.
type ProxyMsgType uint8

const (
	// MsgSetup requests buffer (or full proxy-state) allocation.
	MsgSetup ProxyMsgType = 1
	// MsgConnect exchanges the consumer's destination pointer.
	MsgConnect ProxyMsgType = 2
	// MsgFree releases proxy-side resources for the connection.
	MsgFree ProxyMsgType = 3
)

// ProxyConn is one connection to an endpoint's proxy. Request and response
// payload sizes are fixed per message kind and validated exactly on both
// ends; a mismatch is a fatal internal error.
type ProxyConn interface {
	// Call performs one request/response exchange. respSize is the exact
	// expected response length; the returned slice has that length.
	Call(msg ProxyMsgType, req []byte, respSize int) ([]byte, error)

	// State returns the staged-copy resources held proxy-side for this
	// connection when the proxy shares the caller's process, nil otherwise.
	// Staged-copy mode requires a same-process proxy.
	State() *ProxyState

	// Close releases the proxy connection itself.
	Close() error
}

// ProxyDialer connects to the proxy serving a given rank's resources.
type ProxyDialer interface {
	Dial(rank int, send bool) (ProxyConn, error)
}

// Transport is the peer transport for one participant set. It owns the
// capability cache and the staging-buffer pool shared by its connections.
type Transport struct {
	prov      *device.Provider
	topo      Topology
	cfg       *config.Config
	dialer    ProxyDialer
	peers     []PeerInfo
	nChannels int
	slotSize  int
	pool      *BufferPool
	log       zerolog.Logger

	probeGroup singleflight.Group
	legacyIPC  atomic.Int32 // 0 unprobed, 1 supported, 2 unsupported
}

// Option configures a Transport.
type Option func(*Transport)

// WithSlotSize sets the per-slot stride of the data-plane buffers.
func WithSlotSize(n int) Option {
	return func(t *Transport) { t.slotSize = n }
}

// WithChannels sets the number of logical channels multiplexing shared
// buffers.
func WithChannels(n int) Option {
	return func(t *Transport) { t.nChannels = n }
}

// New creates a Transport. peers is indexed by rank and must cover every
// rank that can appear as a connection endpoint or relay.
func New(prov *device.Provider, topo Topology, cfg *config.Config, dialer ProxyDialer, peers []PeerInfo, opts ...Option) *Transport {
	t := &Transport{
		prov:      prov,
		topo:      topo,
		cfg:       cfg,
		dialer:    dialer,
		peers:     peers,
		nChannels: 1,
		slotSize:  DefaultSlotSize,
		log:       logging.Sub(logging.SysP2P),
	}
	for _, o := range opts {
		o(t)
	}
	t.pool = NewBufferPool(prov)
	return t
}

// SlotSize returns the per-slot stride.
func (t *Transport) SlotSize() int { return t.slotSize }

// Channels returns the channel count.
func (t *Transport) Channels() int { return t.nChannels }

// BuffSize returns the data-plane buffer size of one channel.
func (t *Transport) BuffSize() int { return t.slotSize * PipelineDepth }

// Pool returns the staging-buffer registry.
func (t *Transport) Pool() *BufferPool { return t.pool }

// NewProxyHandler builds the handler serving proxy operations for
// resources on dev, sharing this transport's pool and geometry.
func (t *Transport) NewProxyHandler(dev int) *ProxyHandler {
	return &ProxyHandler{
		prov:      t.prov,
		pool:      t.pool,
		dev:       dev,
		nChannels: t.nChannels,
		slotSize:  t.slotSize,
		log:       logging.Sub(logging.SysProxy),
	}
}

// NewEngine builds a progress engine matching this transport's geometry.
// merge enables the copy-coalescing optimization.
func (t *Transport) NewEngine(merge bool) *Engine {
	return NewEngine(t.slotSize, t.nChannels, merge)
}
