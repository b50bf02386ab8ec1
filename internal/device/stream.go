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

package device

import (
	"sync"
	"sync/atomic"
)

// Stream executes copies and event markers in issue order on a worker
// goroutine. Issue calls never block on the copies themselves; completion is
// observed through Events.
type Stream struct {
	prov *Provider
	dev  int

	mu     sync.Mutex
	closed bool
	ops    chan func()
	done   chan struct{}
}

// Event is a completion marker. A freshly created event reports ready, the
// same way a never-recorded hardware event queries as complete.
type Event struct {
	ready atomic.Bool
}

// NewEvent creates a completion event.
func (p *Provider) NewEvent() *Event {
	e := &Event{}
	e.ready.Store(true)
	return e
}

// Query reports whether all work recorded before the last Record has
// completed. Never blocks.
func (e *Event) Query() bool {
	return e.ready.Load()
}

// NewStream creates a stream on device dev.
func (p *Provider) NewStream(dev int) (*Stream, error) {
	if dev < 0 || dev >= len(p.devs) {
		return nil, ErrInvalidDevice
	}
	s := &Stream{
		prov: p,
		dev:  dev,
		ops:  make(chan func(), streamQueueDepth),
		done: make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (s *Stream) run() {
	defer close(s.done)
	for op := range s.ops {
		op()
	}
}

// MemcpyAsync issues an asynchronous copy of n bytes from src to dst. The
// slices must not overlap; regions belong to device allocations whose slot
// ownership the caller guarantees.
func (s *Stream) MemcpyAsync(dst, src []byte, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamDestroyed
	}
	s.prov.copies.Add(1)
	d, sr := dst[:n], src[:n]
	s.ops <- func() { copy(d, sr) }
	return nil
}

// Record marks e as pending until every operation issued on s before this
// call has executed.
func (s *Stream) Record(e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamDestroyed
	}
	e.ready.Store(false)
	s.ops <- func() { e.ready.Store(true) }
	return nil
}

// Synchronize blocks until every operation issued so far has executed. Used
// by diagnostics and tests, never by the progress engine.
func (s *Stream) Synchronize() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamDestroyed
	}
	fence := make(chan struct{})
	s.ops <- func() { close(fence) }
	s.mu.Unlock()
	<-fence
	return nil
}

// Destroy stops the stream after draining queued work.
func (s *Stream) Destroy() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ops)
	s.mu.Unlock()
	<-s.done
	return nil
}
