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
	"time"

	"github.com/chhwang/nccl/internal/device"
)

func testStream(t *testing.T) (*device.Provider, *device.Stream) {
	t.Helper()
	prov := device.NewProvider([]device.Info{{BusID: 0x10}})
	s, err := prov.NewStream(0)
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	t.Cleanup(func() { s.Destroy() })
	return prov, s
}

func waitResolved(t *testing.T, e *CopyEvent) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !e.Query() {
		if time.Now().After(deadline) {
			t.Fatal("event did not resolve in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCopyEventStartsResolved(t *testing.T) {
	prov, _ := testStream(t)
	e := NewCopyEvent(prov)
	if !e.Query() {
		t.Fatal("fresh event should report complete")
	}
}

func TestCopyEventRecordResolve(t *testing.T) {
	prov, s := testStream(t)
	e := NewCopyEvent(prov)
	if err := e.Record(s); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Synchronize(); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	waitResolved(t, e)
}

func TestCopyEventDelegation(t *testing.T) {
	prov, s := testStream(t)
	rep := NewCopyEvent(prov)
	covered := NewCopyEvent(prov)

	if err := rep.Record(s); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := covered.Track(rep); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if err := s.Synchronize(); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	waitResolved(t, rep)
	if !covered.Query() {
		t.Fatal("covered event should resolve with its representative")
	}
}

func TestCopyEventTrackRejectsChains(t *testing.T) {
	prov, s := testStream(t)
	a := NewCopyEvent(prov)
	b := NewCopyEvent(prov)
	c := NewCopyEvent(prov)

	if err := a.Record(s); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := b.Track(a); err != nil {
		t.Fatalf("Track: %v", err)
	}
	// b now delegates to a; delegating to b would build a chain.
	if err := c.Track(b); err == nil {
		t.Fatal("tracking a tracking event should fail")
	}
	// a covers b; a itself must not delegate to anyone.
	if err := a.Track(c); err == nil {
		t.Fatal("a representative must not become a tracker")
	}
}

func TestCopyEventRecordWhilePending(t *testing.T) {
	prov, s := testStream(t)
	e := NewCopyEvent(prov)
	e.resolved = false // first recording still outstanding

	// Re-arming a pending event warns but must still leave a working
	// recording behind.
	if err := e.Record(s); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Synchronize(); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	waitResolved(t, e)
}

func TestCopyEventUntrack(t *testing.T) {
	prov, s := testStream(t)
	rep := NewCopyEvent(prov)
	covered := NewCopyEvent(prov)

	if err := rep.Record(s); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := covered.Track(rep); err != nil {
		t.Fatalf("Track: %v", err)
	}
	covered.Untrack()
	if !covered.Query() {
		t.Fatal("untracked event should stand alone and report complete")
	}
	if err := covered.Record(s); err != nil {
		t.Fatalf("Record after Untrack: %v", err)
	}
	if err := s.Synchronize(); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	waitResolved(t, covered)
}
