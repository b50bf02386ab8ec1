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
)

// OpState is the lifecycle of an operation driven through the engine.
type OpState uint8

const (
	// OpReady marks a freshly posted operation awaiting initialization.
	OpReady OpState = iota
	// OpProgress marks an operation being advanced.
	OpProgress
	// OpNone marks a completed operation.
	OpNone
)

// Sub is one connection's share of an operation: nsteps pipeline steps to
// move through that connection's slots.
type Sub struct {
	Res       *ProxyState
	ChannelID int
	Nsteps    uint64

	base        uint64 // first step of this operation, chunk aligned
	posted      uint64 // steps the producer has published
	transmitted uint64 // steps whose copy has been issued
	done        uint64 // steps whose copy has completed
}

// Posted returns the steps the producer has published for this sub.
func (s *Sub) Posted() uint64 { return s.posted }

// Transmitted returns the steps whose copies have been issued.
func (s *Sub) Transmitted() uint64 { return s.transmitted }

// Done returns the steps whose copies have completed.
func (s *Sub) Done() uint64 { return s.done }

// Args is one operation: a state tag, the slicing geometry, and one Sub
// per participating connection.
type Args struct {
	State      OpState
	ChunkSteps uint64
	SliceSteps uint64
	Subs       []Sub

	// Idle reports whether the last Progress call advanced anything.
	Idle bool

	done int
}

// maxMergeDst bounds how many distinct destination buffers one merge cycle
// may accumulate. Peer-to-peer operations target at most a send and a recv
// peer per cycle.
const maxMergeDst = 2

type copyRec struct {
	res     *ProxyState
	slot    int
	channel int
}

// Engine advances staged-copy operations: it watches the producer-facing
// control blocks, issues staging-to-destination copies in step order, and
// publishes completed steps to the consumer through the mailbox. With
// merging enabled, copies issued in one cycle are coalesced per
// destination buffer by Flush.
type Engine struct {
	slotSize  int
	nChannels int
	merge     bool

	dst  [maxMergeDst]*ProxyState
	recs [maxMergeDst][]copyRec
}

// NewEngine creates an engine for the given slot stride and channel count.
func NewEngine(slotSize, nChannels int, merge bool) *Engine {
	return &Engine{slotSize: slotSize, nChannels: nChannels, merge: merge}
}

func roundUp(x, n uint64) uint64 {
	return (x + n - 1) / n * n
}

// Progress advances args by one cycle. For each sub it first retires
// completed copies in step order, publishing the tail to the consumer,
// then issues copies for published slots within the pipeline window. With
// merging enabled the issue phase only accumulates; the caller runs Flush
// once per cycle after progressing every operation.
func (e *Engine) Progress(args *Args) error {
	if args.State == OpReady {
		for i := range args.Subs {
			sub := &args.Subs[i]
			sub.base = roundUp(sub.Res.Step, args.ChunkSteps)
			sub.posted, sub.transmitted, sub.done = 0, 0, 0
		}
		args.done = 0
		args.State = OpProgress
	}
	args.Idle = true
	if args.State != OpProgress {
		return nil
	}

	for i := range args.Subs {
		sub := &args.Subs[i]
		res := sub.Res

		// Retire completed copies in step order and publish the tail.
		for sub.done < sub.transmitted {
			slot := int((sub.base + sub.done) % PipelineDepth)
			if !res.Events[slot].Query() {
				break
			}
			res.Events[slot].Untrack()
			sub.done += args.SliceSteps
			res.Shm.Recv.SetTail(sub.base + sub.done)
			args.Idle = false
			if sub.done == sub.Nsteps {
				res.Step = sub.base + sub.Nsteps
				res.Shm.Recv.IncOpCount()
				args.done++
			}
		}

		// Note what the producer has published so far.
		tail := res.CeRecv.Tail()
		for sub.posted < sub.Nsteps && tail > sub.base+sub.posted {
			sub.posted += args.SliceSteps
		}

		// Issue copies for published slots within the pipeline window.
		for sub.transmitted < sub.done+PipelineDepth && sub.transmitted < sub.posted {
			slot := int((sub.base + sub.transmitted) % PipelineDepth)
			// Forward the slot size to the consumer before the tail can
			// reach it.
			res.Shm.Recv.SetFifoSize(slot, res.CeRecv.FifoSize(slot))
			if e.merge {
				if err := e.accumulate(res, slot, sub.ChannelID); err != nil {
					return err
				}
			} else {
				if err := e.copySlot(res, slot, int(res.CeRecv.FifoSize(slot))); err != nil {
					return err
				}
			}
			sub.transmitted += args.SliceSteps
			args.Idle = false
		}
	}

	if args.done == len(args.Subs) {
		args.State = OpNone
	}
	return nil
}

// copySlot issues one staging-to-destination copy and records the slot's
// event behind it.
func (e *Engine) copySlot(res *ProxyState, slot, size int) error {
	if size > e.slotSize {
		return fmt.Errorf("%w: slot %d carries %d bytes, stride is %d",
			ErrInternal, slot, size, e.slotSize)
	}
	if size > 0 {
		off := res.Offsets[slot]
		if err := res.Stream.MemcpyAsync(res.DestView[off:], res.CeDevBuf.Bytes()[off:], size); err != nil {
			return err
		}
	}
	return res.Events[slot].Record(res.Stream)
}

// accumulate notes a pending copy for the merge pass, bucketed by the
// destination buffer it targets.
func (e *Engine) accumulate(res *ProxyState, slot, channel int) error {
	for b := 0; b < maxMergeDst; b++ {
		if e.dst[b] == nil {
			e.dst[b] = res
		} else if e.dst[b].DestMem != res.DestMem {
			continue
		}
		e.recs[b] = append(e.recs[b], copyRec{res: res, slot: slot, channel: channel})
		return nil
	}
	return fmt.Errorf("%w: merge cycle spans more than %d destination buffers",
		ErrInternal, maxMergeDst)
}

// Flush issues the copies accumulated in this cycle, merging maximal runs
// of full-stride slots into single copies. Offsets interleave slots
// slot-major and channel-minor, so a run of full slots across channels is
// contiguous in both the staging buffer and the destination. Each merged
// run gets one copy and one representative event; the covered slots'
// events delegate their completion to it. Partial slots close a run and
// go out as individual copies.
func (e *Engine) Flush() error {
	for b := 0; b < maxMergeDst; b++ {
		if err := e.flushBucket(b); err != nil {
			return err
		}
		e.recs[b] = e.recs[b][:0]
		e.dst[b] = nil
	}
	return nil
}

func (e *Engine) flushBucket(b int) error {
	if len(e.recs[b]) == 0 {
		return nil
	}

	cells := PipelineDepth * e.nChannels
	rsrcs := make([]*ProxyState, cells)
	sizes := make([]int, cells)
	for _, r := range e.recs[b] {
		cell := r.slot*e.nChannels + r.channel
		rsrcs[cell] = r.res
		sizes[cell] = int(r.res.CeRecv.FifoSize(r.slot))
	}

	runStart, runSize := -1, 0
	flushRun := func(end int) error {
		if runStart < 0 {
			return nil
		}
		res := rsrcs[runStart]
		slot := runStart / e.nChannels
		off := res.Offsets[slot]
		if err := res.Stream.MemcpyAsync(res.DestView[off:], res.CeDevBuf.Bytes()[off:], runSize); err != nil {
			return err
		}
		rep := res.Events[slot]
		if err := rep.Record(res.Stream); err != nil {
			return err
		}
		for cell := runStart + 1; cell < end; cell++ {
			s := cell / e.nChannels
			if err := rsrcs[cell].Events[s].Track(rep); err != nil {
				return err
			}
		}
		runStart, runSize = -1, 0
		return nil
	}

	for cell := 0; cell < cells; cell++ {
		res := rsrcs[cell]
		if res == nil {
			if err := flushRun(cell); err != nil {
				return err
			}
			continue
		}
		size := sizes[cell]
		switch {
		case size == e.slotSize:
			if runStart < 0 {
				runStart = cell
			}
			runSize += size
		case size > e.slotSize:
			return fmt.Errorf("%w: slot %d carries %d bytes, stride is %d",
				ErrInternal, cell/e.nChannels, size, e.slotSize)
		default:
			if err := flushRun(cell); err != nil {
				return err
			}
			if err := e.copySlot(res, cell/e.nChannels, size); err != nil {
				return err
			}
		}
	}
	return flushRun(cells)
}
