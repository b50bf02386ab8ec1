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

	"github.com/chhwang/nccl/internal/device"
	"github.com/chhwang/nccl/internal/logging"
)

// CopyEvent is the completion marker for one slot copy, with delegation: an
// event may track a representative event so that the representative's single
// completion resolves every tracker. The relation graph is at most two deep;
// a tracker never has trackers of its own, enforced where tracking is
// established.
//
// CopyEvents are confined to the progress-engine goroutine that owns their
// connection; no locking.
type CopyEvent struct {
	ev       *device.Event
	resolved bool
	tracking *CopyEvent   // representative this event delegates to, or nil
	trackers []*CopyEvent // events delegating to this one; non-owning links
}

// NewCopyEvent creates a resolved, untracked event.
func NewCopyEvent(prov *device.Provider) *CopyEvent {
	return &CopyEvent{ev: prov.NewEvent(), resolved: true}
}

// Record arms the event on the stream. Any delegation left over from the
// previous pipeline cycle is dissolved first: trackers inherit the current
// state so they are not silently re-armed along with the representative.
func (e *CopyEvent) Record(s *device.Stream) error {
	if !e.resolved {
		log := logging.Sub(logging.SysP2P)
		log.Warn().Msg("overwriting an unresolved event record")
	}
	if len(e.trackers) > 0 {
		for _, t := range e.trackers {
			t.resolved = e.resolved
		}
		e.trackers = e.trackers[:0]
	}
	if err := s.Record(e.ev); err != nil {
		return fmt.Errorf("event record failed: %w", err)
	}
	e.resolved = false
	e.tracking = nil
	return nil
}

// Track delegates e's completion to rep. Rejected when rep itself delegates
// (chain depth would exceed two) or when e already has trackers (e would be
// both tracked and tracking).
func (e *CopyEvent) Track(rep *CopyEvent) error {
	if rep.tracking != nil {
		return fmt.Errorf("%w: tracking a tracker", ErrInternal)
	}
	if len(e.trackers) > 0 {
		return fmt.Errorf("%w: tracked event cannot become a tracker", ErrInternal)
	}
	e.tracking = rep
	e.resolved = rep.resolved
	if !rep.resolved {
		rep.trackers = append(rep.trackers, e)
	}
	return nil
}

// Untrack dissolves e's delegation, if any. A still-pending tracker removes
// itself from the representative's list and reports resolved thereafter, so
// a slot freed for reuse does not keep a stale back-reference alive.
func (e *CopyEvent) Untrack() {
	if e.tracking == nil {
		return
	}
	if !e.resolved {
		reps := e.tracking.trackers
		for i, t := range reps {
			if t == e {
				e.tracking.trackers = append(reps[:i], reps[i+1:]...)
				break
			}
		}
		e.resolved = true
	}
	e.tracking = nil
}

// Query reports completion without blocking. A tracked event resolves
// through its representative; a representative's own completion flips every
// tracker exactly once.
func (e *CopyEvent) Query() bool {
	if e.resolved {
		return true
	}
	if e.tracking != nil {
		return e.tracking.Query()
	}
	if e.ev.Query() {
		e.resolved = true
		for _, t := range e.trackers {
			t.resolved = true
		}
		e.trackers = e.trackers[:0]
		return true
	}
	return false
}
