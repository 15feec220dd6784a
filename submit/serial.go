// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package submit

import (
	"sync"
	"sync/atomic"
)

// Serial is a monotonically increasing counter stamped on every submission.
// The zero value means "never submitted"; [SerialInfinite] forces any
// completion check to succeed (used to force-drain after device loss).
type Serial uint64

// SerialZero is never assigned to a real submission.
const SerialZero Serial = 0

// SerialInfinite compares greater than every real serial.
const SerialInfinite Serial = ^Serial(0)

// Next returns the serial immediately following s.
func (s Serial) Next() Serial { return s + 1 }

// Valid reports whether s was actually assigned to a submission.
func (s Serial) Valid() bool { return s != SerialZero }

// QueueSerial pairs a serial with the index of the stream it belongs to.
// Comparisons between QueueSerials from different indices are meaningless;
// all ordering is per-index.
type QueueSerial struct {
	Index  int
	Serial Serial
}

// Valid reports whether qs was ever assigned (as opposed to the zero value
// used for "no GPU work was involved").
func (qs QueueSerial) Valid() bool { return qs.Serial.Valid() }

// ResourceUse is the set of submissions that still reference a resource,
// one serial per index. A resource referenced by several submissions on the
// same index only needs to remember the highest serial: once that one is
// submitted/finished, every earlier one necessarily is too.
type ResourceUse map[int]Serial

// NewResourceUse returns an empty use set.
func NewResourceUse() ResourceUse { return make(ResourceUse) }

// Add folds qs into the use set, keeping the maximum serial per index.
func (u ResourceUse) Add(qs QueueSerial) {
	if !qs.Valid() {
		return
	}
	if cur, ok := u[qs.Index]; !ok || qs.Serial > cur {
		u[qs.Index] = qs.Serial
	}
}

// Merge folds every entry of other into u.
func (u ResourceUse) Merge(other ResourceUse) {
	for idx, s := range other {
		if cur, ok := u[idx]; !ok || s > cur {
			u[idx] = s
		}
	}
}

// Empty reports whether the use set references no submission at all.
func (u ResourceUse) Empty() bool { return len(u) == 0 }

// IsSubmitted reports whether every submission in u has reached the device,
// per the tracker's last-submitted serials.
func (u ResourceUse) IsSubmitted(t *SerialTracker) bool {
	for idx, s := range u {
		if t.LastSubmitted(idx) < s {
			return false
		}
	}
	return true
}

// IsFinished reports whether every submission in u has completed on the
// GPU, per the tracker's last-completed serials.
func (u ResourceUse) IsFinished(t *SerialTracker) bool {
	for idx, s := range u {
		if t.LastCompleted(idx) < s {
			return false
		}
	}
	return true
}

// SerialTracker holds, per queue index, the last serial submitted to the
// device and the last one observed completed. Writers to lastSubmitted must
// hold the submission lock of the owning [CommandQueue]; writers to
// lastCompleted must hold its completion lock. Reads are lock-free.
type SerialTracker struct {
	growMu        sync.Mutex
	lastSubmitted []*atomic.Uint64
	lastCompleted []*atomic.Uint64
}

// NewSerialTracker creates a tracker with room for n indices.
func NewSerialTracker(n int) *SerialTracker {
	t := &SerialTracker{}
	for i := 0; i < n; i++ {
		t.lastSubmitted = append(t.lastSubmitted, new(atomic.Uint64))
		t.lastCompleted = append(t.lastCompleted, new(atomic.Uint64))
	}
	return t
}

// ensure grows the tracker so index i is addressable.
func (t *SerialTracker) ensure(i int) {
	if i < len(t.lastSubmitted) {
		return
	}
	t.growMu.Lock()
	defer t.growMu.Unlock()
	for i >= len(t.lastSubmitted) {
		t.lastSubmitted = append(t.lastSubmitted, new(atomic.Uint64))
		t.lastCompleted = append(t.lastCompleted, new(atomic.Uint64))
	}
}

// SetSubmitted advances the last-submitted serial for index i. Caller must
// hold the submission lock; s must be >= the current value.
func (t *SerialTracker) SetSubmitted(i int, s Serial) {
	t.ensure(i)
	t.lastSubmitted[i].Store(uint64(s))
}

// SetCompleted advances the last-completed serial for index i. Caller must
// hold the completion lock; s must be >= the current value.
func (t *SerialTracker) SetCompleted(i int, s Serial) {
	t.ensure(i)
	t.lastCompleted[i].Store(uint64(s))
}

// LastSubmitted returns the last serial submitted on index i.
func (t *SerialTracker) LastSubmitted(i int) Serial {
	if i >= len(t.lastSubmitted) {
		return SerialZero
	}
	return Serial(t.lastSubmitted[i].Load())
}

// LastCompleted returns the last serial known completed on index i.
func (t *SerialTracker) LastCompleted(i int) Serial {
	if i >= len(t.lastCompleted) {
		return SerialZero
	}
	return Serial(t.lastCompleted[i].Load())
}

// IsBusy reports whether index i has submitted work that has not completed.
func (t *SerialTracker) IsBusy(i int) bool {
	return t.LastCompleted(i) < t.LastSubmitted(i)
}
