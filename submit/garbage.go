// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package submit

import "sync"

// garbageEntry is one pinned allocation, freed once every index in use has
// completed.
type garbageEntry struct {
	use  ResourceUse
	size uint64
}

// Allocator is the minimal surface GarbageTracker needs from the external
// memory allocator this package throttles against: Free is called once a
// pinning submission is known to have completed, so the allocator can
// actually reclaim the memory rather than merely hear that it could.
type Allocator interface {
	Free(size uint64)
}

// GarbageList is a straightforward GarbageTracker: a list of pending
// allocations, each pinned by a QueueSerial, whose total size is reported
// via Size and whose entries are handed back to an Allocator once their
// pinning serial completes. Mirrored on core/track's dense free-list
// bookkeeping (core/track/allocator.go), adapted here to age out by serial
// completion instead of by explicit release.
type GarbageList struct {
	mu        sync.Mutex
	allocator Allocator
	entries   []garbageEntry
	total     uint64
}

// NewGarbageList creates a tracker that returns reclaimed memory to
// allocator.
func NewGarbageList(allocator Allocator) *GarbageList {
	return &GarbageList{allocator: allocator}
}

// Add registers size bytes of memory pinned by use: every submission use
// references must complete before the memory may be reclaimed.
func (g *GarbageList) Add(use ResourceUse, size uint64) {
	if size == 0 || use.Empty() {
		return
	}
	pinned := NewResourceUse()
	pinned.Merge(use)
	g.mu.Lock()
	g.entries = append(g.entries, garbageEntry{use: pinned, size: size})
	g.total += size
	g.mu.Unlock()
}

// Size implements GarbageTracker.
func (g *GarbageList) Size() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total
}

// Collect implements GarbageTracker: it reclaims every entry whose pinning
// serial is now <= tracker's last-completed serial for its index.
func (g *GarbageList) Collect(tracker *SerialTracker) {
	g.mu.Lock()
	remaining := g.entries[:0]
	var freed uint64
	for _, e := range g.entries {
		if e.use.IsFinished(tracker) {
			freed += e.size
			continue
		}
		remaining = append(remaining, e)
	}
	g.entries = remaining
	g.total -= freed
	allocator := g.allocator
	g.mu.Unlock()

	if freed > 0 && allocator != nil {
		allocator.Free(freed)
	}
}
