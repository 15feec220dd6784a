// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package submit

import "sync"

// FenceRecycler is a guarded free-list of device fences. Fence creation is
// expensive on every backend this package targets, so fences are reset and
// reused rather than destroyed and recreated on every submission.
//
// Modeled on the Vulkan HAL's fence pool (hal/vulkan/fence_pool.go): a free
// list refilled by Recycle, drained by Fetch, with the device only
// consulted to create a fence when the free list is empty.
type FenceRecycler struct {
	mu     sync.Mutex
	device Device
	free   []Fence
}

// NewFenceRecycler creates a recycler backed by device.
func NewFenceRecycler(device Device) *FenceRecycler {
	return &FenceRecycler{device: device}
}

// Fetch pops a reset fence from the free list, creating one if the list is
// empty.
func (r *FenceRecycler) Fetch() (Fence, error) {
	r.mu.Lock()
	if n := len(r.free); n > 0 {
		f := r.free[n-1]
		r.free = r.free[:n-1]
		r.mu.Unlock()
		if err := r.device.ResetFence(f); err != nil {
			return nil, err
		}
		Logger().Debug("fence fetched from free list")
		return f, nil
	}
	r.mu.Unlock()
	f, err := r.device.CreateFence()
	if err != nil {
		return nil, err
	}
	Logger().Debug("fence created")
	return f, nil
}

// Recycle returns an unsignaled fence to the free list for reuse. The
// caller must not use f again after calling Recycle.
func (r *FenceRecycler) Recycle(f Fence) {
	r.mu.Lock()
	r.free = append(r.free, f)
	r.mu.Unlock()
	Logger().Debug("fence recycled")
}

// Len reports the number of fences currently on the free list. Exposed for
// round-trip testing (Recycle(Fetch()) must leave it unchanged).
func (r *FenceRecycler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.free)
}

// Destroy destroys every fence on the free list. Must only be called once
// the device is known idle (e.g. during shutdown or after device loss).
func (r *FenceRecycler) Destroy() {
	r.mu.Lock()
	free := r.free
	r.free = nil
	r.mu.Unlock()
	for _, f := range free {
		r.device.DestroyFence(f)
	}
}

// sharedFenceState is the reference-counted state behind a SharedFence. The
// last releaser returns the fence to its recycler if still attached,
// otherwise destroys it directly -- this is what lets a batch's fence be
// detached (on the device-lost path) without a freed recycler pointer ever
// being dereferenced.
type sharedFenceState struct {
	mu       sync.Mutex
	device   Device
	fence    Fence
	recycler *FenceRecycler
	refs     int

	syncFD    int
	hasSyncFD bool
}

// SharedFence is a shared-ownership handle to a device fence. It may be
// polled by a completion goroutine, waited on by a caller goroutine, and
// returned to its recycler by whichever releaser happens to be last --
// all of that is safe because the state backing every clone is the same
// mutex-guarded struct.
type SharedFence struct {
	state *sharedFenceState
}

// NewSharedFence wraps fence in shared ownership. When the last reference is
// released, the fence is returned to recycler (if non-nil) or destroyed via
// device directly (for externally supplied fences with no recycler).
func NewSharedFence(device Device, fence Fence, recycler *FenceRecycler) *SharedFence {
	return &SharedFence{state: &sharedFenceState{
		device:   device,
		fence:    fence,
		recycler: recycler,
		refs:     1,
	}}
}

// Clone returns a new handle sharing this fence's ownership, incrementing
// the reference count.
func (s *SharedFence) Clone() *SharedFence {
	if s == nil {
		return nil
	}
	s.state.mu.Lock()
	s.state.refs++
	s.state.mu.Unlock()
	return &SharedFence{state: s.state}
}

// Handle returns the underlying device fence. Safe to call without holding
// any lock beyond the caller's own reference; per WaitFenceUnlocked's
// discipline, callers that need to wait on it should take their own Clone
// (or otherwise keep a reference alive) before dropping whatever lock
// protects the batch, so the fence cannot be recycled out from under the
// wait.
func (s *SharedFence) Handle() Fence {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return s.state.fence
}

// Detach severs this fence from its recycler so that the next Release
// destroys it directly instead of recycling it. Used on the device-lost
// path, where the recycler itself may be torn down concurrently.
func (s *SharedFence) Detach() {
	s.state.mu.Lock()
	s.state.recycler = nil
	s.state.mu.Unlock()
}

// Release drops one reference. The last releaser recycles the fence if it
// is still attached to a recycler, otherwise destroys it via the device.
func (s *SharedFence) Release() {
	s.state.mu.Lock()
	s.state.refs--
	last := s.state.refs == 0
	fence, recycler, device := s.state.fence, s.state.recycler, s.state.device
	syncFD, hasSyncFD := s.state.syncFD, s.state.hasSyncFD
	s.state.mu.Unlock()

	if !last {
		return
	}
	if hasSyncFD {
		closeFD(syncFD)
	}
	if recycler != nil {
		recycler.Recycle(fence)
	} else {
		device.DestroyFence(fence)
	}
}
