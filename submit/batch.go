// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package submit

// CommandBatch is the bookkeeping for a single submission: its serial, the
// primary command buffer (if any) and which pool it came from, and its
// fence. The secondary buffers that rode along with it are fully consumed
// by BufferFactory.AppendSecondary at flush time (see CommandPoolAccess.
// FlushOutsideRP) and carry no further identity a batch needs to track. A
// batch owns its primary buffer and fence until Release or DestroyDirect
// runs exactly once.
type CommandBatch struct {
	serial     QueueSerial
	protection ProtectionType

	// pool is a non-owning back-pointer: it lets Release return the
	// primary buffer to the right pool without the releasing goroutine
	// knowing which pool issued it. The broker that owns pool must
	// outlive every batch it issues -- guaranteed by shutdown order
	// (drain queue, then destroy the broker).
	pool    *CommandPoolAccess
	primary CommandBuffer
	hasPrimary bool

	// fence is nil when the submission carried no GPU work at all (it
	// still occupies a serial slot, for ordering).
	fence *SharedFence
}

// Serial returns the batch's queue serial.
func (b *CommandBatch) Serial() QueueSerial { return b.serial }

// HasFence reports whether this batch has an associated fence (internal or
// external).
func (b *CommandBatch) HasFence() bool { return b.fence != nil }

// FenceHandle returns the batch's device fence handle, if any.
func (b *CommandBatch) FenceHandle() (Fence, bool) {
	if b.fence == nil {
		return nil, false
	}
	return b.fence.Handle(), true
}

// fenceForWait returns a cloned reference to the batch's fence, suitable
// for waiting on after dropping whatever lock protects the batch. The
// caller must Release the clone when done. This is what makes
// WaitFenceUnlocked safe: the batch (and its original fence reference) can
// be freed by another goroutine while the wait is outstanding.
func (b *CommandBatch) fenceForWait() *SharedFence {
	if b.fence == nil {
		return nil
	}
	return b.fence.Clone()
}

// Release reclaims the batch's resources along the normal path: the
// primary buffer goes back to its pool, the fence goes back to its
// recycler (or is destroyed, if external). Must be called exactly once,
// and never together with DestroyDirect.
func (b *CommandBatch) Release() {
	if b.hasPrimary {
		if b.pool != nil {
			b.pool.CollectPrimary(b.protection, b.primary)
		}
		b.hasPrimary = false
		b.primary = nil
	}
	if b.fence != nil {
		b.fence.Release()
		b.fence = nil
	}
}

// primaryDestroyer is the minimal surface DestroyDirect needs; satisfied by
// both BufferFactory and *CommandPoolAccess.
type primaryDestroyer interface {
	DestroyPrimary(CommandBuffer)
}

// DestroyDirect reclaims the batch's resources along the device-lost path:
// the primary buffer is destroyed outright (bypassing its pool) and the
// fence is detached from its recycler before being released, since the
// recycler itself may be torn down concurrently. Must be called exactly
// once, and never together with Release.
func (b *CommandBatch) DestroyDirect(factory primaryDestroyer) {
	if b.hasPrimary {
		factory.DestroyPrimary(b.primary)
		b.hasPrimary = false
		b.primary = nil
	}
	if b.fence != nil {
		b.fence.Detach()
		b.fence.Release()
		b.fence = nil
	}
}
