// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package submit

import (
	"fmt"
	"sync"
)

// commandsState is the in-progress primary command buffer for one
// (priority, protection) pair, plus whatever wait semaphores have
// accumulated against it since the last flush.
type commandsState struct {
	primary      CommandBuffer
	hasPrimary   bool
	waitSems     []Semaphore
	waitStages   []PipelineStageMask
}

func (s *commandsState) reset() {
	s.primary = nil
	s.hasPrimary = false
	s.waitSems = nil
	s.waitStages = nil
}

// CommandPoolAccess is the thread-safe broker owning per-protection primary
// command pools and per-(priority, protection) in-progress command state.
// Every operation is serialized on a single internal mutex; the broker
// never calls into CommandQueue while holding it, so it can safely be
// invoked from either the submitting goroutine or the worker thread.
type CommandPoolAccess struct {
	mu       sync.Mutex
	factory  BufferFactory
	pools    [protectionCount]primaryPool
	states   [priorityCount][protectionCount]commandsState
	poolInit [protectionCount]bool
}

// primaryPool is a per-protection free list of completed primary command
// buffers, mirroring FenceRecycler's free-list/fetch-or-create shape.
type primaryPool struct {
	free []CommandBuffer
}

// NewCommandPoolAccess creates a broker backed by factory.
func NewCommandPoolAccess(factory BufferFactory) *CommandPoolAccess {
	return &CommandPoolAccess{factory: factory}
}

// InitPool idempotently initializes the primary pool for protection.
func (c *CommandPoolAccess) InitPool(protection ProtectionType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.poolInit[protection] = true
}

// acquirePrimary returns a primary buffer from protection's pool, creating
// one via the factory if the pool is empty. Caller must hold c.mu.
func (c *CommandPoolAccess) acquirePrimary(protection ProtectionType) (CommandBuffer, error) {
	pool := &c.pools[protection]
	if n := len(pool.free); n > 0 {
		buf := pool.free[n-1]
		pool.free = pool.free[:n-1]
		return buf, nil
	}
	return c.factory.NewPrimary(protection)
}

// ensurePrimary makes sure state has a valid primary buffer, acquiring one
// if necessary. Caller must hold c.mu.
func (c *CommandPoolAccess) ensurePrimary(state *commandsState, protection ProtectionType) error {
	if state.hasPrimary {
		return nil
	}
	buf, err := c.acquirePrimary(protection)
	if err != nil {
		return fmt.Errorf("submit: acquire primary command buffer: %w", err)
	}
	state.primary = buf
	state.hasPrimary = true
	return nil
}

// FlushOutsideRP ensures the target (priority, protection) state has a
// valid primary buffer, appends buf's recorded content into it, and
// consumes buf: AppendSecondary stitches buf's content into the primary
// and the secondary handle is not retained afterward (BufferFactory.
// AppendSecondary's contract is that it fully consumes its argument).
func (c *CommandPoolAccess) FlushOutsideRP(protection ProtectionType, priority Priority, buf CommandBuffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := &c.states[priority][protection]
	if err := c.ensurePrimary(state, protection); err != nil {
		return err
	}
	if err := c.factory.AppendSecondary(state.primary, buf); err != nil {
		return fmt.Errorf("submit: append outside-render-pass commands: %w", err)
	}
	return nil
}

// FlushRenderPass is FlushOutsideRP's render-pass-scoped counterpart: the
// render pass and framebuffer override are opaque to this package and are
// passed straight through to the factory via the already-recorded buf.
func (c *CommandPoolAccess) FlushRenderPass(protection ProtectionType, priority Priority, buf CommandBuffer) error {
	return c.FlushOutsideRP(protection, priority, buf)
}

// FlushWaitSemaphores appends wait semaphores and their pipeline-stage
// masks to the state's accumulated wait lists. sems and stages are moved
// in: the caller must not retain or reuse the slices afterward.
func (c *CommandPoolAccess) FlushWaitSemaphores(protection ProtectionType, priority Priority, sems []Semaphore, stages []PipelineStageMask) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := &c.states[priority][protection]
	state.waitSems = append(state.waitSems, sems...)
	state.waitStages = append(state.waitStages, stages...)
}

// GetCommandsAndWaitSemaphores ends the current primary buffer for
// (priority, protection), handing batch ownership of it and returning the
// accumulated wait semaphores. The state is reset for the next round of
// recording.
//
// batch.pool is set so the batch can later return its primary buffer here
// without the caller needing to remember which broker issued it.
func (c *CommandPoolAccess) GetCommandsAndWaitSemaphores(protection ProtectionType, priority Priority, batch *CommandBatch) (sems []Semaphore, stages []PipelineStageMask) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := &c.states[priority][protection]
	if state.hasPrimary {
		batch.primary = state.primary
		batch.hasPrimary = true
		batch.pool = c
	}
	sems = state.waitSems
	stages = state.waitStages
	state.reset()
	return sems, stages
}

// CollectPrimary returns a completed primary buffer to its protection pool
// for reset and reuse.
func (c *CommandPoolAccess) CollectPrimary(protection ProtectionType, buf CommandBuffer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.factory.ResetPrimary(buf); err != nil {
		// A buffer that fails to reset is not safe to hand back out;
		// destroy it instead of poisoning the pool.
		c.factory.DestroyPrimary(buf)
		return
	}
	pool := &c.pools[protection]
	pool.free = append(pool.free, buf)
}

// DestroyPrimary unconditionally destroys buf. Used on the device-lost
// path, where pools are about to be torn down anyway.
func (c *CommandPoolAccess) DestroyPrimary(buf CommandBuffer) {
	c.factory.DestroyPrimary(buf)
}
