// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package submit

import (
	"errors"
	"sync"
	"time"
)

// exportSyncFD exports fence's sync-fd and attaches it, if the device
// supports it. ErrSyncFDUnsupported is not an error here: most fences
// (internal, or external fences not of sync-fd type) never export one.
func exportSyncFD(device Device, fence *SharedFence) error {
	fd, err := device.ExportFenceFD(fence.Handle())
	if err != nil {
		if errors.Is(err, ErrSyncFDUnsupported) {
			return nil
		}
		return err
	}
	return fence.attachSyncFD(fd)
}

// Default ring capacities and timeouts. Callers that need different values
// construct a CommandQueueConfig explicitly; these are sane defaults for a
// single swapchain-driving queue.
const (
	DefaultInFlightCapacity = 16
	DefaultFinishedCapacity = 64

	// DefaultGarbageThreshold is the accumulated-garbage size, in bytes,
	// past which PostSubmitCheck starts forcing batches to complete early
	// rather than waiting for the application to drive the queue again.
	DefaultGarbageThreshold = 64 * 1024 * 1024

	defaultBackpressureTimeout = 5 * time.Second
	deviceLostDrainTimeout     = 1 * time.Second
)

// GarbageTracker reports the size of memory pinned by in-flight and finished
// submissions, and is given a chance to reclaim it once the tracker's
// last-completed serials advance. It models the external allocator this
// package throttles against without depending on it (spec's allocator
// collaborator): CommandQueue never allocates or frees memory directly.
type GarbageTracker interface {
	// Size returns the number of bytes currently pinned by not-yet-freed
	// garbage.
	Size() uint64

	// Collect is called after one or more batches have completed, so the
	// tracker can free any garbage whose pinning serial is now <=
	// SerialTracker.LastCompleted for its index.
	Collect(tracker *SerialTracker)
}

// CommandQueueConfig configures a CommandQueue's ring capacities, garbage
// threshold, and wait timeouts. The zero value is not usable directly; use
// NewCommandQueue, which fills in defaults for zero fields.
type CommandQueueConfig struct {
	InFlightCapacity    int
	FinishedCapacity    int
	GarbageThreshold    uint64
	BackpressureTimeout time.Duration
}

func (c CommandQueueConfig) withDefaults() CommandQueueConfig {
	if c.InFlightCapacity <= 0 {
		c.InFlightCapacity = DefaultInFlightCapacity
	}
	if c.FinishedCapacity <= 0 {
		c.FinishedCapacity = DefaultFinishedCapacity
	}
	if c.GarbageThreshold == 0 {
		c.GarbageThreshold = DefaultGarbageThreshold
	}
	if c.BackpressureTimeout <= 0 {
		c.BackpressureTimeout = defaultBackpressureTimeout
	}
	return c
}

// CommandQueue is the synchronous command-submission engine: it stamps
// serials, hands batches to the device, tracks which have completed, and
// reclaims their resources. Three locks serialize its three phases --
// submission, completion, and release -- and are always taken in that order
// whenever more than one is held at once, never the reverse.
type CommandQueue struct {
	device  Device
	pool    *CommandPoolAccess
	fences  *FenceRecycler
	tracker *SerialTracker
	garbage GarbageTracker
	cfg     CommandQueueConfig

	// Plain sync.Mutex, not sync.Locker-wrapped channels: the submission
	// and completion paths both drop and reacquire their lock mid-call to
	// wait on a fence, which Mutex.Unlock/Lock handle directly since Go
	// places no ownership requirement on which goroutine unlocks.
	submitMu   sync.Mutex
	completeMu sync.Mutex
	releaseMu  sync.Mutex

	nextSerial []Serial // guarded by submitMu
	inflight   *ring[*CommandBatch]
	finished   *ring[*CommandBatch]
	lost       bool // guarded by submitMu
}

// NewCommandQueue creates a queue that submits through device, acquires
// command buffers through pool and fences through fences, and throttles
// against garbage's reported size.
func NewCommandQueue(device Device, pool *CommandPoolAccess, fences *FenceRecycler, garbage GarbageTracker, cfg CommandQueueConfig) *CommandQueue {
	cfg = cfg.withDefaults()
	q := &CommandQueue{
		device:     device,
		pool:       pool,
		fences:     fences,
		tracker:    NewSerialTracker(int(priorityCount)),
		garbage:    garbage,
		cfg:        cfg,
		nextSerial: make([]Serial, priorityCount),
		inflight:   newRing[*CommandBatch](cfg.InFlightCapacity),
		finished:   newRing[*CommandBatch](cfg.FinishedCapacity),
	}
	return q
}

// Tracker returns the queue's serial tracker, for callers that need to
// inspect or fold ResourceUse sets outside of a submission.
func (q *CommandQueue) Tracker() *SerialTracker { return q.tracker }

// SubmitCommands stamps a new serial for priority, collects whatever
// commands and wait semaphores CommandPoolAccess has accumulated for
// (priority, protection), attaches a fence (adopting externalFence if
// non-nil, otherwise fetching one from the recycler whenever the submission
// touches the device), and pushes the resulting batch onto the in-flight
// ring. Returns the stamped serial.
func (q *CommandQueue) SubmitCommands(protection ProtectionType, priority Priority, signalSem Semaphore, externalFence *SharedFence) (QueueSerial, error) {
	q.submitMu.Lock()
	if q.lost {
		q.submitMu.Unlock()
		return QueueSerial{}, ErrQueueStopped
	}

	idx := int(priority)
	q.nextSerial[idx] = q.nextSerial[idx].Next()
	serial := q.nextSerial[idx]
	qs := QueueSerial{Index: idx, Serial: serial}

	batch := &CommandBatch{serial: qs, protection: protection}
	sems, stages := q.pool.GetCommandsAndWaitSemaphores(protection, priority, batch)

	needsDevice := batch.hasPrimary || signalSem != nil || externalFence != nil || len(sems) > 0

	var fence *SharedFence
	switch {
	case externalFence != nil:
		fence = externalFence
	case needsDevice:
		h, err := q.fences.Fetch()
		if err != nil {
			q.submitMu.Unlock()
			return QueueSerial{}, err
		}
		fence = NewSharedFence(q.device, h, q.fences)
	}
	batch.fence = fence

	if err := q.makeRoomLocked(); err != nil {
		q.submitMu.Unlock()
		return QueueSerial{}, err
	}

	if needsDevice {
		info := &SubmitInfo{
			Protection:      protection,
			WaitSemaphores:  sems,
			WaitStages:      stages,
			SignalSemaphore: signalSem,
		}
		if batch.hasPrimary {
			info.Primary = batch.primary
		}
		if fence != nil {
			info.Fence = fence.Handle()
		}
		if err := q.device.Submit(priority, info); err != nil {
			q.submitMu.Unlock()
			Logger().Error("device submit failed", "priority", priority, "error", err)
			return QueueSerial{}, err
		}
		// Sync-fd export must happen after Submit, on an external fence:
		// the underlying API only guarantees the fd is valid once the
		// work it signals has actually been submitted.
		if externalFence != nil {
			if err := exportSyncFD(q.device, externalFence); err != nil {
				q.submitMu.Unlock()
				return QueueSerial{}, err
			}
		}
	}

	q.inflight.PushBack(batch)
	q.tracker.SetSubmitted(idx, serial)
	q.submitMu.Unlock()
	Logger().Debug("stamped serial", "index", idx, "serial", serial)
	return qs, nil
}

// OneOffPolicy controls whether SubmitOneOff additionally waits for its
// submission to be observed submitted before returning.
type OneOffPolicy int

const (
	// OneOffDefault returns as soon as the submission is queued.
	OneOffDefault OneOffPolicy = iota

	// OneOffEnsureSubmitted blocks until the stamped serial is observed
	// submitted -- meaningful when the caller must synchronize against
	// this submission outside the normal submission order (e.g. a
	// dedicated upload queue an unrelated thread is about to wait on).
	OneOffEnsureSubmitted
)

// SubmitOneOff submits a single caller-supplied command buffer directly,
// bypassing CommandPoolAccess: cmd is not accumulated into a primary buffer
// and the resulting batch carries no back-pointer to any pool, so Release
// never attempts to return cmd anywhere -- the caller retains ownership of
// its lifecycle. Goes through the same fence/backpressure/push discipline
// as SubmitCommands. Because this queue is synchronous, the stamped serial
// is always already observed submitted by the time this call returns, so
// policy only matters to callers going through CommandProcessor, where
// EnsureSubmitted forces the enqueue itself to run synchronously.
func (q *CommandQueue) SubmitOneOff(protection ProtectionType, priority Priority, cmd CommandBuffer, waitSem Semaphore, waitStage PipelineStageMask, externalFence *SharedFence) (QueueSerial, error) {
	q.submitMu.Lock()
	if q.lost {
		q.submitMu.Unlock()
		return QueueSerial{}, ErrQueueStopped
	}

	idx := int(priority)
	q.nextSerial[idx] = q.nextSerial[idx].Next()
	serial := q.nextSerial[idx]
	qs := QueueSerial{Index: idx, Serial: serial}

	batch := &CommandBatch{serial: qs, protection: protection}
	if cmd != nil {
		batch.primary = cmd
		batch.hasPrimary = true
	}

	var sems []Semaphore
	var stages []PipelineStageMask
	if waitSem != nil {
		sems = []Semaphore{waitSem}
		stages = []PipelineStageMask{waitStage}
	}

	var fence *SharedFence
	if externalFence != nil {
		fence = externalFence
	} else {
		h, err := q.fences.Fetch()
		if err != nil {
			q.submitMu.Unlock()
			return QueueSerial{}, err
		}
		fence = NewSharedFence(q.device, h, q.fences)
	}
	batch.fence = fence

	if err := q.makeRoomLocked(); err != nil {
		q.submitMu.Unlock()
		return QueueSerial{}, err
	}

	info := &SubmitInfo{
		Primary:        cmd,
		Protection:     protection,
		WaitSemaphores: sems,
		WaitStages:     stages,
		Fence:          fence.Handle(),
	}
	if err := q.device.Submit(priority, info); err != nil {
		q.submitMu.Unlock()
		Logger().Error("device submit failed", "priority", priority, "error", err)
		return QueueSerial{}, err
	}
	if externalFence != nil {
		if err := exportSyncFD(q.device, externalFence); err != nil {
			q.submitMu.Unlock()
			return QueueSerial{}, err
		}
	}

	q.inflight.PushBack(batch)
	q.tracker.SetSubmitted(idx, serial)
	q.submitMu.Unlock()
	Logger().Debug("stamped serial", "index", idx, "serial", serial)
	return qs, nil
}

// makeRoomLocked enforces the two ring invariants before a new batch is
// pushed: the in-flight ring must have a free slot, and the combined
// in-flight+finished count must stay under the finished ring's capacity (so
// migrating every in-flight batch into finished can never overflow it).
// Caller must hold submitMu; it is dropped and reacquired while waiting.
func (q *CommandQueue) makeRoomLocked() error {
	for {
		full := q.inflight.Full()
		combined := q.inflight.Len() + q.finished.Len()
		if !full && combined < q.finished.Cap() {
			return nil
		}
		q.submitMu.Unlock()
		var err error
		if full {
			Logger().Warn("backpressure engaged: in-flight ring full, blocking on oldest fence")
			_, err = q.forceAdvanceOldest(q.cfg.BackpressureTimeout)
		} else {
			err = q.ReleaseFinishedCommands()
		}
		q.submitMu.Lock()
		if err != nil {
			return err
		}
	}
}

// forceAdvanceOldest waits (with timeout) on the oldest in-flight batch's
// fence and migrates it to the finished ring if it completes. Must be
// called with neither lock held; it takes completeMu itself.
func (q *CommandQueue) forceAdvanceOldest(timeout time.Duration) (migrated bool, err error) {
	q.completeMu.Lock()
	front, ok := q.inflight.Front()
	if !ok {
		q.completeMu.Unlock()
		return false, nil
	}
	if front.HasFence() {
		waitFence := front.fenceForWait()
		q.completeMu.Unlock()
		waitErr := q.device.WaitFence(waitFence.Handle(), timeout)
		waitFence.Release()
		q.completeMu.Lock()
		if waitErr != nil {
			q.completeMu.Unlock()
			return false, waitErr
		}
	}
	migrated, err = q.checkOneBatchLocked()
	q.completeMu.Unlock()
	return migrated, err
}

// checkOneBatchLocked polls the oldest in-flight batch and, if its fence (if
// any) is signaled, migrates it to the finished ring. Caller must hold
// completeMu.
func (q *CommandQueue) checkOneBatchLocked() (migrated bool, err error) {
	front, ok := q.inflight.Front()
	if !ok {
		return false, nil
	}
	if front.HasFence() {
		handle, _ := front.FenceHandle()
		signaled, err := q.device.FenceStatus(handle)
		if err != nil {
			return false, err
		}
		if !signaled {
			return false, nil
		}
	}
	batch, _ := q.inflight.PopFront()
	q.tracker.SetCompleted(batch.serial.Index, batch.serial.Serial)
	Logger().Debug("batch migrated to finished", "index", batch.serial.Index, "serial", batch.serial.Serial)
	if q.finished.Full() {
		// The combined-capacity invariant should make this unreachable;
		// drop rather than overflow the ring if it is ever violated.
		batch.Release()
		return true, nil
	}
	q.finished.PushBack(batch)
	return true, nil
}

// checkCompletedLocked migrates every in-flight batch that has completed,
// stopping at the first one that has not. Caller must hold completeMu.
func (q *CommandQueue) checkCompletedLocked() error {
	for {
		migrated, err := q.checkOneBatchLocked()
		if err != nil {
			return err
		}
		if !migrated {
			return nil
		}
	}
}

// CheckCompleted is the non-blocking poll: it migrates every in-flight batch
// whose fence is currently signaled to the finished ring.
func (q *CommandQueue) CheckCompleted() error {
	q.completeMu.Lock()
	err := q.checkCompletedLocked()
	q.completeMu.Unlock()
	return err
}

// FinishResourceUse blocks until every submission referenced by use has
// completed, or until timeout elapses. It walks the in-flight ring from the
// head, waiting on (and migrating) batches one at a time; batches that
// belong to resources use does not reference are migrated along the way as
// a side effect, same as any other completion check.
func (q *CommandQueue) FinishResourceUse(use ResourceUse, timeout time.Duration) error {
	q.completeMu.Lock()
	anyMigrated := false
	var retErr error
	for {
		if use.IsFinished(q.tracker) {
			break
		}
		front, ok := q.inflight.Front()
		if !ok {
			break
		}
		if front.HasFence() {
			handle, _ := front.FenceHandle()
			signaled, err := q.device.FenceStatus(handle)
			if err != nil {
				retErr = err
				break
			}
			if !signaled {
				waitFence := front.fenceForWait()
				q.completeMu.Unlock()
				waitErr := q.device.WaitFence(waitFence.Handle(), timeout)
				waitFence.Release()
				q.completeMu.Lock()
				if waitErr != nil {
					retErr = waitErr
					break
				}
			}
		}
		migrated, err := q.checkOneBatchLocked()
		if err != nil {
			retErr = err
			break
		}
		if !migrated {
			break
		}
		anyMigrated = true
	}
	q.completeMu.Unlock()
	if anyMigrated {
		if err := q.ReleaseFinishedCommands(); err != nil && retErr == nil {
			retErr = err
		}
	}
	return retErr
}

// WaitIdle blocks until every submission on every queue index, as of the
// moment WaitIdle is called, has completed.
func (q *CommandQueue) WaitIdle(timeout time.Duration) error {
	q.submitMu.Lock()
	use := NewResourceUse()
	q.inflight.Each(func(b *CommandBatch) { use.Add(b.serial) })
	q.submitMu.Unlock()
	if use.Empty() {
		return nil
	}
	return q.FinishResourceUse(use, timeout)
}

// WaitForResourceUseWithUserTimeout is FinishResourceUse with ErrTimeout
// folded into a bool result instead of an error, for callers (e.g. an
// application-facing wait API) that treat a timeout as an ordinary outcome
// rather than a failure.
func (q *CommandQueue) WaitForResourceUseWithUserTimeout(use ResourceUse, timeout time.Duration) (timedOut bool, err error) {
	err = q.FinishResourceUse(use, timeout)
	if errors.Is(err, ErrTimeout) {
		return true, nil
	}
	return false, err
}

// PostSubmitCheck polls for completed batches and, if the attached garbage
// tracker reports more pinned memory than the configured threshold, forces
// additional batches to complete (waiting on their fences) until the
// tracker reports itself under threshold or only one in-flight batch
// remains -- the device is never starved down to zero in-flight work just
// to reclaim memory. It finishes by releasing whatever is in the finished
// ring.
func (q *CommandQueue) PostSubmitCheck() error {
	if err := q.CheckCompleted(); err != nil {
		return err
	}
	if q.garbage != nil {
		q.garbage.Collect(q.tracker)
	}
	if q.garbage != nil && q.garbage.Size() > q.cfg.GarbageThreshold {
		Logger().Warn("garbage threshold exceeded, forcing batches to complete", "size", q.garbage.Size(), "threshold", q.cfg.GarbageThreshold)
	}
	for q.garbage != nil && q.garbage.Size() > q.cfg.GarbageThreshold {
		q.completeMu.Lock()
		if q.inflight.Len() <= 1 {
			q.completeMu.Unlock()
			break
		}
		q.completeMu.Unlock()

		migrated, err := q.forceAdvanceOldest(q.cfg.BackpressureTimeout)
		if err != nil {
			return err
		}
		if !migrated {
			break
		}
		if err := q.ReleaseFinishedCommands(); err != nil {
			return err
		}
		q.garbage.Collect(q.tracker)
	}
	return q.ReleaseFinishedCommands()
}

// ReleaseFinishedCommands drains the finished ring, returning each batch's
// primary buffer and fence to their respective pools.
func (q *CommandQueue) ReleaseFinishedCommands() error {
	q.releaseMu.Lock()
	defer q.releaseMu.Unlock()
	for {
		batch, ok := q.finished.PopFront()
		if !ok {
			return nil
		}
		Logger().Debug("batch released", "index", batch.serial.Index, "serial", batch.serial.Serial)
		batch.Release()
	}
}

// HandleDeviceLost marks the queue stopped (every subsequent SubmitCommands
// returns ErrQueueStopped) and tears down every in-flight and finished
// batch: in-flight batches are given a bounded chance to signal their fence
// (a lost device may never signal, so ErrTimeout and ErrDeviceLost are both
// treated as "stop waiting and destroy anyway"), have their index's
// last-completed serial forced to SerialInfinite so any ResourceUse waiting
// on them observes completion, and are destroyed directly rather than
// recycled. All three locks are held for the duration: nothing else may
// touch the queue while it unwinds.
func (q *CommandQueue) HandleDeviceLost() {
	q.submitMu.Lock()
	q.completeMu.Lock()
	q.releaseMu.Lock()
	defer q.releaseMu.Unlock()
	defer q.completeMu.Unlock()
	defer q.submitMu.Unlock()

	q.lost = true
	Logger().Error("device lost: tearing down in-flight and finished batches")

	for {
		batch, ok := q.inflight.PopFront()
		if !ok {
			break
		}
		if batch.HasFence() {
			handle, _ := batch.FenceHandle()
			_ = q.device.WaitFence(handle, deviceLostDrainTimeout)
		}
		q.tracker.SetCompleted(batch.serial.Index, SerialInfinite)
		batch.DestroyDirect(q.pool)
	}
	for {
		batch, ok := q.finished.PopFront()
		if !ok {
			break
		}
		batch.Release()
	}
}
