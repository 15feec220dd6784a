// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package submit

import (
	"errors"
	"sync"
	"time"
)

// ProtectionType selects whether a submission uses the protected-memory
// device path.
type ProtectionType int

const (
	Unprotected ProtectionType = iota
	Protected
	protectionCount
)

// String implements fmt.Stringer.
func (p ProtectionType) String() string {
	switch p {
	case Unprotected:
		return "Unprotected"
	case Protected:
		return "Protected"
	default:
		return "Invalid"
	}
}

// Priority selects which GPU queue index receives a submission. Priority
// doubles as the QueueSerial index: each priority owns an independent
// serial stream because it maps to a distinct device queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	priorityCount
)

// String implements fmt.Stringer.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityMedium:
		return "Medium"
	case PriorityHigh:
		return "High"
	default:
		return "Invalid"
	}
}

// Fence is an opaque device synchronization handle. Implementations must be
// comparable (usable as map keys / == comparisons) since the recycler and
// shared-fence bookkeeping compare handles.
type Fence any

// Semaphore is an opaque device semaphore handle used for wait/signal lists
// accumulated between flush and submit.
type Semaphore any

// PipelineStageMask is an opaque bitmask of pipeline stages a wait semaphore
// blocks, passed straight through to the device's Submit call.
type PipelineStageMask uint32

// CommandBuffer is an opaque recorded command buffer, either a primary
// buffer accumulated by [CommandPoolAccess] or a secondary buffer recorded
// by a rendering context and flushed into one.
type CommandBuffer any

// BufferFactory is the device-side counterpart to [CommandPoolAccess]: it
// knows how to allocate, reset, destroy, and stitch together the opaque
// command buffers that CommandPoolAccess only shuffles between pools and
// batches. Recording itself (and everything a secondary buffer contains) is
// outside this package's scope.
type BufferFactory interface {
	// NewPrimary allocates (or recycles, at the factory's discretion) a
	// primary command buffer for the given protection mode, ready to
	// receive appended secondary content.
	NewPrimary(protection ProtectionType) (CommandBuffer, error)

	// AppendSecondary stitches a recorded secondary buffer's commands into
	// primary. The secondary buffer is consumed by this call.
	AppendSecondary(primary, secondary CommandBuffer) error

	// ResetPrimary returns a finished primary buffer to a reusable state.
	// Called when CollectPrimary takes a batch's buffer back for reuse.
	ResetPrimary(buf CommandBuffer) error

	// DestroyPrimary unconditionally destroys buf, bypassing reset/reuse.
	// Used on the device-lost path.
	DestroyPrimary(buf CommandBuffer)
}

// SubmitInfo describes one call to the device's Submit primitive.
type SubmitInfo struct {
	Primary         CommandBuffer
	Protection      ProtectionType
	WaitSemaphores  []Semaphore
	WaitStages      []PipelineStageMask
	SignalSemaphore Semaphore
	Fence           Fence // nil if the submission carries no fence
}

// PresentRegion is a rectangle list attached to a present call via the
// present-regions extension record.
type PresentRegion struct {
	X, Y, Width, Height uint32
}

// PresentMode selects the presentation mode (FIFO, mailbox, immediate, ...).
// The concrete values are defined by the swapchain collaborator; this
// package only threads the value through.
type PresentMode int

// PresentInfo is bit-exact with the downstream present call: exactly one
// swapchain and image index, at most one wait semaphore, and at most one of
// each recognized extension record.
type PresentInfo struct {
	Swapchain  any
	ImageIndex uint32

	WaitSemaphore Semaphore // zero value means "no wait semaphore"
	HasWait       bool

	Regions    []PresentRegion // present-regions extension, optional
	Fence      Fence           // present-fence-info extension, optional
	HasFence   bool
	Mode       PresentMode // present-mode-info extension, optional
	HasMode    bool
}

// PresentResult is the result code of a Present call.
type PresentResult int

const (
	PresentSuccess PresentResult = iota
	PresentSuboptimal
	PresentOutOfDate
	PresentError
)

// SwapchainStatus reports the outcome of an enqueued present to its caller.
// isPending is set true when the present is enqueued and cleared by the
// worker only after the device call returns; once the caller observes
// IsPending()==false it may free the status, and the worker must not touch
// it again after clearing the flag.
type SwapchainStatus struct {
	mu                sync.Mutex
	pending           bool
	lastPresentResult PresentResult
}

// NewSwapchainStatus returns a status already marked pending, as it should
// be the instant a present is enqueued.
func NewSwapchainStatus() *SwapchainStatus {
	return &SwapchainStatus{pending: true}
}

// IsPending reports whether the present has not yet been serviced.
func (s *SwapchainStatus) IsPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// LastPresentResult returns the most recently recorded present result.
func (s *SwapchainStatus) LastPresentResult() PresentResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPresentResult
}

// complete records the present outcome and clears the pending flag. Must be
// called exactly once per enqueued present, by the goroutine that issued
// the device call.
func (s *SwapchainStatus) complete(result PresentResult) {
	s.mu.Lock()
	s.lastPresentResult = result
	s.pending = false
	s.mu.Unlock()
}

// Device is the opaque downstream GPU API this package submits against:
// Submit, Present, WaitFence, QueryFence, WaitIdle, plus fence lifecycle
// management. No implementation in this package assumes anything about the
// concrete driver behind it.
type Device interface {
	// CreateFence creates a new, unsignaled fence.
	CreateFence() (Fence, error)

	// DestroyFence destroys a fence unconditionally.
	DestroyFence(Fence)

	// ResetFence returns a fence to the unsignaled state.
	ResetFence(Fence) error

	// FenceStatus is a non-blocking poll (QueryFence): true if signaled.
	FenceStatus(Fence) (bool, error)

	// WaitFence blocks until fence is signaled or timeout elapses.
	// Returns ErrTimeout on timeout, ErrDeviceLost if the device died
	// while waiting.
	WaitFence(fence Fence, timeout time.Duration) error

	// Submit issues one submission to the device queue. info.Fence may be
	// nil, in which case the device performs no GPU-side signaling.
	Submit(priority Priority, info *SubmitInfo) error

	// Present issues a present call. Returns the non-fatal present result
	// alongside a nil error, or a non-nil error for anything fatal.
	Present(info *PresentInfo) (PresentResult, error)

	// WaitIdle blocks until the device queue identified by priority has no
	// outstanding work.
	WaitIdle(priority Priority) error

	// ExportFenceFD exports a sync-fd for fence. Only meaningful for
	// external fences created with that intent; returns an error if the
	// backend or fence does not support it.
	ExportFenceFD(fence Fence) (int, error)
}

// Sentinel errors shared by every component in this package.
var (
	// ErrTimeout is returned by wait operations that exceeded their
	// timeout without observing completion.
	ErrTimeout = errors.New("submit: timeout")

	// ErrDeviceLost is returned once the device has transitioned to the
	// lost state; see CommandQueue.HandleDeviceLost.
	ErrDeviceLost = errors.New("submit: device lost")

	// ErrQueueStopped is returned by any enqueue operation after the
	// queue has recorded a fatal (device-lost) error.
	ErrQueueStopped = errors.New("submit: queue stopped after device loss")

	// ErrInvalidFenceSource is returned (via the error bus) when
	// EnqueueOneOffSubmit is given a OneOffPolicy value that is neither
	// OneOffDefault nor OneOffEnsureSubmitted.
	ErrInvalidFenceSource = errors.New("submit: unrecognized one-off submission policy")

	// ErrBadPresentInfo is returned when a PresentInfo's HasWait/HasFence/
	// HasMode flags disagree with the value they gate -- a flag set true
	// with its corresponding field left at the zero value.
	ErrBadPresentInfo = errors.New("submit: present info is malformed")
)

// validate reports ErrBadPresentInfo if HasWait or HasFence is set without
// the semaphore/fence handle it describes. The Go encoding of "exactly one
// of each recognized extension record" already rules out duplicates or
// unrecognized kinds by construction (there is no way to express either in
// this struct shape), so a dangling flag is the one inconsistency left to
// catch. HasMode has no corresponding nil check: PresentMode's concrete
// values are the swapchain collaborator's to define, so the zero value may
// be a legitimate mode rather than "unset".
func (info *PresentInfo) validate() error {
	if info.HasWait && info.WaitSemaphore == nil {
		return ErrBadPresentInfo
	}
	if info.HasFence && info.Fence == nil {
		return ErrBadPresentInfo
	}
	return nil
}
