// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package submit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// mockFence is a comparable, independently signalable fence handle. Modeled
// on hal/noop's atomic-counter Fence, except FenceStatus/WaitFence report
// against an explicit signaled flag that Submit or the test sets, so tests
// can exercise backpressure and timeout paths deterministically.
type mockFence struct {
	id       int
	signaled atomic.Bool
}

// mockBuffer is a comparable primary/secondary command buffer handle.
type mockBuffer struct {
	id   int
	kind string // "primary" or "secondary", for assertions
}

// mockBufferFactory is a BufferFactory that hands out uniquely numbered
// buffers and counts every call, so pool tests can assert on allocation and
// reuse behavior without a real backend.
type mockBufferFactory struct {
	mu sync.Mutex

	nextID int

	newPrimaryCalls    int
	appendSecondaryLog []string
	resetCalls         int
	destroyCalls       int

	failReset bool
}

func (f *mockBufferFactory) NewPrimary(protection ProtectionType) (CommandBuffer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.newPrimaryCalls++
	return &mockBuffer{id: f.nextID, kind: "primary"}, nil
}

func (f *mockBufferFactory) AppendSecondary(primary, secondary CommandBuffer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendSecondaryLog = append(f.appendSecondaryLog, fmt.Sprintf("%v<-%v", primary, secondary))
	return nil
}

func (f *mockBufferFactory) ResetPrimary(buf CommandBuffer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCalls++
	if f.failReset {
		return fmt.Errorf("mock: reset failed")
	}
	return nil
}

func (f *mockBufferFactory) DestroyPrimary(buf CommandBuffer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyCalls++
}

// mockDevice is a deterministic, in-process stand-in for Device. Submit
// auto-signals the fence it was given unless autoSignal is disabled, in
// which case the test must call signalFence itself to unblock any waiter.
type mockDevice struct {
	mu sync.Mutex

	autoSignal      bool
	submitCalls     int
	submitErr       error
	lastSubmit      *SubmitInfo
	presentResult   PresentResult
	presentErr      error
	waitIdleErr     error
	exportErr       error
	exportFD        int // fd ExportFenceFD returns when exportSupported is set
	exportSupported bool

	nextFenceID int
}

func newMockDevice() *mockDevice {
	return &mockDevice{autoSignal: true}
}

func (d *mockDevice) CreateFence() (Fence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextFenceID++
	return &mockFence{id: d.nextFenceID}, nil
}

func (d *mockDevice) DestroyFence(Fence) {}

func (d *mockDevice) ResetFence(f Fence) error {
	f.(*mockFence).signaled.Store(false)
	return nil
}

func (d *mockDevice) FenceStatus(f Fence) (bool, error) {
	return f.(*mockFence).signaled.Load(), nil
}

func (d *mockDevice) WaitFence(f Fence, timeout time.Duration) error {
	mf := f.(*mockFence)
	deadline := time.Now().Add(timeout)
	for !mf.signaled.Load() {
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

func (d *mockDevice) Submit(priority Priority, info *SubmitInfo) error {
	d.mu.Lock()
	d.submitCalls++
	d.lastSubmit = info
	err := d.submitErr
	autoSignal := d.autoSignal
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if autoSignal && info.Fence != nil {
		info.Fence.(*mockFence).signaled.Store(true)
	}
	return nil
}

func (d *mockDevice) Present(info *PresentInfo) (PresentResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.presentResult, d.presentErr
}

func (d *mockDevice) WaitIdle(priority Priority) error {
	return d.waitIdleErr
}

// ExportFenceFD reports ErrSyncFDUnsupported by default, matching most
// fences -- a test opts in by setting exportSupported and exportFD to a
// real, open file descriptor.
func (d *mockDevice) ExportFenceFD(f Fence) (int, error) {
	if d.exportErr != nil {
		return 0, d.exportErr
	}
	if !d.exportSupported {
		return 0, ErrSyncFDUnsupported
	}
	return d.exportFD, nil
}

// signalFence marks f as signaled, as if the GPU had completed the work it
// guards.
func signalFence(f Fence) {
	f.(*mockFence).signaled.Store(true)
}
