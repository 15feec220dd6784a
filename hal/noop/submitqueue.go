// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package noop

import (
	"time"

	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/submit"
)

// SubmitDevice adapts the noop backend's Device to submit.Device, so the
// command-submission core can run end to end against a concrete (if
// trivial) backend instead of only against test doubles. Every submission
// completes synchronously: Submit signals the fence it was given before
// returning, matching the rest of this backend's "always succeeds
// immediately" behavior.
type SubmitDevice struct {
	dev *Device
}

// NewSubmitDevice wraps dev for use as a submit.Device.
func NewSubmitDevice(dev *Device) *SubmitDevice {
	return &SubmitDevice{dev: dev}
}

func (s *SubmitDevice) CreateFence() (submit.Fence, error) {
	f, err := s.dev.CreateFence()
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *SubmitDevice) DestroyFence(f submit.Fence) {
	s.dev.DestroyFence(f.(hal.Fence))
}

func (s *SubmitDevice) ResetFence(f submit.Fence) error {
	return s.dev.ResetFence(f.(hal.Fence))
}

func (s *SubmitDevice) FenceStatus(f submit.Fence) (bool, error) {
	return s.dev.GetFenceStatus(f.(hal.Fence))
}

func (s *SubmitDevice) WaitFence(f submit.Fence, timeout time.Duration) error {
	ok, err := s.dev.Wait(f.(hal.Fence), 1, timeout)
	if err != nil {
		return err
	}
	if !ok {
		return submit.ErrTimeout
	}
	return nil
}

// Submit signals info.Fence, if it is a noop fence, with value 1, the value
// WaitFence waits for.
func (s *SubmitDevice) Submit(_ submit.Priority, info *submit.SubmitInfo) error {
	if info.Fence == nil {
		return nil
	}
	if f, ok := info.Fence.(*Fence); ok {
		f.Signal(1)
	}
	return nil
}

// Present always succeeds, matching Queue.Present.
func (s *SubmitDevice) Present(_ *submit.PresentInfo) (submit.PresentResult, error) {
	return submit.PresentSuccess, nil
}

func (s *SubmitDevice) WaitIdle(_ submit.Priority) error {
	return s.dev.WaitIdle()
}

// ExportFenceFD is unsupported: the noop backend has no real synchronization
// primitive to export a file descriptor for.
func (s *SubmitDevice) ExportFenceFD(submit.Fence) (int, error) {
	return -1, submit.ErrSyncFDUnsupported
}

// primaryBuffer is the concrete CommandBuffer this factory hands out: a
// command encoder plus whatever secondary buffers have been stitched into
// it so far. The noop backend has no real recording to merge, so stitching
// just accumulates the secondary handles for inspection/bookkeeping.
type primaryBuffer struct {
	encoder  hal.CommandEncoder
	stitched []submit.CommandBuffer
}

// SubmitBufferFactory adapts the noop backend's command-encoder creation to
// submit.BufferFactory.
type SubmitBufferFactory struct {
	dev *Device
}

// NewSubmitBufferFactory wraps dev for use as a submit.BufferFactory.
func NewSubmitBufferFactory(dev *Device) *SubmitBufferFactory {
	return &SubmitBufferFactory{dev: dev}
}

func (f *SubmitBufferFactory) NewPrimary(_ submit.ProtectionType) (submit.CommandBuffer, error) {
	enc, err := f.dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{})
	if err != nil {
		return nil, err
	}
	if err := enc.BeginEncoding(""); err != nil {
		return nil, err
	}
	return &primaryBuffer{encoder: enc}, nil
}

func (f *SubmitBufferFactory) AppendSecondary(primary, secondary submit.CommandBuffer) error {
	p := primary.(*primaryBuffer)
	p.stitched = append(p.stitched, secondary)
	return nil
}

func (f *SubmitBufferFactory) ResetPrimary(buf submit.CommandBuffer) error {
	p := buf.(*primaryBuffer)
	p.encoder.DiscardEncoding()
	p.stitched = p.stitched[:0]
	return nil
}

func (f *SubmitBufferFactory) DestroyPrimary(buf submit.CommandBuffer) {
	p := buf.(*primaryBuffer)
	p.encoder.DiscardEncoding()
}
