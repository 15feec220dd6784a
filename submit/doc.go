// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package submit implements the GPU command submission core shared by the
// wgpu backends: ordering recorded command buffers from multiple rendering
// contexts into a serialized stream, submitting them to a GPU queue,
// tracking completion via fences, and reclaiming their resources.
//
// The package treats the underlying GPU driver as an opaque [Device]: it
// never records commands, compiles shaders, or manages image layouts. Its
// job is purely to get recorded command buffers onto the GPU in order, know
// when they have finished, and recycle everything that submission touched
// (fences, primary command buffers, deferred-free garbage).
//
// # Architecture
//
//   - [SerialTracker] answers "has work X completed on the GPU?" lock-free.
//   - [FenceRecycler] amortizes fence creation across submissions.
//   - [CommandPoolAccess] stitches recorded secondary buffers into a primary
//     buffer per (priority, protection) pair.
//   - [CommandQueue] is the synchronous submission engine: it extracts a
//     primary buffer, acquires a fence, submits, and reclaims.
//   - [CommandProcessor] is an optional single-worker front end that lets
//     submission happen off the caller's goroutine while preserving order.
//
// Submission order is always the order [CommandQueue.SubmitCommands] (or the
// matching [CommandProcessor] task) was called, per queue index.
package submit
