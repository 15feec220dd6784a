// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

//go:build unix

package submit

import "golang.org/x/sys/unix"

// dupCloseOnExecFD duplicates fd with the close-on-exec flag set, so the
// duplicate is not inherited across an exec() by the owning process.
func dupCloseOnExecFD(fd int) (int, error) {
	return unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
}

// closeFD closes a duplicated sync-fd. Safe to call with fd == -1 (no-op).
func closeFD(fd int) error {
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}
