// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

//go:build !unix

package submit

func dupCloseOnExecFD(fd int) (int, error) {
	return -1, ErrSyncFDUnsupported
}

func closeFD(fd int) error {
	return ErrSyncFDUnsupported
}
