// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package submit

import "errors"

// ErrSyncFDUnsupported is returned by the sync-fd helpers on platforms with
// no POSIX file-descriptor model (see syncfd_other.go).
var ErrSyncFDUnsupported = errors.New("submit: sync-fd fences are not supported on this platform")

// dupCloseOnExecFD and closeFD are implemented per platform family
// (syncfd_unix.go / syncfd_other.go), split by target platform rather than
// a single cross-platform abstraction.
//
// attachSyncFD takes ownership of an exported sync-fd returned by
// Device.ExportFenceFD. Exporting must happen after Submit, on an external
// fence of sync-fd type, since only then is the fd guaranteed valid. The
// duplicate is closed exactly once, when the owning SharedFence's last
// reference releases -- see SharedFence.Release.
func (s *SharedFence) attachSyncFD(fd int) error {
	dup, err := dupCloseOnExecFD(fd)
	if err != nil {
		return err
	}
	s.state.mu.Lock()
	s.state.syncFD = dup
	s.state.hasSyncFD = true
	s.state.mu.Unlock()
	return nil
}

// SyncFD returns the duplicated sync-fd attached to this fence, if any.
func (s *SharedFence) SyncFD() (fd int, ok bool) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return s.state.syncFD, s.state.hasSyncFD
}
