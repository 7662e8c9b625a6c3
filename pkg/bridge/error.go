/*
 Copyright 2023 NanaFS Authors.

 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package bridge

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/pkg/errors"

	"github.com/basenana/pathfs/pkg/types"
)

// Error2FuseSysError passes backend errnos through and maps the rest onto the
// closest errno. Anything unknown is counted and reported as EIO.
func Error2FuseSysError(operation string, err error) fuse.Status {
	if err == nil {
		return fuse.OK
	}
	err = errors.Cause(err)
	if errno, ok := err.(syscall.Errno); ok {
		return fuse.Status(errno)
	}
	switch err {
	case types.ErrNotFound:
		return fuse.ENOENT
	case types.ErrIsExist:
		return fuse.Status(syscall.EEXIST)
	case types.ErrNoDir:
		return fuse.ENOTDIR
	case types.ErrNotEmpty:
		return fuse.Status(syscall.ENOTEMPTY)
	case types.ErrIsDir:
		return fuse.EISDIR
	case types.ErrNoAccess:
		return fuse.EACCES
	case types.ErrNoPerm:
		return fuse.EPERM
	case types.ErrNameTooLong:
		return fuse.Status(syscall.ENAMETOOLONG)
	case types.ErrUnsupported:
		return fuse.ENOSYS
	case types.ErrExhausted:
		return fuse.Status(syscall.ENFILE)
	case types.ErrBusy:
		return fuse.EBUSY
	case types.ErrNoMem:
		return fuse.Status(syscall.ENOMEM)
	case types.ErrInvalid:
		return fuse.EINVAL
	case types.ErrNoData:
		return fuse.Status(syscall.ENODATA)
	case context.Canceled, context.DeadlineExceeded:
		return fuse.EINTR
	}
	unexpectedErrorCounter.WithLabelValues(operation).Inc()
	return fuse.EIO
}
