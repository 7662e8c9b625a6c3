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

package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/basenana/pathfs/config"
	"github.com/basenana/pathfs/pkg/types"
)

/*
Backend is a path addressed storage engine. Every operation beyond ID is an
optional capability: the bridge type-asserts the backend against the
interfaces below and replies ENOSYS for anything missing.

Paths are absolute and slash separated, the root is "/". Calls on an open
handle get the path the handle's node resolves to at call time, or "" once
the node has lost its name; implementations keep whatever they need to serve
the handle without a path.

Errors are either syscall.Errno values, passed to the kernel verbatim, or
members of the pkg/types taxonomy.
*/
type Backend interface {
	ID() string
}

type AttrGetter interface {
	GetAttr(ctx context.Context, path string) (*types.Attr, error)
}

type Accesser interface {
	Access(ctx context.Context, path string, mask uint32) error
}

type Readlinker interface {
	Readlink(ctx context.Context, path string) (string, error)
}

type Mknoder interface {
	Mknod(ctx context.Context, path string, mode, rdev uint32) error
}

type Mkdirer interface {
	Mkdir(ctx context.Context, path string, mode uint32) error
}

type Unlinker interface {
	Unlink(ctx context.Context, path string) error
}

type Rmdirer interface {
	Rmdir(ctx context.Context, path string) error
}

type Symlinker interface {
	Symlink(ctx context.Context, target, path string) error
}

// Renamer replaces an existing destination, like rename(2).
type Renamer interface {
	Rename(ctx context.Context, oldPath, newPath string) error
}

type Linker interface {
	Link(ctx context.Context, oldPath, newPath string) error
}

type Chmoder interface {
	Chmod(ctx context.Context, path string, mode uint32) error
}

// Chowner leaves an id of -1 unchanged.
type Chowner interface {
	Chown(ctx context.Context, path string, uid, gid int) error
}

type Truncater interface {
	Truncate(ctx context.Context, path string, size int64) error
}

// Utimenser leaves a nil time unchanged.
type Utimenser interface {
	Utimens(ctx context.Context, path string, atime, mtime *time.Time) error
}

// Creator creates and opens a regular file in one step.
type Creator interface {
	Create(ctx context.Context, path string, flags, mode uint32) (fh uint64, err error)
}

type Opener interface {
	Open(ctx context.Context, path string, flags uint32) (fh uint64, err error)
}

type Reader interface {
	Read(ctx context.Context, path string, fh uint64, dest []byte, off int64) (int, error)
}

type Writer interface {
	Write(ctx context.Context, path string, fh uint64, data []byte, off int64) (int, error)
}

type Flusher interface {
	Flush(ctx context.Context, path string, fh uint64) error
}

type Releaser interface {
	Release(ctx context.Context, path string, fh uint64) error
}

type Fsyncer interface {
	Fsync(ctx context.Context, path string, fh uint64, datasync bool) error
}

type DirOpener interface {
	OpenDir(ctx context.Context, path string) (fh uint64, err error)
}

/*
FillFunc receives one directory entry. attr may be nil. next is the offset
of the entry after this one, or 0 when the backend lists the whole directory
in one call and has no resumable offsets. FillFunc returns false when the
caller's buffer is full, the backend must stop and return nil then.
*/
type FillFunc func(name string, attr *types.Attr, next int64) bool

// DirReader lists path starting at off. Backends with resumable offsets honor
// off, the others list everything and ignore it.
type DirReader interface {
	ReadDir(ctx context.Context, path string, fh uint64, off int64, fill FillFunc) error
}

type DirReleaser interface {
	ReleaseDir(ctx context.Context, path string, fh uint64) error
}

type DirFsyncer interface {
	FsyncDir(ctx context.Context, path string, fh uint64, datasync bool) error
}

type Statfser interface {
	StatFs(ctx context.Context, path string) (*types.StatFs, error)
}

const (
	xattrCreate  = 0x1
	xattrReplace = 0x2
)

// XattrSetter takes the setxattr(2) XATTR_CREATE and XATTR_REPLACE flags.
type XattrSetter interface {
	SetXattr(ctx context.Context, path, name string, value []byte, flags uint32) error
}

type XattrGetter interface {
	GetXattr(ctx context.Context, path, name string) ([]byte, error)
}

type XattrLister interface {
	ListXattr(ctx context.Context, path string) ([]string, error)
}

type XattrRemover interface {
	RemoveXattr(ctx context.Context, path, name string) error
}

func NewBackend(cfg config.Backend) (Backend, error) {
	switch cfg.Type {
	case config.LocalBackend:
		return newLocalBackend(cfg.ID, cfg.LocalDir)
	case config.MemoryBackend:
		return NewMemoryBackend(cfg.ID), nil
	case config.WebdavBackend:
		return newWebdavBackend(cfg)
	case config.S3Backend, config.MinioBackend:
		return newS3Backend(cfg)
	default:
		return nil, fmt.Errorf("unknow backend type: %s", cfg.Type)
	}
}
