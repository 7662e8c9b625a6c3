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
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/basenana/pathfs/pkg/types"
	"github.com/basenana/pathfs/utils"
	"github.com/basenana/pathfs/utils/logger"
)

const defaultLocalDirMode = 0755

// localBackend passes every call through to a directory on the host. Errors
// are the raw errno values of the underlying syscalls.
type localBackend struct {
	id     string
	dir    string
	fds    map[uint64]int
	nextFh uint64
	mux    sync.Mutex
	logger *zap.SugaredLogger
}

func newLocalBackend(id, dir string) (*localBackend, error) {
	if dir == "" {
		return nil, fmt.Errorf("local dir is empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(abs, defaultLocalDirMode); err != nil {
		return nil, fmt.Errorf("init local dir %s failed: %s", abs, err)
	}
	return &localBackend{
		id:     id,
		dir:    abs,
		fds:    make(map[uint64]int),
		logger: logger.NewLogger("local"),
	}, nil
}

func (l *localBackend) ID() string {
	return l.id
}

func (l *localBackend) GetAttr(ctx context.Context, p string) (*types.Attr, error) {
	defer utils.TraceRegion(ctx, "local.getattr")()
	return lstat(l.realPath(p))
}

func (l *localBackend) Access(ctx context.Context, p string, mask uint32) error {
	return unix.Access(l.realPath(p), mask)
}

func (l *localBackend) Readlink(ctx context.Context, p string) (string, error) {
	buf := make([]byte, unix.PathMax)
	n, err := unix.Readlink(l.realPath(p), buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

func (l *localBackend) Mknod(ctx context.Context, p string, mode, rdev uint32) error {
	if mode&unix.S_IFMT == unix.S_IFIFO {
		return unix.Mkfifo(l.realPath(p), mode&07777)
	}
	return unix.Mknod(l.realPath(p), mode, int(rdev))
}

func (l *localBackend) Mkdir(ctx context.Context, p string, mode uint32) error {
	return unix.Mkdir(l.realPath(p), mode)
}

func (l *localBackend) Unlink(ctx context.Context, p string) error {
	defer utils.TraceRegion(ctx, "local.unlink")()
	return unix.Unlink(l.realPath(p))
}

func (l *localBackend) Rmdir(ctx context.Context, p string) error {
	return unix.Rmdir(l.realPath(p))
}

func (l *localBackend) Symlink(ctx context.Context, target, p string) error {
	return unix.Symlink(target, l.realPath(p))
}

func (l *localBackend) Rename(ctx context.Context, oldPath, newPath string) error {
	defer utils.TraceRegion(ctx, "local.rename")()
	return unix.Rename(l.realPath(oldPath), l.realPath(newPath))
}

func (l *localBackend) Link(ctx context.Context, oldPath, newPath string) error {
	return unix.Link(l.realPath(oldPath), l.realPath(newPath))
}

func (l *localBackend) Chmod(ctx context.Context, p string, mode uint32) error {
	return unix.Chmod(l.realPath(p), mode)
}

func (l *localBackend) Chown(ctx context.Context, p string, uid, gid int) error {
	return unix.Lchown(l.realPath(p), uid, gid)
}

func (l *localBackend) Truncate(ctx context.Context, p string, size int64) error {
	return unix.Truncate(l.realPath(p), size)
}

func (l *localBackend) Utimens(ctx context.Context, p string, atime, mtime *time.Time) error {
	ts := []unix.Timespec{timespec(atime), timespec(mtime)}
	return unix.UtimesNanoAt(unix.AT_FDCWD, l.realPath(p), ts, unix.AT_SYMLINK_NOFOLLOW)
}

func (l *localBackend) Create(ctx context.Context, p string, flags, mode uint32) (uint64, error) {
	defer utils.TraceRegion(ctx, "local.create")()
	fd, err := unix.Open(l.realPath(p), int(flags)|unix.O_CREAT, mode)
	if err != nil {
		return 0, err
	}
	return l.register(fd), nil
}

func (l *localBackend) Open(ctx context.Context, p string, flags uint32) (uint64, error) {
	defer utils.TraceRegion(ctx, "local.open")()
	fd, err := unix.Open(l.realPath(p), int(flags), 0)
	if err != nil {
		return 0, err
	}
	return l.register(fd), nil
}

func (l *localBackend) Read(ctx context.Context, p string, fh uint64, dest []byte, off int64) (int, error) {
	fd, err := l.fd(fh)
	if err != nil {
		return 0, err
	}
	return unix.Pread(fd, dest, off)
}

func (l *localBackend) Write(ctx context.Context, p string, fh uint64, data []byte, off int64) (int, error) {
	fd, err := l.fd(fh)
	if err != nil {
		return 0, err
	}
	return unix.Pwrite(fd, data, off)
}

// Flush closes a duplicate of the descriptor, which is what close(2) of the
// kernel side file maps to.
func (l *localBackend) Flush(ctx context.Context, p string, fh uint64) error {
	fd, err := l.fd(fh)
	if err != nil {
		return err
	}
	dup, err := unix.Dup(fd)
	if err != nil {
		return err
	}
	return unix.Close(dup)
}

func (l *localBackend) Fsync(ctx context.Context, p string, fh uint64, datasync bool) error {
	fd, err := l.fd(fh)
	if err != nil {
		return err
	}
	if datasync {
		return unix.Fdatasync(fd)
	}
	return unix.Fsync(fd)
}

func (l *localBackend) Release(ctx context.Context, p string, fh uint64) error {
	l.mux.Lock()
	fd, ok := l.fds[fh]
	delete(l.fds, fh)
	l.mux.Unlock()
	if !ok {
		return unix.EBADF
	}
	return unix.Close(fd)
}

func (l *localBackend) OpenDir(ctx context.Context, p string) (uint64, error) {
	fd, err := unix.Open(l.realPath(p), unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return 0, err
	}
	return l.register(fd), nil
}

// ReadDir lists the whole directory in one call, offsets are not resumable.
// An open handle is listed through its own descriptor, so a directory renamed
// since opendir keeps listing.
func (l *localBackend) ReadDir(ctx context.Context, p string, fh uint64, off int64, fill FillFunc) error {
	defer utils.TraceRegion(ctx, "local.readdir")()
	dirfd, err := l.dirFd(p, fh)
	if err != nil {
		return err
	}
	// the dup shares the handle's offset, every listing starts over
	if _, err = unix.Seek(dirfd, 0, 0); err != nil {
		_ = unix.Close(dirfd)
		return err
	}
	dir := os.NewFile(uintptr(dirfd), l.realPath(p))
	defer dir.Close()

	entries, err := dir.ReadDir(-1)
	if err != nil {
		if pe, ok := err.(*os.PathError); ok {
			return pe.Err
		}
		return err
	}
	for _, name := range []string{".", ".."} {
		if !fill(name, nil, 0) {
			return nil
		}
	}
	for _, en := range entries {
		attr, err := lstatAt(dirfd, en.Name())
		if err != nil {
			// raced with a removal
			continue
		}
		if !fill(en.Name(), attr, 0) {
			return nil
		}
	}
	return nil
}

// dirFd returns a descriptor the caller owns: a dup of the open handle, or a
// fresh open by path when there is none.
func (l *localBackend) dirFd(p string, fh uint64) (int, error) {
	if fh == 0 {
		return unix.Open(l.realPath(p), unix.O_RDONLY|unix.O_DIRECTORY, 0)
	}
	fd, err := l.fd(fh)
	if err != nil {
		return -1, err
	}
	return unix.Dup(fd)
}

func (l *localBackend) ReleaseDir(ctx context.Context, p string, fh uint64) error {
	return l.Release(ctx, p, fh)
}

func (l *localBackend) FsyncDir(ctx context.Context, p string, fh uint64, datasync bool) error {
	return l.Fsync(ctx, p, fh, datasync)
}

func (l *localBackend) StatFs(ctx context.Context, p string) (*types.StatFs, error) {
	st := unix.Statfs_t{}
	if err := unix.Statfs(l.realPath(p), &st); err != nil {
		return nil, err
	}
	return &types.StatFs{
		Blocks:  st.Blocks,
		Bfree:   st.Bfree,
		Bavail:  st.Bavail,
		Files:   st.Files,
		Ffree:   st.Ffree,
		Bsize:   uint32(st.Bsize),
		NameLen: uint32(st.Namelen),
		Frsize:  uint32(st.Frsize),
	}, nil
}

func (l *localBackend) SetXattr(ctx context.Context, p, name string, value []byte, flags uint32) error {
	return unix.Lsetxattr(l.realPath(p), name, value, int(flags))
}

func (l *localBackend) GetXattr(ctx context.Context, p, name string) ([]byte, error) {
	rp := l.realPath(p)
	sz, err := unix.Lgetxattr(rp, name, nil)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, sz)
	sz, err = unix.Lgetxattr(rp, name, buf)
	if err != nil {
		return nil, err
	}
	return buf[:sz], nil
}

func (l *localBackend) ListXattr(ctx context.Context, p string) ([]string, error) {
	rp := l.realPath(p)
	sz, err := unix.Llistxattr(rp, nil)
	if err != nil || sz == 0 {
		return nil, err
	}
	buf := make([]byte, sz)
	sz, err = unix.Llistxattr(rp, buf)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, name := range bytes.Split(buf[:sz], []byte{0}) {
		if len(name) > 0 {
			names = append(names, string(name))
		}
	}
	return names, nil
}

func (l *localBackend) RemoveXattr(ctx context.Context, p, name string) error {
	return unix.Lremovexattr(l.realPath(p), name)
}

func (l *localBackend) realPath(p string) string {
	return filepath.Join(l.dir, filepath.Clean("/"+p))
}

func (l *localBackend) register(fd int) uint64 {
	l.mux.Lock()
	defer l.mux.Unlock()
	l.nextFh++
	l.fds[l.nextFh] = fd
	return l.nextFh
}

func (l *localBackend) fd(fh uint64) (int, error) {
	l.mux.Lock()
	defer l.mux.Unlock()
	fd, ok := l.fds[fh]
	if !ok {
		l.logger.Warnw("unknown file handle", "fh", fh)
		return -1, unix.EBADF
	}
	return fd, nil
}

func lstat(rp string) (*types.Attr, error) {
	st := unix.Stat_t{}
	if err := unix.Lstat(rp, &st); err != nil {
		return nil, err
	}
	return statToAttr(&st), nil
}

func lstatAt(dirfd int, name string) (*types.Attr, error) {
	st := unix.Stat_t{}
	if err := unix.Fstatat(dirfd, name, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return nil, err
	}
	return statToAttr(&st), nil
}

func statToAttr(st *unix.Stat_t) *types.Attr {
	return &types.Attr{
		Ino:        st.Ino,
		Mode:       st.Mode,
		Nlink:      uint32(st.Nlink),
		Uid:        st.Uid,
		Gid:        st.Gid,
		Rdev:       uint32(st.Rdev),
		Size:       uint64(st.Size),
		Blocks:     uint64(st.Blocks),
		Blksize:    uint32(st.Blksize),
		AccessAt:   time.Unix(st.Atim.Unix()),
		ModifiedAt: time.Unix(st.Mtim.Unix()),
		ChangedAt:  time.Unix(st.Ctim.Unix()),
	}
}

func timespec(t *time.Time) unix.Timespec {
	if t == nil {
		return unix.Timespec{Nsec: unix.UTIME_OMIT}
	}
	return unix.NsecToTimespec(t.UnixNano())
}
