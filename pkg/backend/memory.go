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
	"path"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/basenana/pathfs/pkg/types"
	"github.com/basenana/pathfs/utils/logger"
)

const (
	memoryBlocks     = 1 << 24
	memoryMaxEntries = 1 << 20
)

type memoryEntry struct {
	attr     types.Attr
	data     []byte
	target   string
	xattrs   map[string][]byte
	children map[string]*memoryEntry
}

type memoryHandle struct {
	entry *memoryEntry
	open  types.OpenAttr
}

// MemoryBackend keeps a whole tree in process memory. Open handles pin their
// entry, so an unlinked file stays readable through them.
type MemoryBackend struct {
	id      string
	root    *memoryEntry
	handles map[uint64]*memoryHandle
	nextFh  uint64
	nextIno uint64
	entries int
	mux     sync.Mutex
	logger  *zap.SugaredLogger
}

var (
	_ Backend      = &MemoryBackend{}
	_ AttrGetter   = &MemoryBackend{}
	_ Creator      = &MemoryBackend{}
	_ Renamer      = &MemoryBackend{}
	_ DirReader    = &MemoryBackend{}
	_ XattrSetter  = &MemoryBackend{}
	_ XattrRemover = &MemoryBackend{}
)

func NewMemoryBackend(id string) *MemoryBackend {
	m := &MemoryBackend{
		id:      id,
		handles: make(map[uint64]*memoryHandle),
		logger:  logger.NewLogger("memory"),
	}
	m.root = m.newEntry(syscall.S_IFDIR | 0755)
	m.root.attr.Nlink = 2
	return m
}

func (m *MemoryBackend) ID() string {
	return m.id
}

func (m *MemoryBackend) GetAttr(ctx context.Context, p string) (*types.Attr, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	en, err := m.lookup(p)
	if err != nil {
		return nil, err
	}
	return m.stat(en), nil
}

func (m *MemoryBackend) Access(ctx context.Context, p string, mask uint32) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	_, err := m.lookup(p)
	return err
}

func (m *MemoryBackend) Readlink(ctx context.Context, p string) (string, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	en, err := m.lookup(p)
	if err != nil {
		return "", err
	}
	if !en.attr.IsSymlink() {
		return "", syscall.EINVAL
	}
	return en.target, nil
}

func (m *MemoryBackend) Mknod(ctx context.Context, p string, mode, rdev uint32) error {
	switch mode & syscall.S_IFMT {
	case syscall.S_IFREG, syscall.S_IFIFO, syscall.S_IFSOCK:
	default:
		return syscall.EPERM
	}
	m.mux.Lock()
	defer m.mux.Unlock()
	_, err := m.insert(p, mode)
	return err
}

func (m *MemoryBackend) Mkdir(ctx context.Context, p string, mode uint32) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	_, err := m.insert(p, syscall.S_IFDIR|(mode&07777))
	return err
}

func (m *MemoryBackend) Symlink(ctx context.Context, target, p string) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	en, err := m.insert(p, syscall.S_IFLNK|0777)
	if err != nil {
		return err
	}
	en.target = target
	en.attr.Size = uint64(len(target))
	return nil
}

func (m *MemoryBackend) Unlink(ctx context.Context, p string) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	parent, name, err := m.lookupParent(p)
	if err != nil {
		return err
	}
	en, ok := parent.children[name]
	if !ok {
		return syscall.ENOENT
	}
	if en.attr.IsDir() {
		return syscall.EISDIR
	}
	m.detach(parent, name)
	return nil
}

func (m *MemoryBackend) Rmdir(ctx context.Context, p string) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	parent, name, err := m.lookupParent(p)
	if err != nil {
		return err
	}
	en, ok := parent.children[name]
	if !ok {
		return syscall.ENOENT
	}
	if !en.attr.IsDir() {
		return syscall.ENOTDIR
	}
	if len(en.children) > 0 {
		return syscall.ENOTEMPTY
	}
	m.detach(parent, name)
	return nil
}

func (m *MemoryBackend) Rename(ctx context.Context, oldPath, newPath string) error {
	if path.Clean(oldPath) == path.Clean(newPath) {
		return nil
	}
	m.mux.Lock()
	defer m.mux.Unlock()
	oldParent, oldName, err := m.lookupParent(oldPath)
	if err != nil {
		return err
	}
	src, ok := oldParent.children[oldName]
	if !ok {
		return syscall.ENOENT
	}
	newParent, newName, err := m.lookupParent(newPath)
	if err != nil {
		return err
	}
	if src.attr.IsDir() && isSubPath(oldPath, newPath) {
		return syscall.EINVAL
	}
	if dst, ok := newParent.children[newName]; ok {
		if dst == src {
			return nil
		}
		switch {
		case dst.attr.IsDir() && !src.attr.IsDir():
			return syscall.EISDIR
		case !dst.attr.IsDir() && src.attr.IsDir():
			return syscall.ENOTDIR
		case dst.attr.IsDir() && len(dst.children) > 0:
			return syscall.ENOTEMPTY
		}
		m.detach(newParent, newName)
	}

	delete(oldParent.children, oldName)
	newParent.children[newName] = src
	if src.attr.IsDir() && oldParent != newParent {
		oldParent.attr.Nlink--
		newParent.attr.Nlink++
	}
	now := time.Now()
	oldParent.attr.ModifiedAt, newParent.attr.ModifiedAt = now, now
	src.attr.ChangedAt = now
	return nil
}

func (m *MemoryBackend) Link(ctx context.Context, oldPath, newPath string) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	src, err := m.lookup(oldPath)
	if err != nil {
		return err
	}
	if src.attr.IsDir() {
		return syscall.EPERM
	}
	parent, name, err := m.lookupParent(newPath)
	if err != nil {
		return err
	}
	if _, ok := parent.children[name]; ok {
		return syscall.EEXIST
	}
	parent.children[name] = src
	src.attr.Nlink++
	src.attr.ChangedAt = time.Now()
	return nil
}

func (m *MemoryBackend) Chmod(ctx context.Context, p string, mode uint32) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	en, err := m.lookup(p)
	if err != nil {
		return err
	}
	en.attr.Mode = en.attr.Mode&syscall.S_IFMT | mode&07777
	en.attr.ChangedAt = time.Now()
	return nil
}

func (m *MemoryBackend) Chown(ctx context.Context, p string, uid, gid int) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	en, err := m.lookup(p)
	if err != nil {
		return err
	}
	if uid >= 0 {
		en.attr.Uid = uint32(uid)
	}
	if gid >= 0 {
		en.attr.Gid = uint32(gid)
	}
	en.attr.ChangedAt = time.Now()
	return nil
}

func (m *MemoryBackend) Truncate(ctx context.Context, p string, size int64) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	en, err := m.lookup(p)
	if err != nil {
		return err
	}
	if en.attr.IsDir() {
		return syscall.EISDIR
	}
	truncate(en, size)
	return nil
}

func (m *MemoryBackend) Utimens(ctx context.Context, p string, atime, mtime *time.Time) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	en, err := m.lookup(p)
	if err != nil {
		return err
	}
	if atime != nil {
		en.attr.AccessAt = *atime
	}
	if mtime != nil {
		en.attr.ModifiedAt = *mtime
	}
	en.attr.ChangedAt = time.Now()
	return nil
}

func (m *MemoryBackend) Create(ctx context.Context, p string, flags, mode uint32) (uint64, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	attr := types.NewOpenAttr(flags)
	en, err := m.lookup(p)
	switch {
	case err == nil && attr.Excl:
		return 0, syscall.EEXIST
	case err == nil:
		if en.attr.IsDir() {
			return 0, syscall.EISDIR
		}
	case err == syscall.ENOENT:
		en, err = m.insert(p, syscall.S_IFREG|(mode&07777))
		if err != nil {
			return 0, err
		}
	default:
		return 0, err
	}
	if attr.Trunc {
		truncate(en, 0)
	}
	return m.newHandle(en, attr), nil
}

func (m *MemoryBackend) Open(ctx context.Context, p string, flags uint32) (uint64, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	en, err := m.lookup(p)
	if err != nil {
		return 0, err
	}
	attr := types.NewOpenAttr(flags)
	if en.attr.IsDir() && attr.Write {
		return 0, syscall.EISDIR
	}
	if attr.Trunc && attr.Write {
		truncate(en, 0)
	}
	return m.newHandle(en, attr), nil
}

func (m *MemoryBackend) Read(ctx context.Context, p string, fh uint64, dest []byte, off int64) (int, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	h, ok := m.handles[fh]
	if !ok {
		return 0, syscall.EBADF
	}
	if off >= int64(len(h.entry.data)) {
		return 0, nil
	}
	h.entry.attr.AccessAt = time.Now()
	return copy(dest, h.entry.data[off:]), nil
}

func (m *MemoryBackend) Write(ctx context.Context, p string, fh uint64, data []byte, off int64) (int, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	h, ok := m.handles[fh]
	if !ok {
		return 0, syscall.EBADF
	}
	if !h.open.Write {
		return 0, syscall.EBADF
	}
	en := h.entry
	if end := off + int64(len(data)); end > int64(len(en.data)) {
		truncate(en, end)
	}
	copy(en.data[off:], data)
	now := time.Now()
	en.attr.ModifiedAt, en.attr.ChangedAt = now, now
	return len(data), nil
}

func (m *MemoryBackend) Flush(ctx context.Context, p string, fh uint64) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	if _, ok := m.handles[fh]; !ok {
		return syscall.EBADF
	}
	return nil
}

func (m *MemoryBackend) Fsync(ctx context.Context, p string, fh uint64, datasync bool) error {
	return m.Flush(ctx, p, fh)
}

func (m *MemoryBackend) Release(ctx context.Context, p string, fh uint64) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	if _, ok := m.handles[fh]; !ok {
		return syscall.EBADF
	}
	delete(m.handles, fh)
	return nil
}

func (m *MemoryBackend) OpenDir(ctx context.Context, p string) (uint64, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	en, err := m.lookup(p)
	if err != nil {
		return 0, err
	}
	if !en.attr.IsDir() {
		return 0, syscall.ENOTDIR
	}
	return m.newHandle(en, types.OpenAttr{Read: true}), nil
}

// ReadDir hands out resumable offsets: the entry at index i reports i+1.
func (m *MemoryBackend) ReadDir(ctx context.Context, p string, fh uint64, off int64, fill FillFunc) error {
	m.mux.Lock()
	h, ok := m.handles[fh]
	if !ok {
		m.mux.Unlock()
		return syscall.EBADF
	}
	dir := h.entry
	names := make([]string, 0, len(dir.children))
	for name := range dir.children {
		names = append(names, name)
	}
	sort.Strings(names)

	type dirent struct {
		name string
		attr *types.Attr
	}
	entries := []dirent{{name: ".", attr: m.stat(dir)}, {name: ".."}}
	for _, name := range names {
		entries = append(entries, dirent{name: name, attr: m.stat(dir.children[name])})
	}
	m.mux.Unlock()

	for i := off; i < int64(len(entries)); i++ {
		if !fill(entries[i].name, entries[i].attr, i+1) {
			return nil
		}
	}
	return nil
}

func (m *MemoryBackend) ReleaseDir(ctx context.Context, p string, fh uint64) error {
	return m.Release(ctx, p, fh)
}

func (m *MemoryBackend) FsyncDir(ctx context.Context, p string, fh uint64, datasync bool) error {
	return m.Flush(ctx, p, fh)
}

func (m *MemoryBackend) StatFs(ctx context.Context, p string) (*types.StatFs, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	var used uint64
	m.walk(m.root, func(en *memoryEntry) {
		used += (uint64(len(en.data)) + types.FileBlockSize - 1) / types.FileBlockSize
	})
	return &types.StatFs{
		Blocks:  memoryBlocks,
		Bfree:   memoryBlocks - used,
		Bavail:  memoryBlocks - used,
		Files:   memoryMaxEntries,
		Ffree:   uint64(memoryMaxEntries - m.entries),
		Bsize:   types.FileBlockSize,
		Frsize:  types.FileBlockSize,
		NameLen: types.MaxNameLen,
	}, nil
}

func (m *MemoryBackend) SetXattr(ctx context.Context, p, name string, value []byte, flags uint32) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	en, err := m.lookup(p)
	if err != nil {
		return err
	}
	_, exist := en.xattrs[name]
	if flags&xattrCreate != 0 && exist {
		return syscall.EEXIST
	}
	if flags&xattrReplace != 0 && !exist {
		return syscall.ENODATA
	}
	if en.xattrs == nil {
		en.xattrs = make(map[string][]byte)
	}
	en.xattrs[name] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryBackend) GetXattr(ctx context.Context, p, name string) ([]byte, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	en, err := m.lookup(p)
	if err != nil {
		return nil, err
	}
	val, ok := en.xattrs[name]
	if !ok {
		return nil, syscall.ENODATA
	}
	return append([]byte(nil), val...), nil
}

func (m *MemoryBackend) ListXattr(ctx context.Context, p string) ([]string, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	en, err := m.lookup(p)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(en.xattrs))
	for name := range en.xattrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryBackend) RemoveXattr(ctx context.Context, p, name string) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	en, err := m.lookup(p)
	if err != nil {
		return err
	}
	if _, ok := en.xattrs[name]; !ok {
		return syscall.ENODATA
	}
	delete(en.xattrs, name)
	return nil
}

// OpenHandles is the number of file and directory handles not yet released.
func (m *MemoryBackend) OpenHandles() int {
	m.mux.Lock()
	defer m.mux.Unlock()
	return len(m.handles)
}

func (m *MemoryBackend) newEntry(mode uint32) *memoryEntry {
	m.nextIno++
	now := time.Now()
	en := &memoryEntry{attr: types.Attr{
		Ino:        m.nextIno,
		Mode:       mode,
		Nlink:      1,
		Blksize:    types.FileBlockSize,
		AccessAt:   now,
		ModifiedAt: now,
		ChangedAt:  now,
	}}
	if en.attr.IsDir() {
		en.attr.Nlink = 2
		en.children = make(map[string]*memoryEntry)
	}
	m.entries++
	return en
}

func (m *MemoryBackend) newHandle(en *memoryEntry, attr types.OpenAttr) uint64 {
	m.nextFh++
	m.handles[m.nextFh] = &memoryHandle{entry: en, open: attr}
	return m.nextFh
}

func (m *MemoryBackend) insert(p string, mode uint32) (*memoryEntry, error) {
	parent, name, err := m.lookupParent(p)
	if err != nil {
		return nil, err
	}
	if _, ok := parent.children[name]; ok {
		return nil, syscall.EEXIST
	}
	if m.entries >= memoryMaxEntries {
		return nil, syscall.ENOSPC
	}
	en := m.newEntry(mode)
	parent.children[name] = en
	if en.attr.IsDir() {
		parent.attr.Nlink++
	}
	parent.attr.ModifiedAt = en.attr.ModifiedAt
	return en, nil
}

func (m *MemoryBackend) detach(parent *memoryEntry, name string) {
	en := parent.children[name]
	delete(parent.children, name)
	if en.attr.IsDir() {
		parent.attr.Nlink--
		en.attr.Nlink = 0
	} else {
		en.attr.Nlink--
	}
	if en.attr.Nlink == 0 {
		m.entries--
	}
	now := time.Now()
	parent.attr.ModifiedAt, en.attr.ChangedAt = now, now
}

func (m *MemoryBackend) lookup(p string) (*memoryEntry, error) {
	en := m.root
	for _, name := range splitPath(p) {
		if !en.attr.IsDir() {
			return nil, syscall.ENOTDIR
		}
		child, ok := en.children[name]
		if !ok {
			return nil, syscall.ENOENT
		}
		en = child
	}
	return en, nil
}

func (m *MemoryBackend) lookupParent(p string) (*memoryEntry, string, error) {
	dir, name := path.Split(path.Clean(p))
	if name == "" || name == "/" {
		return nil, "", syscall.EBUSY
	}
	if len(name) > types.MaxNameLen {
		return nil, "", syscall.ENAMETOOLONG
	}
	parent, err := m.lookup(dir)
	if err != nil {
		return nil, "", err
	}
	if !parent.attr.IsDir() {
		return nil, "", syscall.ENOTDIR
	}
	return parent, name, nil
}

func (m *MemoryBackend) stat(en *memoryEntry) *types.Attr {
	attr := en.attr
	if attr.IsRegular() {
		attr.Size = uint64(len(en.data))
	}
	attr.Blocks = (attr.Size + 511) / 512
	return &attr
}

func (m *MemoryBackend) walk(en *memoryEntry, fn func(en *memoryEntry)) {
	fn(en)
	for _, child := range en.children {
		m.walk(child, fn)
	}
}

func truncate(en *memoryEntry, size int64) {
	switch {
	case size < int64(len(en.data)):
		en.data = en.data[:size]
	case size > int64(len(en.data)):
		en.data = append(en.data, make([]byte, size-int64(len(en.data)))...)
	}
	now := time.Now()
	en.attr.ModifiedAt, en.attr.ChangedAt = now, now
}

func splitPath(p string) []string {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// isSubPath reports whether child is parent or lies below it.
func isSubPath(parent, child string) bool {
	parent, child = path.Clean("/"+parent), path.Clean("/"+child)
	return child == parent || strings.HasPrefix(child, strings.TrimSuffix(parent, "/")+"/")
}
