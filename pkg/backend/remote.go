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
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bluele/gcache"

	"github.com/basenana/pathfs/pkg/types"
)

const (
	remoteFileMode = syscall.S_IFREG | 0644
	remoteDirMode  = syscall.S_IFDIR | 0755
)

// statCache remembers remote attributes by path. A nil statCache is disabled.
type statCache struct {
	id    string
	cache gcache.Cache
}

func newStatCache(id string, size, ttl int) *statCache {
	if size <= 0 {
		return nil
	}
	builder := gcache.New(size).LRU()
	if ttl > 0 {
		builder = builder.Expiration(time.Duration(ttl) * time.Second)
	}
	return &statCache{id: id, cache: builder.Build()}
}

func (c *statCache) get(p string) (*types.Attr, bool) {
	if c == nil {
		return nil, false
	}
	cached, err := c.cache.Get(p)
	if err != nil || cached == nil {
		logStatCache(c.id, false)
		return nil, false
	}
	logStatCache(c.id, true)
	attr := *cached.(*types.Attr)
	return &attr, true
}

func (c *statCache) set(p string, attr *types.Attr) {
	if c == nil || attr == nil {
		return
	}
	cp := *attr
	_ = c.cache.Set(p, &cp)
}

func (c *statCache) invalid(paths ...string) {
	if c == nil {
		return
	}
	for _, p := range paths {
		c.cache.Remove(p)
	}
}

// invalidTree drops p and everything cached below it.
func (c *statCache) invalidTree(p string) {
	if c == nil {
		return
	}
	prefix := strings.TrimSuffix(p, "/") + "/"
	for k := range c.cache.GetALL(false) {
		if key := k.(string); key == p || strings.HasPrefix(key, prefix) {
			c.cache.Remove(key)
		}
	}
}

/*
stagedFile buffers a whole remote object for an open handle. Remote stores
cannot write at an offset, so writes land in the buffer and Flush uploads it.
*/
type stagedFile struct {
	mux    sync.Mutex
	path   string
	data   []byte
	loaded bool
	dirty  bool
	open   types.OpenAttr
}

// target follows the node across renames; p is empty once it lost its name.
func (f *stagedFile) target(p string) string {
	if p != "" {
		f.path = p
	}
	return f.path
}

func (f *stagedFile) readAt(dest []byte, off int64) int {
	if off >= int64(len(f.data)) {
		return 0
	}
	return copy(dest, f.data[off:])
}

func (f *stagedFile) writeAt(data []byte, off int64) int {
	if end := off + int64(len(data)); end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[off:], data)
	f.dirty = true
	return len(data)
}

func (f *stagedFile) truncate(size int64) {
	if size <= int64(len(f.data)) {
		f.data = f.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, f.data)
		f.data = grown
	}
	f.dirty = true
}

type stagedHandles struct {
	mux   sync.Mutex
	files map[uint64]*stagedFile
	next  uint64
}

func newStagedHandles() *stagedHandles {
	return &stagedHandles{files: make(map[uint64]*stagedFile)}
}

func (s *stagedHandles) register(f *stagedFile) uint64 {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.next++
	s.files[s.next] = f
	return s.next
}

func (s *stagedHandles) get(fh uint64) (*stagedFile, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	f, ok := s.files[fh]
	if !ok {
		return nil, syscall.EBADF
	}
	return f, nil
}

func (s *stagedHandles) remove(fh uint64) (*stagedFile, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	f, ok := s.files[fh]
	if !ok {
		return nil, syscall.EBADF
	}
	delete(s.files, fh)
	return f, nil
}

// preload pulls every handle open at p into memory, so it can still serve
// reads once the object is gone. Failures leave the handle reading remotely.
func (s *stagedHandles) preload(ctx context.Context, oio objectIO, p string) {
	for _, f := range s.openedAt(p) {
		f.mux.Lock()
		_ = f.load(ctx, oio)
		f.mux.Unlock()
	}
}

// detach cuts the handles open at p loose from the removed object: they keep
// their buffer and never upload again.
func (s *stagedHandles) detach(p string) {
	for _, f := range s.openedAt(p) {
		f.mux.Lock()
		f.path = ""
		f.mux.Unlock()
	}
}

// follow moves the handles open at oldPath, or below it, to newPath.
func (s *stagedHandles) follow(oldPath, newPath string) {
	prefix := strings.TrimSuffix(oldPath, "/") + "/"
	s.mux.Lock()
	defer s.mux.Unlock()
	for _, f := range s.files {
		f.mux.Lock()
		switch {
		case f.path == oldPath:
			f.path = newPath
		case strings.HasPrefix(f.path, prefix):
			f.path = path.Join(newPath, strings.TrimPrefix(f.path, prefix))
		}
		f.mux.Unlock()
	}
}

// openedAt returns the handles currently staged for p.
func (s *stagedHandles) openedAt(p string) []*stagedFile {
	s.mux.Lock()
	defer s.mux.Unlock()
	var result []*stagedFile
	for _, f := range s.files {
		f.mux.Lock()
		if f.path == p {
			result = append(result, f)
		}
		f.mux.Unlock()
	}
	return result
}

func remoteAttr(isDir bool, size int64, mtime time.Time) *types.Attr {
	attr := &types.Attr{
		Mode:       remoteFileMode,
		Nlink:      1,
		Size:       uint64(size),
		Blksize:    types.FileBlockSize,
		AccessAt:   mtime,
		ModifiedAt: mtime,
		ChangedAt:  mtime,
	}
	if isDir {
		attr.Mode = remoteDirMode
		attr.Nlink = 2
		attr.Size = types.FileBlockSize
	}
	attr.Blocks = (attr.Size + 511) / 512
	return attr
}

// objectIO is the whole-object transfer a remote backend offers.
type objectIO interface {
	readAll(ctx context.Context, p string) ([]byte, error)
	readRange(ctx context.Context, p string, dest []byte, off int64) (int, error)
	writeAll(ctx context.Context, p string, data []byte) error
}

func (s *stagedHandles) read(ctx context.Context, oio objectIO, p string, fh uint64, dest []byte, off int64) (int, error) {
	f, err := s.get(fh)
	if err != nil {
		return 0, err
	}
	f.mux.Lock()
	defer f.mux.Unlock()
	f.target(p)
	if f.loaded {
		return f.readAt(dest, off), nil
	}
	return oio.readRange(ctx, f.path, dest, off)
}

func (s *stagedHandles) write(ctx context.Context, oio objectIO, p string, fh uint64, data []byte, off int64) (int, error) {
	f, err := s.get(fh)
	if err != nil {
		return 0, err
	}
	f.mux.Lock()
	defer f.mux.Unlock()
	if !f.open.Write {
		return 0, syscall.EBADF
	}
	f.target(p)
	if err = f.load(ctx, oio); err != nil {
		return 0, err
	}
	return f.writeAt(data, off), nil
}

func (s *stagedHandles) flush(ctx context.Context, oio objectIO, p string, fh uint64) error {
	f, err := s.get(fh)
	if err != nil {
		return err
	}
	f.mux.Lock()
	defer f.mux.Unlock()
	f.target(p)
	return f.upload(ctx, oio)
}

func (s *stagedHandles) release(ctx context.Context, oio objectIO, p string, fh uint64) error {
	f, err := s.remove(fh)
	if err != nil {
		return err
	}
	f.mux.Lock()
	defer f.mux.Unlock()
	f.target(p)
	return f.upload(ctx, oio)
}

func (f *stagedFile) load(ctx context.Context, oio objectIO) error {
	if f.loaded {
		return nil
	}
	data, err := oio.readAll(ctx, f.path)
	if err != nil {
		return err
	}
	f.data, f.loaded = data, true
	return nil
}

func (f *stagedFile) upload(ctx context.Context, oio objectIO) error {
	if !f.dirty || f.path == "" {
		return nil
	}
	if err := oio.writeAll(ctx, f.path, f.data); err != nil {
		return err
	}
	f.dirty = false
	return nil
}

// truncateObject resizes a remote object by rewriting it.
func truncateObject(ctx context.Context, oio objectIO, p string, size int64) error {
	f := &stagedFile{path: p, open: types.OpenAttr{Write: true}}
	if size > 0 {
		if err := f.load(ctx, oio); err != nil {
			return err
		}
	} else {
		f.loaded = true
	}
	f.truncate(size)
	return f.upload(ctx, oio)
}
