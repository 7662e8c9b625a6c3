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
	"runtime/trace"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/basenana/pathfs/pkg/backend"
	"github.com/basenana/pathfs/pkg/types"
)

type dirEntry struct {
	name string
	attr *types.Attr
	next int64
}

/*
dirHandle buffers the listing of one open directory.

Kernel offsets count entries from the start of the listing. When the backend
hands out zero offsets its listing cannot be resumed, so the whole of it is
buffered once (filled) and served from memory. Otherwise the handle keeps a
window starting at kernel offset base and refills it from the backend offset
of the last buffered entry, about needlen bytes at a time.
*/
type dirHandle struct {
	node uint64
	fh   uint64

	entries []dirEntry
	base    uint64
	size    int
	needlen int
	next    int64
	filled  bool
	eof     bool

	mux sync.Mutex
}

func (h *dirHandle) rewind() {
	h.entries = nil
	h.base = 0
	h.size = 0
	h.next = 0
	h.filled = false
	h.eof = false
}

// direntSize is the serialized length of one dirent.
func direntSize(name string) int {
	return (24 + len(name) + 7) &^ 7
}

func (h *dirHandle) advance(off uint64) uint64 {
	if off < h.base {
		h.rewind()
		return off
	}
	skip := off - h.base
	if skip <= uint64(len(h.entries)) {
		for _, en := range h.entries[:skip] {
			h.size -= direntSize(en.name)
		}
		h.entries = h.entries[skip:]
		h.base = off
		return 0
	}
	skip -= uint64(len(h.entries))
	h.base += uint64(len(h.entries))
	h.entries = nil
	h.size = 0
	return skip
}

// loadDir returns the buffered entries starting at kernel offset off, reading
// from the backend when the buffer runs dry.
func (b *Bridge) loadDir(ctx context.Context, h *dirHandle, p string, off uint64, size uint32) ([]dirEntry, error) {
	if off == 0 {
		h.rewind()
	}
	if h.filled {
		if off >= uint64(len(h.entries)) {
			return nil, nil
		}
		return h.entries[off:], nil
	}

	skip := h.advance(off)
	if len(h.entries) > 0 || h.eof {
		return h.entries, nil
	}

	reader, ok := b.backend.(backend.DirReader)
	if !ok {
		return nil, types.ErrUnsupported
	}

	var (
		stopped  bool
		flat     bool
		fromBase = h.base == 0 && skip == 0
	)
	h.needlen = int(size)
	err := b.do("readdir", func() error {
		return reader.ReadDir(ctx, p, h.fh, h.next, func(name string, attr *types.Attr, next int64) bool {
			if next == 0 {
				flat = true
			} else {
				h.next = next
			}
			if skip > 0 {
				skip--
				h.base++
				return true
			}
			h.entries = append(h.entries, dirEntry{name: name, attr: attr, next: next})
			h.size += direntSize(name)
			if !flat && h.size >= h.needlen {
				stopped = true
				return false
			}
			return true
		})
	})
	if err != nil {
		h.rewind()
		return nil, err
	}
	if !stopped {
		h.eof = true
		h.filled = flat && fromBase
	}
	return h.entries, nil
}

func (b *Bridge) dirEntry(dir uint64, en dirEntry) fuse.DirEntry {
	out := fuse.DirEntry{Name: en.name, Ino: unknownIno}
	if en.attr != nil {
		out.Mode = en.attr.Mode
	} else if en.name == "." || en.name == ".." {
		out.Mode = syscall.S_IFDIR
	}

	switch {
	case b.cfg.UseIno && en.attr != nil:
		out.Ino = en.attr.Ino
	case b.cfg.ReaddirIno:
		if n, ok := b.table.LookupName(dir, en.name); ok {
			out.Ino = n.ID
		}
	}
	return out
}

func (b *Bridge) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	ctx := fuseContext(cancel, &input.InHeader)
	defer trace.StartRegion(ctx, "fuse.bridge.OpenDir").End()
	defer logOperationLatency("open_dir", time.Now())

	b.table.RLockTree()
	defer b.table.RUnlockTree()

	p, st := b.resolve(input.NodeId, "")
	if !st.Ok() {
		return st
	}

	h := &dirHandle{node: input.NodeId}
	opener, ok := b.backend.(backend.DirOpener)
	if ok {
		err := b.do("opendir", func() (err error) {
			h.fh, err = opener.OpenDir(ctx, p)
			return
		})
		if err != nil {
			return Error2FuseSysError("open_dir", err)
		}
	}

	kfh := b.dirs.register(h)
	if cancelled(cancel) {
		b.dirs.remove(kfh)
		b.releaseDirBackend(ctx, p, h)
		return fuse.EINTR
	}
	out.Fh = kfh
	return fuse.OK
}

func (b *Bridge) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	ctx := fuseContext(cancel, &input.InHeader)
	defer trace.StartRegion(ctx, "fuse.bridge.ReadDir").End()
	defer logOperationLatency("read_dir", time.Now())

	b.table.RLockTree()
	defer b.table.RUnlockTree()

	h := b.dirs.get(input.Fh)
	if h == nil {
		return fuse.EBADF
	}
	h.mux.Lock()
	defer h.mux.Unlock()

	p, st := b.resolve(h.node, "")
	if !st.Ok() {
		return st
	}
	entries, err := b.loadDir(ctx, h, p, input.Offset, input.Size)
	if err != nil {
		return Error2FuseSysError("read_dir", err)
	}
	for _, en := range entries {
		if !out.AddDirEntry(b.dirEntry(h.node, en)) {
			break
		}
	}
	return fuse.OK
}

// ReadDirPlus also looks every entry up, so each one it returns with a node
// id counts as a kernel lookup.
func (b *Bridge) ReadDirPlus(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	ctx := fuseContext(cancel, &input.InHeader)
	defer trace.StartRegion(ctx, "fuse.bridge.ReadDirPlus").End()
	defer logOperationLatency("read_dir_plus", time.Now())

	b.table.RLockTree()
	defer b.table.RUnlockTree()

	h := b.dirs.get(input.Fh)
	if h == nil {
		return fuse.EBADF
	}
	h.mux.Lock()
	defer h.mux.Unlock()

	p, st := b.resolve(h.node, "")
	if !st.Ok() {
		return st
	}
	entries, err := b.loadDir(ctx, h, p, input.Offset, input.Size)
	if err != nil {
		return Error2FuseSysError("read_dir_plus", err)
	}

	var looked []uint64
	for _, en := range entries {
		entryOut := out.AddDirLookupEntry(b.dirEntry(h.node, en))
		if entryOut == nil {
			break
		}
		if en.name == "." || en.name == ".." {
			continue
		}
		if id, ok := b.lookupDirEntry(ctx, h.node, en, entryOut); ok {
			looked = append(looked, id)
		}
	}

	if cancelled(cancel) {
		for _, id := range looked {
			b.table.Forget(id, 1)
		}
		return fuse.EINTR
	}
	return fuse.OK
}

// lookupDirEntry fills the entry part of a readdirplus record, an entry that
// cannot be looked up is left with a zero node id.
func (b *Bridge) lookupDirEntry(ctx context.Context, dir uint64, en dirEntry, out *fuse.EntryOut) (uint64, bool) {
	attr := en.attr
	if attr == nil {
		p, err := b.table.Resolve(dir, en.name)
		if err != nil {
			return 0, false
		}
		if attr, err = b.getAttr(ctx, p); err != nil {
			return 0, false
		}
	}
	node, err := b.table.InsertNamed(dir, en.name)
	if err != nil {
		b.logger.Warnw("readdirplus lookup failed", "dir", dir, "name", en.name, "err", err)
		return 0, false
	}
	b.fillEntry(node, attr, out)
	return node.ID, true
}

func (b *Bridge) ReleaseDir(input *fuse.ReleaseIn) {
	ctx := fuseContext(nil, &input.InHeader)
	defer trace.StartRegion(ctx, "fuse.bridge.ReleaseDir").End()
	defer logOperationLatency("release_dir", time.Now())

	b.table.RLockTree()
	defer b.table.RUnlockTree()

	h := b.dirs.remove(input.Fh)
	if h == nil {
		b.logger.Warnw("release unknown dir handle", "node", input.NodeId, "fh", input.Fh)
		return
	}
	b.releaseDirBackend(ctx, b.handlePath(h.node), h)
}

func (b *Bridge) FsyncDir(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status {
	ctx := fuseContext(cancel, &input.InHeader)
	defer trace.StartRegion(ctx, "fuse.bridge.FsyncDir").End()
	defer logOperationLatency("fsync_dir", time.Now())

	b.table.RLockTree()
	defer b.table.RUnlockTree()

	h := b.dirs.get(input.Fh)
	if h == nil {
		return fuse.EBADF
	}
	fsyncer, ok := b.backend.(backend.DirFsyncer)
	if !ok {
		return fuse.ENOSYS
	}
	p := b.handlePath(h.node)
	datasync := input.FsyncFlags&1 != 0
	return Error2FuseSysError("fsync_dir", b.do("fsyncdir", func() error { return fsyncer.FsyncDir(ctx, p, h.fh, datasync) }))
}

func (b *Bridge) releaseDirBackend(ctx context.Context, p string, h *dirHandle) {
	releaser, ok := b.backend.(backend.DirReleaser)
	if !ok {
		return
	}
	if err := b.do("releasedir", func() error { return releaser.ReleaseDir(ctx, p, h.fh) }); err != nil {
		b.logger.Warnw("release backend dir failed", "path", p, "err", err)
	}
}

type dirHandles struct {
	dirs map[uint64]*dirHandle
	next uint64
	mux  sync.Mutex
}

func newDirHandles() *dirHandles {
	return &dirHandles{dirs: map[uint64]*dirHandle{}}
}

func (h *dirHandles) register(d *dirHandle) uint64 {
	h.mux.Lock()
	defer h.mux.Unlock()
	h.next++
	h.dirs[h.next] = d
	openDirGauge.Inc()
	return h.next
}

func (h *dirHandles) get(fh uint64) *dirHandle {
	h.mux.Lock()
	defer h.mux.Unlock()
	return h.dirs[fh]
}

func (h *dirHandles) remove(fh uint64) *dirHandle {
	h.mux.Lock()
	defer h.mux.Unlock()
	d, ok := h.dirs[fh]
	if !ok {
		return nil
	}
	delete(h.dirs, fh)
	openDirGauge.Dec()
	return d
}
