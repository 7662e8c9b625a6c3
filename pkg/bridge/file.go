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
	"runtime/trace"
	"sync"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/basenana/pathfs/pkg/backend"
)

type openFile struct {
	node  uint64
	fh    uint64
	flags uint32
}

// fileHandles hands out the fh numbers the kernel sees, 0 is never used.
type fileHandles struct {
	files map[uint64]*openFile
	next  uint64
	mux   sync.Mutex
}

func newFileHandles() *fileHandles {
	return &fileHandles{files: map[uint64]*openFile{}}
}

func (h *fileHandles) register(f *openFile) uint64 {
	h.mux.Lock()
	defer h.mux.Unlock()
	h.next++
	h.files[h.next] = f
	openFileGauge.Inc()
	return h.next
}

func (h *fileHandles) get(fh uint64) *openFile {
	h.mux.Lock()
	defer h.mux.Unlock()
	return h.files[fh]
}

func (h *fileHandles) remove(fh uint64) *openFile {
	h.mux.Lock()
	defer h.mux.Unlock()
	f, ok := h.files[fh]
	if !ok {
		return nil
	}
	delete(h.files, fh)
	openFileGauge.Dec()
	return f
}

func (b *Bridge) Create(cancel <-chan struct{}, input *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	ctx := fuseContext(cancel, &input.InHeader)
	defer trace.StartRegion(ctx, "fuse.bridge.Create").End()
	defer logOperationLatency("create", time.Now())

	b.table.RLockTree()
	defer b.table.RUnlockTree()

	p, st := b.resolve(input.NodeId, name)
	if !st.Ok() {
		return st
	}
	creator, ok := b.backend.(backend.Creator)
	if !ok {
		return fuse.ENOSYS
	}

	var fh uint64
	err := b.do("create", func() (err error) {
		fh, err = creator.Create(ctx, p, input.Flags, input.Mode)
		return
	})
	if err != nil {
		return Error2FuseSysError("create", err)
	}

	attr, err := b.getAttr(ctx, p)
	if err != nil {
		b.releaseBackend(ctx, p, fh)
		return Error2FuseSysError("create", err)
	}
	if !attr.IsRegular() {
		b.logger.Errorw("create got a non regular file", "path", p, "mode", attr.Mode)
		b.releaseBackend(ctx, p, fh)
		return fuse.EIO
	}

	node, err := b.table.InsertNamed(input.NodeId, name)
	if err != nil {
		b.releaseBackend(ctx, p, fh)
		return Error2FuseSysError("create", err)
	}
	b.table.Open(node.ID)
	kfh := b.files.register(&openFile{node: node.ID, fh: fh, flags: input.Flags})

	if cancelled(cancel) {
		b.files.remove(kfh)
		b.releaseBackend(ctx, p, fh)
		b.table.Release(node.ID)
		b.table.Forget(node.ID, 1)
		return fuse.EINTR
	}

	b.fillEntry(node, attr, &out.EntryOut)
	out.Fh = kfh
	out.OpenFlags = b.openFlags()
	return fuse.OK
}

func (b *Bridge) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	ctx := fuseContext(cancel, &input.InHeader)
	defer trace.StartRegion(ctx, "fuse.bridge.Open").End()
	defer logOperationLatency("open", time.Now())

	b.table.RLockTree()
	defer b.table.RUnlockTree()

	p, st := b.resolve(input.NodeId, "")
	if !st.Ok() {
		return st
	}

	// a backend without open is served by path alone
	var fh uint64
	if opener, ok := b.backend.(backend.Opener); ok {
		err := b.do("open", func() (err error) {
			fh, err = opener.Open(ctx, p, input.Flags)
			return
		})
		if err != nil {
			return Error2FuseSysError("open", err)
		}
	}

	b.table.Open(input.NodeId)
	kfh := b.files.register(&openFile{node: input.NodeId, fh: fh, flags: input.Flags})

	if cancelled(cancel) {
		b.files.remove(kfh)
		b.releaseBackend(ctx, p, fh)
		b.table.Release(input.NodeId)
		return fuse.EINTR
	}

	out.Fh = kfh
	out.OpenFlags = b.openFlags()
	return fuse.OK
}

func (b *Bridge) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	ctx := fuseContext(cancel, &input.InHeader)
	defer trace.StartRegion(ctx, "fuse.bridge.Read").End()
	defer logOperationLatency("read", time.Now())

	b.table.RLockTree()
	defer b.table.RUnlockTree()

	f := b.files.get(input.Fh)
	if f == nil {
		return nil, fuse.EBADF
	}
	reader, ok := b.backend.(backend.Reader)
	if !ok {
		return nil, fuse.ENOSYS
	}
	p := b.handlePath(f.node)

	dest := buf
	if int(input.Size) < len(dest) {
		dest = dest[:input.Size]
	}
	var n int
	err := b.do("read", func() (err error) {
		n, err = reader.Read(ctx, p, f.fh, dest, int64(input.Offset))
		return
	})
	if err != nil {
		return nil, Error2FuseSysError("read", err)
	}
	return fuse.ReadResultData(dest[:n]), fuse.OK
}

func (b *Bridge) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	ctx := fuseContext(cancel, &input.InHeader)
	defer trace.StartRegion(ctx, "fuse.bridge.Write").End()
	defer logOperationLatency("write", time.Now())

	b.table.RLockTree()
	defer b.table.RUnlockTree()

	f := b.files.get(input.Fh)
	if f == nil {
		return 0, fuse.EBADF
	}
	writer, ok := b.backend.(backend.Writer)
	if !ok {
		return 0, fuse.ENOSYS
	}
	p := b.handlePath(f.node)

	var n int
	err := b.do("write", func() (err error) {
		n, err = writer.Write(ctx, p, f.fh, data, int64(input.Offset))
		return
	})
	if err != nil {
		return 0, Error2FuseSysError("write", err)
	}
	return uint32(n), fuse.OK
}

func (b *Bridge) Flush(cancel <-chan struct{}, input *fuse.FlushIn) fuse.Status {
	ctx := fuseContext(cancel, &input.InHeader)
	defer trace.StartRegion(ctx, "fuse.bridge.Flush").End()
	defer logOperationLatency("flush", time.Now())

	b.table.RLockTree()
	defer b.table.RUnlockTree()

	f := b.files.get(input.Fh)
	if f == nil {
		return fuse.EBADF
	}
	flusher, ok := b.backend.(backend.Flusher)
	if !ok {
		return fuse.OK
	}
	p := b.handlePath(f.node)
	return Error2FuseSysError("flush", b.do("flush", func() error { return flusher.Flush(ctx, p, f.fh) }))
}

func (b *Bridge) Fsync(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status {
	ctx := fuseContext(cancel, &input.InHeader)
	defer trace.StartRegion(ctx, "fuse.bridge.Fsync").End()
	defer logOperationLatency("fsync", time.Now())

	b.table.RLockTree()
	defer b.table.RUnlockTree()

	f := b.files.get(input.Fh)
	if f == nil {
		return fuse.EBADF
	}
	fsyncer, ok := b.backend.(backend.Fsyncer)
	if !ok {
		return fuse.ENOSYS
	}
	p := b.handlePath(f.node)
	datasync := input.FsyncFlags&1 != 0
	return Error2FuseSysError("fsync", b.do("fsync", func() error { return fsyncer.Fsync(ctx, p, f.fh, datasync) }))
}

// Release closes the backend handle; the last release of a hidden node also
// deletes its hidden backend entry.
func (b *Bridge) Release(cancel <-chan struct{}, input *fuse.ReleaseIn) {
	ctx := fuseContext(cancel, &input.InHeader)
	defer trace.StartRegion(ctx, "fuse.bridge.Release").End()
	defer logOperationLatency("release", time.Now())

	b.table.RLockTree()
	defer b.table.RUnlockTree()

	f := b.files.remove(input.Fh)
	if f == nil {
		b.logger.Warnw("release unknown file handle", "node", input.NodeId, "fh", input.Fh)
		return
	}
	p := b.handlePath(f.node)
	b.releaseBackend(ctx, p, f.fh)

	if !b.table.Release(f.node) {
		return
	}
	if unlinker, ok := b.backend.(backend.Unlinker); ok && p != "" {
		if err := b.do("unlink", func() error { return unlinker.Unlink(ctx, p) }); err != nil {
			b.logger.Errorw("unlink hidden file failed", "path", p, "err", err)
		}
	}
	b.table.ReleaseHidden(f.node)
}

func (b *Bridge) releaseBackend(ctx *fuse.Context, p string, fh uint64) {
	releaser, ok := b.backend.(backend.Releaser)
	if !ok {
		return
	}
	if err := b.do("release", func() error { return releaser.Release(ctx, p, fh) }); err != nil {
		b.logger.Warnw("release backend file failed", "path", p, "err", err)
	}
}

func (b *Bridge) openFlags() uint32 {
	var flags uint32
	if b.cfg.DirectIO {
		flags |= fuse.FOPEN_DIRECT_IO
	}
	if b.cfg.KernelCache {
		flags |= fuse.FOPEN_KEEP_CACHE
	}
	return flags
}
