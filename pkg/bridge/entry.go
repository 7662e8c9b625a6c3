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
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/basenana/pathfs/pkg/backend"
	"github.com/basenana/pathfs/pkg/types"
)

func (b *Bridge) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	ctx := fuseContext(cancel, header)
	defer trace.StartRegion(ctx, "fuse.bridge.Lookup").End()
	defer logOperationLatency("lookup", time.Now())

	b.table.RLockTree()
	defer b.table.RUnlockTree()

	p, st := b.resolve(header.NodeId, name)
	if !st.Ok() {
		return st
	}
	_, st = b.materialize(ctx, cancel, "lookup", header.NodeId, name, p, out)
	if st == fuse.ENOENT && b.negativeTimeout > 0 {
		*out = fuse.EntryOut{}
		out.SetEntryTimeout(b.negativeTimeout)
		return fuse.OK
	}
	return st
}

func (b *Bridge) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	ctx := fuseContext(cancel, &input.InHeader)
	defer trace.StartRegion(ctx, "fuse.bridge.GetAttr").End()
	defer logOperationLatency("get_attr", time.Now())

	b.table.RLockTree()
	defer b.table.RUnlockTree()

	p, st := b.resolve(input.NodeId, "")
	if !st.Ok() {
		return st
	}
	attr, err := b.getAttr(ctx, p)
	if err != nil {
		return Error2FuseSysError("get_attr", err)
	}
	b.fillAttr(input.NodeId, attr, &out.Attr)
	out.SetTimeout(b.attrTimeout)
	return fuse.OK
}

// SetAttr splits the request into the backend's chmod, chown, truncate and
// utimens, in that order, and stops at the first failure.
func (b *Bridge) SetAttr(cancel <-chan struct{}, input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	ctx := fuseContext(cancel, &input.InHeader)
	defer trace.StartRegion(ctx, "fuse.bridge.SetAttr").End()
	defer logOperationLatency("set_attr", time.Now())

	b.table.RLockTree()
	defer b.table.RUnlockTree()

	p, st := b.resolve(input.NodeId, "")
	if !st.Ok() {
		return st
	}

	if mode, ok := input.GetMode(); ok {
		chmoder, ok := b.backend.(backend.Chmoder)
		if !ok {
			return fuse.ENOSYS
		}
		err := b.do("chmod", func() error { return chmoder.Chmod(ctx, p, mode&07777) })
		if err != nil {
			return Error2FuseSysError("set_attr", err)
		}
	}

	uid, setUID := input.GetUID()
	gid, setGID := input.GetGID()
	if setUID || setGID {
		chowner, ok := b.backend.(backend.Chowner)
		if !ok {
			return fuse.ENOSYS
		}
		newUID, newGID := -1, -1
		if setUID {
			newUID = int(uid)
		}
		if setGID {
			newGID = int(gid)
		}
		err := b.do("chown", func() error { return chowner.Chown(ctx, p, newUID, newGID) })
		if err != nil {
			return Error2FuseSysError("set_attr", err)
		}
	}

	if size, ok := input.GetSize(); ok {
		truncater, ok := b.backend.(backend.Truncater)
		if !ok {
			return fuse.ENOSYS
		}
		err := b.do("truncate", func() error { return truncater.Truncate(ctx, p, int64(size)) })
		if err != nil {
			return Error2FuseSysError("set_attr", err)
		}
	}

	atime, setAtime := input.GetATime()
	mtime, setMtime := input.GetMTime()
	if setAtime || setMtime {
		utimenser, ok := b.backend.(backend.Utimenser)
		if !ok {
			return fuse.ENOSYS
		}
		var a, m *time.Time
		if setAtime {
			a = &atime
		}
		if setMtime {
			m = &mtime
		}
		err := b.do("utimens", func() error { return utimenser.Utimens(ctx, p, a, m) })
		if err != nil {
			return Error2FuseSysError("set_attr", err)
		}
	}

	attr, err := b.getAttr(ctx, p)
	if err != nil {
		return Error2FuseSysError("set_attr", err)
	}
	b.fillAttr(input.NodeId, attr, &out.Attr)
	out.SetTimeout(b.attrTimeout)
	return fuse.OK
}

func (b *Bridge) Access(cancel <-chan struct{}, input *fuse.AccessIn) fuse.Status {
	ctx := fuseContext(cancel, &input.InHeader)
	defer trace.StartRegion(ctx, "fuse.bridge.Access").End()
	defer logOperationLatency("access", time.Now())

	b.table.RLockTree()
	defer b.table.RUnlockTree()

	p, st := b.resolve(input.NodeId, "")
	if !st.Ok() {
		return st
	}
	accesser, ok := b.backend.(backend.Accesser)
	if !ok {
		return fuse.ENOSYS
	}
	return Error2FuseSysError("access", b.do("access", func() error { return accesser.Access(ctx, p, input.Mask) }))
}

func (b *Bridge) Readlink(cancel <-chan struct{}, header *fuse.InHeader) ([]byte, fuse.Status) {
	ctx := fuseContext(cancel, header)
	defer trace.StartRegion(ctx, "fuse.bridge.Readlink").End()
	defer logOperationLatency("readlink", time.Now())

	b.table.RLockTree()
	defer b.table.RUnlockTree()

	p, st := b.resolve(header.NodeId, "")
	if !st.Ok() {
		return nil, st
	}
	readlinker, ok := b.backend.(backend.Readlinker)
	if !ok {
		return nil, fuse.ENOSYS
	}
	var target string
	err := b.do("readlink", func() (err error) {
		target, err = readlinker.Readlink(ctx, p)
		return
	})
	if err != nil {
		return nil, Error2FuseSysError("readlink", err)
	}
	return []byte(target), fuse.OK
}

func (b *Bridge) Mknod(cancel <-chan struct{}, input *fuse.MknodIn, name string, out *fuse.EntryOut) fuse.Status {
	ctx := fuseContext(cancel, &input.InHeader)
	defer trace.StartRegion(ctx, "fuse.bridge.Mknod").End()
	defer logOperationLatency("mknod", time.Now())

	b.table.RLockTree()
	defer b.table.RUnlockTree()

	p, st := b.resolve(input.NodeId, name)
	if !st.Ok() {
		return st
	}

	var err error
	switch {
	case input.Mode&syscall.S_IFMT == syscall.S_IFREG && !b.hasMknod():
		// plain files can still be made through create
		err = b.mknodWithCreate(ctx, p, input.Mode)
	default:
		mknoder, ok := b.backend.(backend.Mknoder)
		if !ok {
			return fuse.ENOSYS
		}
		err = b.do("mknod", func() error { return mknoder.Mknod(ctx, p, input.Mode, input.Rdev) })
	}
	if err != nil {
		return Error2FuseSysError("mknod", err)
	}
	_, st = b.materialize(ctx, cancel, "mknod", input.NodeId, name, p, out)
	return st
}

func (b *Bridge) Mkdir(cancel <-chan struct{}, input *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	ctx := fuseContext(cancel, &input.InHeader)
	defer trace.StartRegion(ctx, "fuse.bridge.Mkdir").End()
	defer logOperationLatency("mkdir", time.Now())

	b.table.RLockTree()
	defer b.table.RUnlockTree()

	p, st := b.resolve(input.NodeId, name)
	if !st.Ok() {
		return st
	}
	mkdirer, ok := b.backend.(backend.Mkdirer)
	if !ok {
		return fuse.ENOSYS
	}
	if err := b.do("mkdir", func() error { return mkdirer.Mkdir(ctx, p, input.Mode) }); err != nil {
		return Error2FuseSysError("mkdir", err)
	}
	_, st = b.materialize(ctx, cancel, "mkdir", input.NodeId, name, p, out)
	return st
}

func (b *Bridge) Symlink(cancel <-chan struct{}, header *fuse.InHeader, target string, name string, out *fuse.EntryOut) fuse.Status {
	ctx := fuseContext(cancel, header)
	defer trace.StartRegion(ctx, "fuse.bridge.Symlink").End()
	defer logOperationLatency("symlink", time.Now())

	b.table.RLockTree()
	defer b.table.RUnlockTree()

	p, st := b.resolve(header.NodeId, name)
	if !st.Ok() {
		return st
	}
	symlinker, ok := b.backend.(backend.Symlinker)
	if !ok {
		return fuse.ENOSYS
	}
	if err := b.do("symlink", func() error { return symlinker.Symlink(ctx, target, p) }); err != nil {
		return Error2FuseSysError("symlink", err)
	}
	_, st = b.materialize(ctx, cancel, "symlink", header.NodeId, name, p, out)
	return st
}

// Link gives the new name its own node id, the backend is path based and
// has no notion of two names sharing an identity.
func (b *Bridge) Link(cancel <-chan struct{}, input *fuse.LinkIn, name string, out *fuse.EntryOut) fuse.Status {
	ctx := fuseContext(cancel, &input.InHeader)
	defer trace.StartRegion(ctx, "fuse.bridge.Link").End()
	defer logOperationLatency("link", time.Now())

	b.table.RLockTree()
	defer b.table.RUnlockTree()

	oldPath, st := b.resolve(input.Oldnodeid, "")
	if !st.Ok() {
		return st
	}
	newPath, st := b.resolve(input.NodeId, name)
	if !st.Ok() {
		return st
	}
	linker, ok := b.backend.(backend.Linker)
	if !ok {
		return fuse.ENOSYS
	}
	if err := b.do("link", func() error { return linker.Link(ctx, oldPath, newPath) }); err != nil {
		return Error2FuseSysError("link", err)
	}
	_, st = b.materialize(ctx, cancel, "link", input.NodeId, name, newPath, out)
	return st
}

func (b *Bridge) StatFs(cancel <-chan struct{}, header *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	ctx := fuseContext(cancel, header)
	defer trace.StartRegion(ctx, "fuse.bridge.StatFs").End()
	defer logOperationLatency("statfs", time.Now())

	b.table.RLockTree()
	defer b.table.RUnlockTree()

	p, st := b.resolve(header.NodeId, "")
	if !st.Ok() {
		return st
	}
	statfser, ok := b.backend.(backend.Statfser)
	if !ok {
		out.NameLen = types.MaxNameLen
		out.Bsize = 512
		return fuse.OK
	}
	var info *types.StatFs
	err := b.do("statfs", func() (err error) {
		info, err = statfser.StatFs(ctx, p)
		return
	})
	if err != nil {
		return Error2FuseSysError("statfs", err)
	}
	out.Blocks = info.Blocks
	out.Bfree = info.Bfree
	out.Bavail = info.Bavail
	out.Files = info.Files
	out.Ffree = info.Ffree
	out.Bsize = info.Bsize
	out.NameLen = info.NameLen
	out.Frsize = info.Frsize
	return fuse.OK
}

func (b *Bridge) hasMknod() bool {
	_, ok := b.backend.(backend.Mknoder)
	return ok
}

func (b *Bridge) mknodWithCreate(ctx *fuse.Context, p string, mode uint32) error {
	creator, ok := b.backend.(backend.Creator)
	if !ok {
		return types.ErrUnsupported
	}
	return b.do("create", func() error {
		fh, err := creator.Create(ctx, p, uint32(syscall.O_WRONLY|syscall.O_CREAT|syscall.O_EXCL), mode)
		if err != nil {
			return err
		}
		if releaser, ok := b.backend.(backend.Releaser); ok {
			return releaser.Release(ctx, p, fh)
		}
		return nil
	})
}

func (b *Bridge) do(operation string, fn func() error) error {
	startAt := time.Now()
	err := fn()
	backend.LogOperation(b.backend.ID(), operation, startAt, err)
	return err
}
