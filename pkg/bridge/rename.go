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
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/pkg/errors"

	"github.com/basenana/pathfs/pkg/backend"
	"github.com/basenana/pathfs/pkg/types"
)

const (
	RenameNoreplace = 0x1
	RenameExchange  = 0x2

	maxHideAttempts = 10
)

func (b *Bridge) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	ctx := fuseContext(cancel, header)
	defer trace.StartRegion(ctx, "fuse.bridge.Unlink").End()
	defer logOperationLatency("unlink", time.Now())

	b.table.LockTree()
	defer b.table.UnlockTree()

	p, st := b.resolve(header.NodeId, name)
	if !st.Ok() {
		return st
	}

	if !b.cfg.HardRemove && b.table.IsOpen(header.NodeId, name) {
		return Error2FuseSysError("unlink", b.hide(ctx, header.NodeId, name, p))
	}

	unlinker, ok := b.backend.(backend.Unlinker)
	if !ok {
		return fuse.ENOSYS
	}
	if err := b.do("unlink", func() error { return unlinker.Unlink(ctx, p) }); err != nil {
		return Error2FuseSysError("unlink", err)
	}
	b.table.Detach(header.NodeId, name)
	return fuse.OK
}

func (b *Bridge) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	ctx := fuseContext(cancel, header)
	defer trace.StartRegion(ctx, "fuse.bridge.Rmdir").End()
	defer logOperationLatency("rmdir", time.Now())

	b.table.LockTree()
	defer b.table.UnlockTree()

	p, st := b.resolve(header.NodeId, name)
	if !st.Ok() {
		return st
	}
	rmdirer, ok := b.backend.(backend.Rmdirer)
	if !ok {
		return fuse.ENOSYS
	}
	if err := b.do("rmdir", func() error { return rmdirer.Rmdir(ctx, p) }); err != nil {
		return Error2FuseSysError("rmdir", err)
	}
	b.table.Detach(header.NodeId, name)
	return fuse.OK
}

func (b *Bridge) Rename(cancel <-chan struct{}, input *fuse.RenameIn, oldName string, newName string) fuse.Status {
	ctx := fuseContext(cancel, &input.InHeader)
	defer trace.StartRegion(ctx, "fuse.bridge.Rename").End()
	defer logOperationLatency("rename", time.Now())

	if input.Flags&RenameExchange > 0 {
		return fuse.ENOSYS
	}

	b.table.LockTree()
	defer b.table.UnlockTree()

	oldPath, st := b.resolve(input.NodeId, oldName)
	if !st.Ok() {
		return st
	}
	newPath, st := b.resolve(input.Newdir, newName)
	if !st.Ok() {
		return st
	}
	renamer, ok := b.backend.(backend.Renamer)
	if !ok {
		return fuse.ENOSYS
	}

	if input.Flags&RenameNoreplace > 0 {
		_, err := b.getAttr(ctx, newPath)
		if err == nil {
			return fuse.Status(syscall.EEXIST)
		}
		if !isNotFound(err) {
			return Error2FuseSysError("rename", err)
		}
	}

	if !b.cfg.HardRemove && b.table.IsOpen(input.Newdir, newName) {
		if err := b.hide(ctx, input.Newdir, newName, newPath); err != nil {
			return Error2FuseSysError("rename", err)
		}
	}

	if err := b.do("rename", func() error { return renamer.Rename(ctx, oldPath, newPath) }); err != nil {
		return Error2FuseSysError("rename", err)
	}
	return Error2FuseSysError("rename", b.table.Rename(input.NodeId, oldName, input.Newdir, newName, false))
}

/*
hide moves the open node at (parent, name) out of the way instead of deleting
it: the backend entry is renamed to a synthetic name nobody else uses, in the
table and in the backend, and the last release deletes it.
*/
func (b *Bridge) hide(ctx context.Context, parent uint64, name, p string) error {
	renamer, canRename := b.backend.(backend.Renamer)
	_, canUnlink := b.backend.(backend.Unlinker)
	if !canRename || !canUnlink {
		return types.ErrBusy
	}

	for i := 0; i < maxHideAttempts; i++ {
		hidden, ok := b.table.HiddenName(parent, name)
		if !ok {
			return types.ErrNotFound
		}
		hiddenPath, err := b.table.Resolve(parent, hidden)
		if err != nil {
			return err
		}
		if _, err = b.getAttr(ctx, hiddenPath); !isNotFound(err) {
			b.logger.Debugw("hidden name taken in backend", "path", hiddenPath, "err", err)
			continue
		}

		if err = b.do("rename", func() error { return renamer.Rename(ctx, p, hiddenPath) }); err != nil {
			return errors.Wrapf(err, "hide %s", p)
		}
		return b.table.Rename(parent, name, parent, hidden, true)
	}
	b.logger.Warnw("no free hidden name", "path", p, "attempts", maxHideAttempts)
	return types.ErrBusy
}

func isNotFound(err error) bool {
	err = errors.Cause(err)
	return err == types.ErrNotFound || err == syscall.ENOENT
}
