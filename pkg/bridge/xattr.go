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
	"strings"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/basenana/pathfs/pkg/backend"
)

func (b *Bridge) GetXAttr(cancel <-chan struct{}, header *fuse.InHeader, attr string, dest []byte) (uint32, fuse.Status) {
	ctx := fuseContext(cancel, header)
	defer trace.StartRegion(ctx, "fuse.bridge.GetXAttr").End()
	defer logOperationLatency("get_xattr", time.Now())

	b.table.RLockTree()
	defer b.table.RUnlockTree()

	p, st := b.resolve(header.NodeId, "")
	if !st.Ok() {
		return 0, st
	}
	getter, ok := b.backend.(backend.XattrGetter)
	if !ok {
		return 0, fuse.ENOSYS
	}
	var val []byte
	err := b.do("getxattr", func() (err error) {
		val, err = getter.GetXattr(ctx, p, attr)
		return
	})
	if err != nil {
		return 0, Error2FuseSysError("get_xattr", err)
	}
	return copyXattr(val, dest)
}

func (b *Bridge) ListXAttr(cancel <-chan struct{}, header *fuse.InHeader, dest []byte) (uint32, fuse.Status) {
	ctx := fuseContext(cancel, header)
	defer trace.StartRegion(ctx, "fuse.bridge.ListXAttr").End()
	defer logOperationLatency("list_xattr", time.Now())

	b.table.RLockTree()
	defer b.table.RUnlockTree()

	p, st := b.resolve(header.NodeId, "")
	if !st.Ok() {
		return 0, st
	}
	lister, ok := b.backend.(backend.XattrLister)
	if !ok {
		return 0, fuse.ENOSYS
	}
	var names []string
	err := b.do("listxattr", func() (err error) {
		names, err = lister.ListXattr(ctx, p)
		return
	})
	if err != nil {
		return 0, Error2FuseSysError("list_xattr", err)
	}
	if len(names) == 0 {
		return 0, fuse.OK
	}
	return copyXattr([]byte(strings.Join(names, "\x00")+"\x00"), dest)
}

func (b *Bridge) SetXAttr(cancel <-chan struct{}, input *fuse.SetXAttrIn, attr string, data []byte) fuse.Status {
	ctx := fuseContext(cancel, &input.InHeader)
	defer trace.StartRegion(ctx, "fuse.bridge.SetXAttr").End()
	defer logOperationLatency("set_xattr", time.Now())

	b.table.RLockTree()
	defer b.table.RUnlockTree()

	p, st := b.resolve(input.NodeId, "")
	if !st.Ok() {
		return st
	}
	setter, ok := b.backend.(backend.XattrSetter)
	if !ok {
		return fuse.ENOSYS
	}
	return Error2FuseSysError("set_xattr", b.do("setxattr", func() error { return setter.SetXattr(ctx, p, attr, data, input.Flags) }))
}

func (b *Bridge) RemoveXAttr(cancel <-chan struct{}, header *fuse.InHeader, attr string) fuse.Status {
	ctx := fuseContext(cancel, header)
	defer trace.StartRegion(ctx, "fuse.bridge.RemoveXAttr").End()
	defer logOperationLatency("remove_xattr", time.Now())

	b.table.RLockTree()
	defer b.table.RUnlockTree()

	p, st := b.resolve(header.NodeId, "")
	if !st.Ok() {
		return st
	}
	remover, ok := b.backend.(backend.XattrRemover)
	if !ok {
		return fuse.ENOSYS
	}
	return Error2FuseSysError("remove_xattr", b.do("removexattr", func() error { return remover.RemoveXattr(ctx, p, attr) }))
}

// copyXattr follows the xattr size protocol: an empty dest asks for the size,
// a short one is ERANGE.
func copyXattr(val, dest []byte) (uint32, fuse.Status) {
	sz := uint32(len(val))
	if len(dest) == 0 {
		return sz, fuse.OK
	}
	if len(dest) < len(val) {
		return sz, fuse.ERANGE
	}
	copy(dest, val)
	return sz, fuse.OK
}
