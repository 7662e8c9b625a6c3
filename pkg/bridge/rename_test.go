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
	"fmt"
	"path"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/basenana/pathfs/config"
	"github.com/basenana/pathfs/pkg/backend"
	"github.com/basenana/pathfs/pkg/inode"
	"github.com/basenana/pathfs/pkg/types"
)

var _ = Describe("TestUnlink", func() {
	var (
		b   *Bridge
		mem *backend.MemoryBackend
		ctx = context.TODO()
	)

	BeforeEach(func() {
		b, mem = newMemoryBridge(config.Bridge{})
	})

	Context("a closed file", func() {
		It("should be deleted and detached", func() {
			id, fh := doCreate(b, inode.RootID, "a")
			doRelease(b, id, fh)

			Expect(doUnlink(b, inode.RootID, "a")).Should(Equal(fuse.OK))
			_, err := mem.GetAttr(ctx, "/a")
			Expect(err).Should(Equal(syscall.ENOENT))
			_, ok := b.Table().LookupName(inode.RootID, "a")
			Expect(ok).Should(BeFalse())

			doForget(b, id, 1)
			_, ok = b.Table().Get(id)
			Expect(ok).Should(BeFalse())
		})
	})

	Context("an open file", func() {
		It("should be hidden until the last release", func() {
			id, fh := doCreate(b, inode.RootID, "a")
			doWrite(b, id, fh, "still here", 0)
			Expect(mustNode(b, id).LookupCount).Should(Equal(uint64(1)))
			Expect(mustNode(b, id).OpenCount).Should(Equal(uint32(1)))

			Expect(doUnlink(b, inode.RootID, "a")).Should(Equal(fuse.OK))
			node := mustNode(b, id)
			Expect(node.Hidden).Should(BeTrue())
			Expect(inode.IsHiddenName(node.Name)).Should(BeTrue())
			_, err := mem.GetAttr(ctx, "/a")
			Expect(err).Should(Equal(syscall.ENOENT))
			_, err = mem.GetAttr(ctx, "/"+node.Name)
			Expect(err).Should(BeNil())

			Expect(doRead(b, id, fh, 64)).Should(Equal("still here"))

			doRelease(b, id, fh)
			_, err = mem.GetAttr(ctx, "/"+node.Name)
			Expect(err).Should(Equal(syscall.ENOENT))
			_, ok := b.Table().LookupName(inode.RootID, node.Name)
			Expect(ok).Should(BeFalse())

			doForget(b, id, 1)
			_, ok = b.Table().Get(id)
			Expect(ok).Should(BeFalse())
			Expect(mem.OpenHandles()).Should(BeZero())
		})

		It("should skip hidden names the backend already has", func() {
			id, fh := doCreate(b, inode.RootID, "a")
			taken := fmt.Sprintf(".fuse_hidden%08x%08x", uint32(id), 1)
			Expect(mem.Mknod(ctx, "/"+taken, syscall.S_IFREG|0644, 0)).Should(BeNil())

			Expect(doUnlink(b, inode.RootID, "a")).Should(Equal(fuse.OK))
			Expect(mustNode(b, id).Name).Should(Equal(fmt.Sprintf(".fuse_hidden%08x%08x", uint32(id), 2)))
			doRelease(b, id, fh)

			_, err := mem.GetAttr(ctx, "/"+taken)
			Expect(err).Should(BeNil())
		})

		It("should be busy when no hidden name is free", func() {
			mem = backend.NewMemoryBackend("memory-test")
			b = New(hiddenTaken{mem}, config.Bridge{})
			id, fh := doCreate(b, inode.RootID, "a")

			Expect(doUnlink(b, inode.RootID, "a")).Should(Equal(fuse.EBUSY))
			Expect(mustNode(b, id).Hidden).Should(BeFalse())
			Expect(mustNode(b, id).Name).Should(Equal("a"))
			doRelease(b, id, fh)
		})

		It("should be deleted right away with hard_remove", func() {
			b, mem = newMemoryBridge(config.Bridge{HardRemove: true})
			id, fh := doCreate(b, inode.RootID, "a")
			doWrite(b, id, fh, "data", 0)

			Expect(doUnlink(b, inode.RootID, "a")).Should(Equal(fuse.OK))
			Expect(mustNode(b, id).Named).Should(BeFalse())
			Expect(doRead(b, id, fh, 64)).Should(Equal("data"))

			doRelease(b, id, fh)
			doForget(b, id, 1)
			_, ok := b.Table().Get(id)
			Expect(ok).Should(BeFalse())
		})
	})

	Context("directories", func() {
		It("should pass ENOTEMPTY through", func() {
			dir := doMkdir(b, inode.RootID, "d")
			id, fh := doCreate(b, dir, "f")
			doRelease(b, id, fh)

			in := header(inode.RootID)
			Expect(b.Rmdir(nil, &in, "d")).Should(Equal(fuse.Status(syscall.ENOTEMPTY)))
			Expect(doUnlink(b, dir, "f")).Should(Equal(fuse.OK))
			Expect(b.Rmdir(nil, &in, "d")).Should(Equal(fuse.OK))
			_, ok := b.Table().LookupName(inode.RootID, "d")
			Expect(ok).Should(BeFalse())
		})
	})
})

var _ = Describe("TestRename", func() {
	var (
		b   *Bridge
		mem *backend.MemoryBackend
		ctx = context.TODO()
	)

	BeforeEach(func() {
		b, mem = newMemoryBridge(config.Bridge{})
	})

	It("should move the name edge", func() {
		id, fh := doCreate(b, inode.RootID, "a")
		doRelease(b, id, fh)
		dir := doMkdir(b, inode.RootID, "d")

		Expect(doRename(b, inode.RootID, "a", dir, "b", 0)).Should(Equal(fuse.OK))
		p, err := b.Table().Resolve(id, "")
		Expect(err).Should(BeNil())
		Expect(p).Should(Equal("/d/b"))
		_, err = mem.GetAttr(ctx, "/d/b")
		Expect(err).Should(BeNil())
	})

	It("should detach a replaced destination", func() {
		a, fh := doCreate(b, inode.RootID, "a")
		doRelease(b, a, fh)
		old, fh := doCreate(b, inode.RootID, "b")
		doRelease(b, old, fh)
		Expect(mustNode(b, old).LookupCount).Should(Equal(uint64(1)))

		Expect(doRename(b, inode.RootID, "a", inode.RootID, "b", 0)).Should(Equal(fuse.OK))
		replaced := mustNode(b, old)
		Expect(replaced.Named).Should(BeFalse())
		p, err := b.Table().Resolve(a, "")
		Expect(err).Should(BeNil())
		Expect(p).Should(Equal("/b"))

		doForget(b, old, 1)
		_, ok := b.Table().Get(old)
		Expect(ok).Should(BeFalse())
	})

	It("should hide an open destination", func() {
		a, fh := doCreate(b, inode.RootID, "a")
		doWrite(b, a, fh, "new", 0)
		doRelease(b, a, fh)
		old, oldFh := doCreate(b, inode.RootID, "b")
		doWrite(b, old, oldFh, "old", 0)

		Expect(doRename(b, inode.RootID, "a", inode.RootID, "b", 0)).Should(Equal(fuse.OK))
		hidden := mustNode(b, old)
		Expect(hidden.Hidden).Should(BeTrue())
		Expect(doRead(b, old, oldFh, 16)).Should(Equal("old"))

		fh = doOpen(b, a, syscall.O_RDONLY)
		Expect(doRead(b, a, fh, 16)).Should(Equal("new"))
		doRelease(b, a, fh)

		doRelease(b, old, oldFh)
		_, err := mem.GetAttr(ctx, "/"+hidden.Name)
		Expect(err).Should(Equal(syscall.ENOENT))
	})

	It("should honor the rename flags", func() {
		a, fh := doCreate(b, inode.RootID, "a")
		doRelease(b, a, fh)
		c, fh := doCreate(b, inode.RootID, "c")
		doRelease(b, c, fh)

		Expect(doRename(b, inode.RootID, "a", inode.RootID, "c", RenameNoreplace)).Should(Equal(fuse.Status(syscall.EEXIST)))
		Expect(doRename(b, inode.RootID, "a", inode.RootID, "c", RenameExchange)).Should(Equal(fuse.ENOSYS))
		Expect(doRename(b, inode.RootID, "a", inode.RootID, "d", RenameNoreplace)).Should(Equal(fuse.OK))
	})

	It("should keep writes through a handle opened before the rename", func() {
		a, fh := doCreate(b, inode.RootID, "a")
		Expect(doRename(b, inode.RootID, "a", inode.RootID, "b", 0)).Should(Equal(fuse.OK))
		doWrite(b, a, fh, "moved", 0)
		doRelease(b, a, fh)

		fh = doOpen(b, a, syscall.O_RDONLY)
		Expect(doRead(b, a, fh, 16)).Should(Equal("moved"))
		doRelease(b, a, fh)
	})

	It("should never hide the entry from a concurrent resolver", func() {
		id, fh := doCreate(b, inode.RootID, "a")
		doRelease(b, id, fh)

		var (
			wg   sync.WaitGroup
			stop = make(chan struct{})
		)
		wg.Add(1)
		go func() {
			defer GinkgoRecover()
			defer wg.Done()
			names := []string{"a", "b"}
			for i := 0; i < 200; i++ {
				Expect(doRename(b, inode.RootID, names[i%2], inode.RootID, names[(i+1)%2], 0)).Should(Equal(fuse.OK))
			}
			close(stop)
		}()

		for running := true; running; {
			select {
			case <-stop:
				running = false
			default:
			}
			var out fuse.AttrOut
			Expect(b.GetAttr(nil, &fuse.GetAttrIn{InHeader: header(id)}, &out)).Should(Equal(fuse.OK))
		}
		wg.Wait()
	})
})

// hiddenTaken pretends every hidden name already exists.
type hiddenTaken struct {
	*backend.MemoryBackend
}

func (h hiddenTaken) GetAttr(ctx context.Context, p string) (*types.Attr, error) {
	if inode.IsHiddenName(path.Base(p)) {
		return &types.Attr{Mode: syscall.S_IFREG | 0644}, nil
	}
	return h.MemoryBackend.GetAttr(ctx, p)
}
