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
	"syscall"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/basenana/pathfs/pkg/types"
)

var _ = Describe("TestMemoryBackend", func() {
	behaveLikeBackend(func() Backend { return NewMemoryBackend("memory-test") })

	var (
		m   *MemoryBackend
		ctx = context.TODO()
	)

	BeforeEach(func() {
		m = NewMemoryBackend("memory-test")
	})

	Context("read dir from an offset", func() {
		It("should resume where the last fill stopped", func() {
			Expect(m.Mkdir(ctx, "/dir", 0755)).Should(BeNil())
			for _, name := range []string{"a", "b", "c", "d"} {
				Expect(m.Mknod(ctx, "/dir/"+name, syscall.S_IFREG|0644, 0)).Should(BeNil())
			}
			fh, err := m.OpenDir(ctx, "/dir")
			Expect(err).Should(BeNil())

			var (
				names []string
				last  int64
			)
			err = m.ReadDir(ctx, "/dir", fh, 0, func(name string, attr *types.Attr, next int64) bool {
				if len(names) == 3 {
					return false
				}
				names, last = append(names, name), next
				return true
			})
			Expect(err).Should(BeNil())
			Expect(names).Should(Equal([]string{".", "..", "a"}))
			Expect(last).Should(Equal(int64(3)))

			names = nil
			err = m.ReadDir(ctx, "/dir", fh, last, func(name string, attr *types.Attr, next int64) bool {
				names = append(names, name)
				return true
			})
			Expect(err).Should(BeNil())
			Expect(names).Should(Equal([]string{"b", "c", "d"}))
			Expect(m.ReleaseDir(ctx, "/dir", fh)).Should(BeNil())
			Expect(m.OpenHandles()).Should(BeZero())
		})
	})

	Context("unlink an open file", func() {
		It("should stay readable through the handle", func() {
			fh, err := m.Create(ctx, "/a", uint32(syscall.O_RDWR|syscall.O_CREAT), 0644)
			Expect(err).Should(BeNil())
			_, err = m.Write(ctx, "/a", fh, []byte("data"), 0)
			Expect(err).Should(BeNil())
			Expect(m.Unlink(ctx, "/a")).Should(BeNil())

			buf := make([]byte, 8)
			n, err := m.Read(ctx, "", fh, buf, 0)
			Expect(err).Should(BeNil())
			Expect(string(buf[:n])).Should(Equal("data"))
			Expect(m.Release(ctx, "", fh)).Should(BeNil())
		})
	})

	Context("hard links", func() {
		It("should share content and count links", func() {
			Expect(m.Mknod(ctx, "/a", syscall.S_IFREG|0644, 0)).Should(BeNil())
			Expect(m.Link(ctx, "/a", "/b")).Should(BeNil())
			attr, err := m.GetAttr(ctx, "/b")
			Expect(err).Should(BeNil())
			Expect(attr.Nlink).Should(Equal(uint32(2)))

			Expect(m.Unlink(ctx, "/a")).Should(BeNil())
			attr, err = m.GetAttr(ctx, "/b")
			Expect(err).Should(BeNil())
			Expect(attr.Nlink).Should(Equal(uint32(1)))
		})
	})

	Context("rename a directory into itself", func() {
		It("should be invalid", func() {
			Expect(m.Mkdir(ctx, "/d", 0755)).Should(BeNil())
			Expect(m.Mkdir(ctx, "/d/e", 0755)).Should(BeNil())
			Expect(m.Rename(ctx, "/d", "/d/e/f")).Should(Equal(syscall.EINVAL))
		})
	})

	Context("symlinks", func() {
		It("should read back the target", func() {
			Expect(m.Symlink(ctx, "../target", "/l")).Should(BeNil())
			target, err := m.Readlink(ctx, "/l")
			Expect(err).Should(BeNil())
			Expect(target).Should(Equal("../target"))
			attr, err := m.GetAttr(ctx, "/l")
			Expect(err).Should(BeNil())
			Expect(attr.IsSymlink()).Should(BeTrue())
		})
	})

	Context("devices", func() {
		It("should not be created", func() {
			Expect(m.Mknod(ctx, "/dev", syscall.S_IFCHR|0644, 0x0101)).Should(Equal(syscall.EPERM))
		})
	})

	Context("xattrs", func() {
		It("should honor create and replace flags", func() {
			Expect(m.Mknod(ctx, "/a", syscall.S_IFREG|0644, 0)).Should(BeNil())
			Expect(m.SetXattr(ctx, "/a", "user.k", []byte("v1"), xattrReplace)).Should(Equal(syscall.ENODATA))
			Expect(m.SetXattr(ctx, "/a", "user.k", []byte("v1"), xattrCreate)).Should(BeNil())
			Expect(m.SetXattr(ctx, "/a", "user.k", []byte("v2"), xattrCreate)).Should(Equal(syscall.EEXIST))
			Expect(m.SetXattr(ctx, "/a", "user.k", []byte("v2"), xattrReplace)).Should(BeNil())

			val, err := m.GetXattr(ctx, "/a", "user.k")
			Expect(err).Should(BeNil())
			Expect(string(val)).Should(Equal("v2"))
			names, err := m.ListXattr(ctx, "/a")
			Expect(err).Should(BeNil())
			Expect(names).Should(Equal([]string{"user.k"}))

			Expect(m.RemoveXattr(ctx, "/a", "user.k")).Should(BeNil())
			_, err = m.GetXattr(ctx, "/a", "user.k")
			Expect(err).Should(Equal(syscall.ENODATA))
		})
	})

	Context("statfs", func() {
		It("should count entries", func() {
			before, err := m.StatFs(ctx, "/")
			Expect(err).Should(BeNil())
			Expect(m.Mkdir(ctx, "/d", 0755)).Should(BeNil())
			after, err := m.StatFs(ctx, "/")
			Expect(err).Should(BeNil())
			Expect(after.Ffree).Should(Equal(before.Ffree - 1))
			Expect(after.NameLen).Should(Equal(uint32(types.MaxNameLen)))
		})
	})
})
