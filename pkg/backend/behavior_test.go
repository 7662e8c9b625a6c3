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

// behaveLikeBackend runs the scenarios every backend has to pass for the
// bridge to work on top of it.
func behaveLikeBackend(newBackend func() Backend) {
	var (
		b   Backend
		ctx = context.TODO()
	)

	BeforeEach(func() {
		b = newBackend()
	})

	writeFile := func(p, content string) {
		fh, err := b.(Creator).Create(ctx, p, uint32(syscall.O_RDWR|syscall.O_CREAT|syscall.O_TRUNC), 0644)
		Expect(err).Should(BeNil())
		n, err := b.(Writer).Write(ctx, p, fh, []byte(content), 0)
		Expect(err).Should(BeNil())
		Expect(n).Should(Equal(len(content)))
		Expect(b.(Flusher).Flush(ctx, p, fh)).Should(BeNil())
		Expect(b.(Releaser).Release(ctx, p, fh)).Should(BeNil())
	}

	readFile := func(p string) string {
		fh, err := b.(Opener).Open(ctx, p, uint32(syscall.O_RDONLY))
		Expect(err).Should(BeNil())
		defer func() { Expect(b.(Releaser).Release(ctx, p, fh)).Should(BeNil()) }()
		buf := make([]byte, 1024)
		n, err := b.(Reader).Read(ctx, p, fh, buf, 0)
		Expect(err).Should(BeNil())
		return string(buf[:n])
	}

	listDir := func(p string) []string {
		var fh uint64
		if opener, ok := b.(DirOpener); ok {
			var err error
			fh, err = opener.OpenDir(ctx, p)
			Expect(err).Should(BeNil())
		}
		var names []string
		err := b.(DirReader).ReadDir(ctx, p, fh, 0, func(name string, attr *types.Attr, next int64) bool {
			names = append(names, name)
			return true
		})
		Expect(err).Should(BeNil())
		if releaser, ok := b.(DirReleaser); ok {
			Expect(releaser.ReleaseDir(ctx, p, fh)).Should(BeNil())
		}
		return names
	}

	Context("root", func() {
		It("should be a directory", func() {
			attr, err := b.(AttrGetter).GetAttr(ctx, "/")
			Expect(err).Should(BeNil())
			Expect(attr.IsDir()).Should(BeTrue())
		})
	})

	Context("missing entries", func() {
		It("should be ENOENT", func() {
			_, err := b.(AttrGetter).GetAttr(ctx, "/none")
			Expect(err).Should(Equal(syscall.ENOENT))
		})
	})

	Context("file content", func() {
		It("should read back what was written", func() {
			writeFile("/a.txt", "hello pathfs")
			attr, err := b.(AttrGetter).GetAttr(ctx, "/a.txt")
			Expect(err).Should(BeNil())
			Expect(attr.IsRegular()).Should(BeTrue())
			Expect(attr.Size).Should(Equal(uint64(len("hello pathfs"))))
			Expect(readFile("/a.txt")).Should(Equal("hello pathfs"))
		})

		It("should read at an offset", func() {
			writeFile("/a.txt", "0123456789")
			fh, err := b.(Opener).Open(ctx, "/a.txt", uint32(syscall.O_RDONLY))
			Expect(err).Should(BeNil())
			buf := make([]byte, 4)
			n, err := b.(Reader).Read(ctx, "/a.txt", fh, buf, 3)
			Expect(err).Should(BeNil())
			Expect(string(buf[:n])).Should(Equal("3456"))
			n, err = b.(Reader).Read(ctx, "/a.txt", fh, buf, 8)
			Expect(err).Should(BeNil())
			Expect(string(buf[:n])).Should(Equal("89"))
			Expect(b.(Releaser).Release(ctx, "/a.txt", fh)).Should(BeNil())
		})

		It("should truncate", func() {
			writeFile("/a.txt", "0123456789")
			Expect(b.(Truncater).Truncate(ctx, "/a.txt", 4)).Should(BeNil())
			Expect(readFile("/a.txt")).Should(Equal("0123"))
		})
	})

	Context("directories", func() {
		It("should list children", func() {
			Expect(b.(Mkdirer).Mkdir(ctx, "/dir", 0755)).Should(BeNil())
			writeFile("/dir/a", "a")
			writeFile("/dir/b", "b")
			Expect(b.(Mkdirer).Mkdir(ctx, "/dir/sub", 0755)).Should(BeNil())

			Expect(listDir("/dir")).Should(ConsistOf(".", "..", "a", "b", "sub"))
		})

		It("should refuse to remove a non-empty directory", func() {
			Expect(b.(Mkdirer).Mkdir(ctx, "/dir", 0755)).Should(BeNil())
			writeFile("/dir/a", "a")
			Expect(b.(Rmdirer).Rmdir(ctx, "/dir")).Should(Equal(syscall.ENOTEMPTY))

			Expect(b.(Unlinker).Unlink(ctx, "/dir/a")).Should(BeNil())
			Expect(b.(Rmdirer).Rmdir(ctx, "/dir")).Should(BeNil())
			_, err := b.(AttrGetter).GetAttr(ctx, "/dir")
			Expect(err).Should(Equal(syscall.ENOENT))
		})

		It("should refuse to mkdir over an entry", func() {
			Expect(b.(Mkdirer).Mkdir(ctx, "/dir", 0755)).Should(BeNil())
			Expect(b.(Mkdirer).Mkdir(ctx, "/dir", 0755)).Should(Equal(syscall.EEXIST))
		})

		It("should refuse to unlink a directory", func() {
			Expect(b.(Mkdirer).Mkdir(ctx, "/dir", 0755)).Should(BeNil())
			Expect(b.(Unlinker).Unlink(ctx, "/dir")).ShouldNot(BeNil())
		})
	})

	Context("rename", func() {
		It("should move a file", func() {
			writeFile("/a", "content")
			Expect(b.(Renamer).Rename(ctx, "/a", "/b")).Should(BeNil())
			_, err := b.(AttrGetter).GetAttr(ctx, "/a")
			Expect(err).Should(Equal(syscall.ENOENT))
			Expect(readFile("/b")).Should(Equal("content"))
		})

		It("should replace the destination", func() {
			writeFile("/a", "new")
			writeFile("/b", "old")
			Expect(b.(Renamer).Rename(ctx, "/a", "/b")).Should(BeNil())
			Expect(readFile("/b")).Should(Equal("new"))
		})

		It("should move a directory with its children", func() {
			Expect(b.(Mkdirer).Mkdir(ctx, "/d1", 0755)).Should(BeNil())
			writeFile("/d1/f", "f")
			Expect(b.(Renamer).Rename(ctx, "/d1", "/d2")).Should(BeNil())
			Expect(readFile("/d2/f")).Should(Equal("f"))
			_, err := b.(AttrGetter).GetAttr(ctx, "/d1/f")
			Expect(err).Should(Equal(syscall.ENOENT))
		})

		It("should keep an open handle working", func() {
			writeFile("/a", "content")
			fh, err := b.(Opener).Open(ctx, "/a", uint32(syscall.O_RDWR))
			Expect(err).Should(BeNil())
			Expect(b.(Renamer).Rename(ctx, "/a", "/b")).Should(BeNil())

			_, err = b.(Writer).Write(ctx, "/b", fh, []byte("C"), 0)
			Expect(err).Should(BeNil())
			Expect(b.(Releaser).Release(ctx, "/b", fh)).Should(BeNil())
			Expect(readFile("/b")).Should(Equal("Content"))
		})
	})

	Context("create exclusive", func() {
		It("should fail on an existing file", func() {
			writeFile("/a", "a")
			_, err := b.(Creator).Create(ctx, "/a", uint32(syscall.O_RDWR|syscall.O_CREAT|syscall.O_EXCL), 0644)
			Expect(err).Should(Equal(syscall.EEXIST))
		})
	})
}
