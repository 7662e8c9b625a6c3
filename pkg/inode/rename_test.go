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

package inode

import (
	"fmt"
	"sync"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/basenana/pathfs/pkg/types"
)

var _ = Describe("TestRename", func() {
	var t *Table

	BeforeEach(func() {
		t = New()
	})

	Context("rename to a free name", func() {
		It("should move the name edge", func() {
			a := mustInsert(t, RootID, "a")
			Expect(t.Rename(RootID, "a", RootID, "b", false)).Should(BeNil())

			_, ok := t.LookupName(RootID, "a")
			Expect(ok).Should(BeFalse())
			got, ok := t.LookupName(RootID, "b")
			Expect(ok).Should(BeTrue())
			Expect(got.ID).Should(Equal(a.ID))

			p, err := t.Resolve(a.ID, "")
			Expect(err).Should(BeNil())
			Expect(p).Should(Equal("/b"))
			Expect(t.MustGet(RootID).StructRefs).Should(Equal(uint32(2)))
		})
	})

	Context("rename over an existing name", func() {
		It("should detach the old destination but keep it by id", func() {
			a := mustInsert(t, RootID, "a")
			b := mustInsert(t, RootID, "b")
			Expect(t.Rename(RootID, "a", RootID, "b", false)).Should(BeNil())

			oldB, ok := t.Get(b.ID)
			Expect(ok).Should(BeTrue())
			Expect(oldB.Named).Should(BeFalse())
			Expect(oldB.LookupCount).Should(Equal(uint64(1)))

			p, err := t.Resolve(a.ID, "")
			Expect(err).Should(BeNil())
			Expect(p).Should(Equal("/b"))
			Expect(t.MustGet(RootID).StructRefs).Should(Equal(uint32(2)))

			t.Forget(b.ID, 1)
			_, ok = t.Get(b.ID)
			Expect(ok).Should(BeFalse())
		})
	})

	Context("rename across directories", func() {
		It("should move parent references", func() {
			d1 := mustInsert(t, RootID, "d1")
			d2 := mustInsert(t, RootID, "d2")
			f := mustInsert(t, d1.ID, "f")
			Expect(t.MustGet(d1.ID).StructRefs).Should(Equal(uint32(2)))

			Expect(t.Rename(d1.ID, "f", d2.ID, "g", false)).Should(BeNil())
			Expect(t.MustGet(d1.ID).StructRefs).Should(Equal(uint32(1)))
			Expect(t.MustGet(d2.ID).StructRefs).Should(Equal(uint32(2)))

			p, err := t.Resolve(f.ID, "")
			Expect(err).Should(BeNil())
			Expect(p).Should(Equal("/d2/g"))
		})

		It("should keep a forgotten source parent alive until the move", func() {
			d1 := mustInsert(t, RootID, "d1")
			f := mustInsert(t, d1.ID, "f")
			Expect(t.Rename(d1.ID, "f", RootID, "f", false)).Should(BeNil())
			t.Forget(d1.ID, 1)
			_, ok := t.Get(d1.ID)
			Expect(ok).Should(BeFalse())

			p, err := t.Resolve(f.ID, "")
			Expect(err).Should(BeNil())
			Expect(p).Should(Equal("/f"))
		})
	})

	Context("rename a name that is not indexed", func() {
		It("should be a no-op", func() {
			Expect(t.Rename(RootID, "x", RootID, "y", false)).Should(BeNil())
			Expect(t.Stats().Named).Should(BeZero())
		})
	})

	Context("hide onto an occupied name", func() {
		It("should be busy", func() {
			mustInsert(t, RootID, "a")
			mustInsert(t, RootID, ".fuse_hidden")
			Expect(t.Rename(RootID, "a", RootID, ".fuse_hidden", true)).Should(Equal(types.ErrBusy))
			_, ok := t.LookupName(RootID, "a")
			Expect(ok).Should(BeTrue())
		})
	})

	Context("concurrent resolve while renaming", func() {
		It("should always see the entry at one of the names", func() {
			dir := mustInsert(t, RootID, "dir")
			f := mustInsert(t, dir.ID, "a")

			stop := make(chan struct{})
			var wg sync.WaitGroup
			for i := 0; i < 4; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					for {
						select {
						case <-stop:
							return
						default:
						}
						t.RLockTree()
						p, err := t.Resolve(f.ID, "")
						t.RUnlockTree()
						Expect(err).Should(BeNil())
						Expect(p).Should(BeElementOf("/dir/a", "/dir/b"))
					}
				}()
			}

			names := []string{"a", "b"}
			for i := 0; i < 500; i++ {
				t.LockTree()
				Expect(t.Rename(dir.ID, names[i%2], dir.ID, names[(i+1)%2], false)).Should(BeNil())
				t.UnlockTree()
			}
			close(stop)
			wg.Wait()
		})
	})
})

var _ = Describe("TestHide", func() {
	var t *Table

	BeforeEach(func() {
		t = New()
	})

	Context("pick a hidden name", func() {
		It("should encode the node id and skip indexed names", func() {
			a := mustInsert(t, RootID, "a")
			first, ok := t.HiddenName(RootID, "a")
			Expect(ok).Should(BeTrue())
			Expect(first).Should(Equal(fmt.Sprintf(".fuse_hidden%08x%08x", a.ID, 1)))
			Expect(IsHiddenName(first)).Should(BeTrue())

			taken := fmt.Sprintf(".fuse_hidden%08x%08x", a.ID, 2)
			mustInsert(t, RootID, taken)
			second, ok := t.HiddenName(RootID, "a")
			Expect(ok).Should(BeTrue())
			Expect(second).Should(Equal(fmt.Sprintf(".fuse_hidden%08x%08x", a.ID, 3)))
		})

		It("should fail for missing names", func() {
			_, ok := t.HiddenName(RootID, "none")
			Expect(ok).Should(BeFalse())
		})
	})

	Context("hide an open node then release it", func() {
		It("should walk Named, Hidden, Detached", func() {
			a := mustInsert(t, RootID, "a")
			t.Open(a.ID)

			hidden, ok := t.HiddenName(RootID, "a")
			Expect(ok).Should(BeTrue())
			Expect(t.Rename(RootID, "a", RootID, hidden, true)).Should(BeNil())

			got := t.MustGet(a.ID)
			Expect(got.Hidden).Should(BeTrue())
			Expect(got.Name).Should(Equal(hidden))
			_, ok = t.LookupName(RootID, "a")
			Expect(ok).Should(BeFalse())

			Expect(t.Release(a.ID)).Should(BeTrue())
			t.ReleaseHidden(a.ID)

			got, ok = t.Get(a.ID)
			Expect(ok).Should(BeTrue())
			Expect(got.Named).Should(BeFalse())
			Expect(got.Hidden).Should(BeFalse())
			Expect(t.Stats().Named).Should(BeZero())

			t.Forget(a.ID, 1)
			_, ok = t.Get(a.ID)
			Expect(ok).Should(BeFalse())
		})

		It("should keep the hidden name when forgotten while open", func() {
			a := mustInsert(t, RootID, "a")
			t.Open(a.ID)
			hidden, _ := t.HiddenName(RootID, "a")
			Expect(t.Rename(RootID, "a", RootID, hidden, true)).Should(BeNil())

			t.Forget(a.ID, 1)
			p, err := t.Resolve(a.ID, "")
			Expect(err).Should(BeNil())
			Expect(p).Should(Equal("/" + hidden))

			Expect(t.Release(a.ID)).Should(BeTrue())
			t.ReleaseHidden(a.ID)
			_, ok := t.Get(a.ID)
			Expect(ok).Should(BeFalse())
			Expect(t.MustGet(RootID).StructRefs).Should(Equal(uint32(1)))
		})

		It("should keep a hidden node looked up again after forget until its last forget", func() {
			a := mustInsert(t, RootID, "a")
			t.Open(a.ID)
			hidden, _ := t.HiddenName(RootID, "a")
			Expect(t.Rename(RootID, "a", RootID, hidden, true)).Should(BeNil())
			t.Forget(a.ID, 1)

			again := mustInsert(t, RootID, hidden)
			Expect(again.ID).Should(Equal(a.ID))
			Expect(again.LookupCount).Should(Equal(uint64(1)))
			Expect(again.StructRefs).Should(Equal(uint32(2)))

			Expect(t.Release(a.ID)).Should(BeTrue())
			t.ReleaseHidden(a.ID)

			got, ok := t.Get(a.ID)
			Expect(ok).Should(BeTrue())
			Expect(got.Named).Should(BeFalse())
			Expect(got.LookupCount).Should(Equal(uint64(1)))

			t.Forget(a.ID, 1)
			_, ok = t.Get(a.ID)
			Expect(ok).Should(BeFalse())
			Expect(t.MustGet(RootID).StructRefs).Should(Equal(uint32(1)))
		})

		It("should drop the retaken reference when forgotten again while open", func() {
			a := mustInsert(t, RootID, "a")
			t.Open(a.ID)
			hidden, _ := t.HiddenName(RootID, "a")
			Expect(t.Rename(RootID, "a", RootID, hidden, true)).Should(BeNil())
			t.Forget(a.ID, 1)
			mustInsert(t, RootID, hidden)
			t.Forget(a.ID, 1)

			got := t.MustGet(a.ID)
			Expect(got.StructRefs).Should(Equal(uint32(1)))
			Expect(got.Hidden).Should(BeTrue())

			Expect(t.Release(a.ID)).Should(BeTrue())
			t.ReleaseHidden(a.ID)
			_, ok := t.Get(a.ID)
			Expect(ok).Should(BeFalse())
		})
	})
})
