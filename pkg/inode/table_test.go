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

var _ = Describe("TestInsertNamed", func() {
	var t *Table

	BeforeEach(func() {
		t = New()
	})

	Context("insert a new name", func() {
		It("should allocate a node with one lookup", func() {
			n := mustInsert(t, RootID, "a")
			Expect(n.ID).ShouldNot(Equal(RootID))
			Expect(n.ID).ShouldNot(BeZero())
			Expect(n.LookupCount).Should(Equal(uint64(1)))
			Expect(n.StructRefs).Should(Equal(uint32(1)))
			Expect(n.Named).Should(BeTrue())
			Expect(n.Parent).Should(Equal(RootID))

			root := t.MustGet(RootID)
			Expect(root.StructRefs).Should(Equal(uint32(2)))
		})
	})

	Context("insert an existing name", func() {
		It("should return the same node and count the lookup", func() {
			first := mustInsert(t, RootID, "a")
			second := mustInsert(t, RootID, "a")
			Expect(second.ID).Should(Equal(first.ID))
			Expect(second.LookupCount).Should(Equal(uint64(2)))
			Expect(t.MustGet(RootID).StructRefs).Should(Equal(uint32(2)))
		})
	})

	Context("lookup by name", func() {
		It("should match parent and name exactly", func() {
			dir := mustInsert(t, RootID, "dir")
			child := mustInsert(t, dir.ID, "a")
			top := mustInsert(t, RootID, "a")
			Expect(child.ID).ShouldNot(Equal(top.ID))

			got, ok := t.LookupName(dir.ID, "a")
			Expect(ok).Should(BeTrue())
			Expect(got.ID).Should(Equal(child.ID))

			_, ok = t.LookupName(dir.ID, "A")
			Expect(ok).Should(BeFalse())
		})
	})

	Context("lookup an unknown id", func() {
		It("should return nothing", func() {
			_, ok := t.Get(12345)
			Expect(ok).Should(BeFalse())
		})
		It("should fail fast for ids from the kernel", func() {
			Expect(func() { t.MustGet(12345) }).Should(Panic())
		})
	})
})

var _ = Describe("TestAllocateID", func() {
	Context("allocate without destruction", func() {
		It("should give distinct ids", func() {
			t := New()
			seen := map[uint64]bool{RootID: true}
			for i := 0; i < 1000; i++ {
				n := mustInsert(t, RootID, fmt.Sprintf("file-%d", i))
				Expect(seen[n.ID]).Should(BeFalse())
				seen[n.ID] = true
			}
			Expect(t.Stats().Nodes).Should(Equal(1001))
		})
	})

	Context("allocate concurrently", func() {
		It("should give distinct ids", func() {
			t := New()
			var (
				wg  sync.WaitGroup
				mux sync.Mutex
				ids = map[uint64]string{}
			)
			for w := 0; w < 8; w++ {
				wg.Add(1)
				go func(w int) {
					defer GinkgoRecover()
					defer wg.Done()
					for i := 0; i < 100; i++ {
						name := fmt.Sprintf("w%d-%d", w, i)
						n, err := t.InsertNamed(RootID, name)
						Expect(err).Should(BeNil())
						mux.Lock()
						ids[n.ID] = name
						mux.Unlock()
					}
				}(w)
			}
			wg.Wait()
			Expect(ids).Should(HaveLen(800))
		})
	})

	Context("counter wraps", func() {
		It("should bump generation and skip live ids", func() {
			t := New(WithMaxID(4))
			a := mustInsert(t, RootID, "a")
			b := mustInsert(t, RootID, "b")
			c := mustInsert(t, RootID, "c")
			Expect([]uint64{a.ID, b.ID, c.ID}).Should(Equal([]uint64{2, 3, 4}))
			Expect(c.Generation).Should(BeZero())

			t.Forget(b.ID, 1)
			_, ok := t.Get(b.ID)
			Expect(ok).Should(BeFalse())

			d := mustInsert(t, RootID, "d")
			Expect(d.ID).Should(Equal(b.ID))
			Expect(d.Generation).Should(Equal(uint64(1)))
			Expect(t.Stats().Generation).Should(Equal(uint64(1)))
		})

		It("should report exhaustion instead of spinning", func() {
			t := New(WithMaxID(3))
			mustInsert(t, RootID, "a")
			mustInsert(t, RootID, "b")
			_, err := t.InsertNamed(RootID, "c")
			Expect(err).Should(Equal(types.ErrExhausted))

			_, ok := t.LookupName(RootID, "c")
			Expect(ok).Should(BeFalse())
		})
	})
})

var _ = Describe("TestDetach", func() {
	var t *Table

	BeforeEach(func() {
		t = New()
	})

	Context("detach a looked up name", func() {
		It("should keep the node reachable by id", func() {
			n := mustInsert(t, RootID, "a")
			t.Detach(RootID, "a")

			_, ok := t.LookupName(RootID, "a")
			Expect(ok).Should(BeFalse())

			got, ok := t.Get(n.ID)
			Expect(ok).Should(BeTrue())
			Expect(got.Named).Should(BeFalse())
			Expect(t.MustGet(RootID).StructRefs).Should(Equal(uint32(1)))

			t.Forget(n.ID, 1)
			_, ok = t.Get(n.ID)
			Expect(ok).Should(BeFalse())
		})
	})

	Context("detach a missing name", func() {
		It("should do nothing", func() {
			t.Detach(RootID, "missing")
			Expect(t.Stats().Nodes).Should(Equal(1))
		})
	})

	Context("a forgotten dir with named children", func() {
		It("should stay until the last child edge is gone", func() {
			dir := mustInsert(t, RootID, "dir")
			child := mustInsert(t, dir.ID, "a")

			t.Forget(dir.ID, 1)
			got, ok := t.Get(dir.ID)
			Expect(ok).Should(BeTrue())
			Expect(got.Named).Should(BeFalse())

			_, err := t.Resolve(child.ID, "")
			Expect(err).Should(Equal(types.ErrNotFound))

			t.Forget(child.ID, 1)
			_, ok = t.Get(child.ID)
			Expect(ok).Should(BeFalse())
			_, ok = t.Get(dir.ID)
			Expect(ok).Should(BeFalse())
		})
	})
})
