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
	"math/rand"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("TestForget", func() {
	var t *Table

	BeforeEach(func() {
		t = New()
	})

	Context("lookup twice then forget one by one", func() {
		It("should destroy the node at zero", func() {
			mustInsert(t, RootID, "a")
			n := mustInsert(t, RootID, "a")
			Expect(n.LookupCount).Should(Equal(uint64(2)))

			t.Forget(n.ID, 1)
			got, ok := t.Get(n.ID)
			Expect(ok).Should(BeTrue())
			Expect(got.LookupCount).Should(Equal(uint64(1)))

			t.Forget(n.ID, 1)
			_, ok = t.Get(n.ID)
			Expect(ok).Should(BeFalse())
			_, ok = t.LookupName(RootID, "a")
			Expect(ok).Should(BeFalse())
			Expect(t.MustGet(RootID).StructRefs).Should(Equal(uint32(1)))
		})
	})

	Context("forget with a batch count", func() {
		It("should drop all at once", func() {
			var id uint64
			for i := 0; i < 5; i++ {
				id = mustInsert(t, RootID, "a").ID
			}
			t.Forget(id, 5)
			_, ok := t.Get(id)
			Expect(ok).Should(BeFalse())
		})
	})

	Context("random lookup and forget sequences", func() {
		It("should keep the node iff the net count is positive", func() {
			r := rand.New(rand.NewSource(42))
			var (
				id  uint64
				net uint64
			)
			for i := 0; i < 2000; i++ {
				if net == 0 || r.Intn(2) == 0 {
					n := mustInsert(t, RootID, "a")
					if net > 0 {
						Expect(n.ID).Should(Equal(id))
					}
					id = n.ID
					net++
				} else {
					cnt := uint64(r.Intn(int(net))) + 1
					t.Forget(id, cnt)
					net -= cnt
				}
				got, ok := t.Get(id)
				Expect(ok).Should(Equal(net > 0))
				if ok {
					Expect(got.LookupCount).Should(Equal(net))
				}
			}
		})
	})

	Context("forget root", func() {
		It("should be ignored", func() {
			t.Forget(RootID, 1)
			root, ok := t.Get(RootID)
			Expect(ok).Should(BeTrue())
			Expect(root.LookupCount).Should(Equal(uint64(1)))
		})
	})

	Context("forget more than looked up", func() {
		It("should fail fast", func() {
			n := mustInsert(t, RootID, "a")
			Expect(func() { t.Forget(n.ID, 2) }).Should(Panic())
		})
	})

	Context("record lookup", func() {
		It("should need one more forget", func() {
			n := mustInsert(t, RootID, "a")
			t.RecordLookup(n.ID)
			t.Forget(n.ID, 1)
			_, ok := t.Get(n.ID)
			Expect(ok).Should(BeTrue())
			t.Forget(n.ID, 1)
			_, ok = t.Get(n.ID)
			Expect(ok).Should(BeFalse())
		})
	})
})

var _ = Describe("TestOpenRelease", func() {
	var t *Table

	BeforeEach(func() {
		t = New()
	})

	Context("forget an open node", func() {
		It("should keep it until the release", func() {
			n := mustInsert(t, RootID, "a")
			t.Open(n.ID)
			t.Forget(n.ID, 1)

			got, ok := t.Get(n.ID)
			Expect(ok).Should(BeTrue())
			Expect(got.OpenCount).Should(Equal(uint32(1)))

			Expect(t.Release(n.ID)).Should(BeFalse())
			_, ok = t.Get(n.ID)
			Expect(ok).Should(BeFalse())
		})
	})

	Context("release does not touch lookups", func() {
		It("should keep lookup count", func() {
			n := mustInsert(t, RootID, "a")
			t.Open(n.ID)
			t.Open(n.ID)
			Expect(t.IsOpen(RootID, "a")).Should(BeTrue())
			Expect(t.Release(n.ID)).Should(BeFalse())
			Expect(t.Release(n.ID)).Should(BeFalse())
			Expect(t.IsOpen(RootID, "a")).Should(BeFalse())

			got := t.MustGet(n.ID)
			Expect(got.LookupCount).Should(Equal(uint64(1)))
			Expect(got.StructRefs).Should(Equal(uint32(1)))
		})
	})

	Context("release without open", func() {
		It("should fail fast", func() {
			n := mustInsert(t, RootID, "a")
			Expect(func() { t.Release(n.ID) }).Should(Panic())
		})
	})
})
