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

func (t *Table) RecordLookup(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustGet(id).LookupCount++
}

// Forget drops count kernel lookups. The last one drops the name edge and the
// node's own structural reference; a hidden node that is still open keeps its
// hidden name so that the final release can still delete it.
func (t *Table) Forget(id, count uint64) {
	if id == RootID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.mustGet(id)
	if n.LookupCount < count {
		fatalf("node %d lookup count underflow: %d < %d", id, n.LookupCount, count)
	}
	n.LookupCount -= count
	if n.LookupCount > 0 {
		return
	}
	if !(n.Hidden && n.OpenCount > 0) {
		t.unhashName(n)
	}
	t.unref(n)
}

// Open accounts one open handle, the handle holds a structural reference
// until it is released.
func (t *Table) Open(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.mustGet(id)
	n.OpenCount++
	n.StructRefs++
	openGauge.Inc()
}

/*
Release drops one open handle.

When the node is hidden and this was its last handle, unlinkHidden is true:
the handle reference is kept and the caller must delete the hidden backend
entry and then call ReleaseHidden, whatever the backend answered.
*/
func (t *Table) Release(id uint64) (unlinkHidden bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.mustGet(id)
	if n.OpenCount == 0 {
		fatalf("node %d open count underflow", id)
	}
	n.OpenCount--
	openGauge.Dec()

	if n.Hidden && n.OpenCount == 0 && n.Named {
		return true
	}
	t.unref(n)
	return false
}

// ReleaseHidden finishes a Release that returned unlinkHidden.
func (t *Table) ReleaseHidden(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.mustGet(id)
	if n.Hidden && n.OpenCount == 0 {
		t.unhashName(n)
	}
	t.unref(n)
}
