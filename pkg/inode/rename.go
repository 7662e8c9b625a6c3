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
	"strings"

	"github.com/basenana/pathfs/pkg/types"
)

/*
Rename moves the name edge (oldParent, oldName) to (newParent, newName) after
the backend has done the same.

A node already at the destination loses its name edge: the backend rename has
overwritten it, open handles still reach it by id. With hide set the move is a
hide-on-unlink and an occupied destination means a racing lookup created the
hidden name, which is rejected with ErrBusy.
*/
func (t *Table) Rename(oldParent uint64, oldName string, newParent uint64, newName string, hide bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.lookupName(oldParent, oldName)
	if n == nil {
		return nil
	}

	if dst := t.lookupName(newParent, newName); dst != nil {
		if dst.ID == n.ID {
			return nil
		}
		if hide {
			t.logger.Warnw("hidden file got created during hiding", "node", n.ID, "name", newName)
			return types.ErrBusy
		}
		t.unhashName(dst)
	}

	t.rehashName(n, newParent, newName)
	if hide {
		n.Hidden = true
	}
	return nil
}

// HiddenName picks a synthetic name under parent for the node at (parent,
// name) that no indexed entry uses. ok is false if there is no such node.
func (t *Table) HiddenName(parent uint64, name string) (hidden string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.lookupName(parent, name)
	if n == nil {
		return "", false
	}
	for {
		t.hideCtr++
		hidden = fmt.Sprintf("%s%08x%08x", hiddenNamePrefix, uint32(n.ID), t.hideCtr)
		if t.lookupName(parent, hidden) == nil {
			return hidden, true
		}
	}
}

func IsHiddenName(name string) bool {
	return strings.HasPrefix(name, hiddenNamePrefix)
}
