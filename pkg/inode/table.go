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
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/basenana/pathfs/pkg/types"
	"github.com/basenana/pathfs/utils/logger"
)

/*
Table maps kernel node ids to backend path components.

Two locks guard it:
  - mu, the table lock, protects the indices and every Node field. It is held
    for a single table operation and never across a backend call.
  - tree, the tree lock, protects the shape of the path space as seen by
    Resolve. Request handlers take it first (shared or exclusive) and keep it
    for the whole request; mu is always the innermost lock.
*/
type Table struct {
	mu   sync.Mutex
	tree sync.RWMutex

	byID   map[uint64]*Node
	byName map[nameKey]uint64

	ctr        uint64
	maxID      uint64
	generation uint64
	hideCtr    uint32

	logger *zap.SugaredLogger
}

type Option func(t *Table)

// WithMaxID bounds the id counter, ids wrap back to 1 past it.
func WithMaxID(max uint64) Option {
	return func(t *Table) {
		if max > RootID {
			t.maxID = max
		}
	}
}

func New(opts ...Option) *Table {
	t := &Table{
		byID:   make(map[uint64]*Node),
		byName: make(map[nameKey]uint64),
		ctr:    RootID,
		maxID:  math.MaxUint64,
		logger: logger.NewLogger("inode"),
	}
	for _, opt := range opts {
		opt(t)
	}

	t.byID[RootID] = &Node{
		ID:          RootID,
		StructRefs:  1,
		LookupCount: 1,
	}
	return t
}

func (t *Table) RLockTree()   { t.tree.RLock() }
func (t *Table) RUnlockTree() { t.tree.RUnlock() }
func (t *Table) LockTree()    { t.tree.Lock() }
func (t *Table) UnlockTree()  { t.tree.Unlock() }

// Get returns a snapshot of the node.
func (t *Table) Get(id uint64) (Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.byID[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// MustGet is Get for ids that came from the kernel; an unknown id there means
// the node table and the kernel disagree, which is not recoverable.
func (t *Table) MustGet(id uint64) Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.mustGet(id)
}

func (t *Table) LookupName(parent uint64, name string) (Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.lookupName(parent, name)
	if n == nil {
		return Node{}, false
	}
	return *n, true
}

// InsertNamed returns the node at (parent, name), creating it if needed, and
// accounts one more kernel lookup on it.
func (t *Table) InsertNamed(parent uint64, name string) (Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.lookupName(parent, name)
	if n == nil {
		id, err := t.allocateID()
		if err != nil {
			t.logger.Errorw("allocate node id failed", "parent", parent, "name", name, "err", err)
			return Node{}, err
		}
		n = &Node{
			ID:         id,
			Generation: t.generation,
			StructRefs: 1,
		}
		t.hashName(n, parent, name)
		t.byID[id] = n
		nodeGauge.Inc()
	} else if n.LookupCount == 0 {
		// a forgotten hidden node gave up its own reference, a new lookup
		// takes it back
		n.StructRefs++
	}
	n.LookupCount++
	return *n, nil
}

// Detach drops the name edge at (parent, name), if any. The node itself stays
// reachable by id until its references are gone.
func (t *Table) Detach(parent uint64, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := t.lookupName(parent, name); n != nil {
		t.unhashName(n)
	}
}

func (t *Table) IsOpen(parent uint64, name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.lookupName(parent, name)
	return n != nil && n.OpenCount > 0
}

type Stats struct {
	Nodes      int    `json:"nodes"`
	Named      int    `json:"named"`
	Hidden     int    `json:"hidden"`
	Opened     int    `json:"opened"`
	Generation uint64 `json:"generation"`
	Counter    uint64 `json:"counter"`
}

func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := Stats{Nodes: len(t.byID), Named: len(t.byName), Generation: t.generation, Counter: t.ctr}
	for _, n := range t.byID {
		if n.Hidden {
			st.Hidden++
		}
		if n.OpenCount > 0 {
			st.Opened++
		}
	}
	return st
}

// Walk calls fn with a snapshot of every node until fn returns false.
func (t *Table) Walk(fn func(n Node) bool) {
	t.mu.Lock()
	nodes := make([]Node, 0, len(t.byID))
	for _, n := range t.byID {
		nodes = append(nodes, *n)
	}
	t.mu.Unlock()

	for _, n := range nodes {
		if !fn(n) {
			return
		}
	}
}

func (t *Table) allocateID() (uint64, error) {
	if uint64(len(t.byID)) >= t.maxID {
		return 0, types.ErrExhausted
	}
	for {
		if t.ctr >= t.maxID {
			t.ctr = 0
			t.generation++
			t.logger.Infow("node id counter wrapped", "generation", t.generation)
		}
		t.ctr++
		if _, used := t.byID[t.ctr]; !used {
			return t.ctr, nil
		}
	}
}

func (t *Table) mustGet(id uint64) *Node {
	n, ok := t.byID[id]
	if !ok {
		fatalf("node %d not found", id)
	}
	return n
}

func (t *Table) lookupName(parent uint64, name string) *Node {
	id, ok := t.byName[nameKey{parent: parent, name: name}]
	if !ok {
		return nil
	}
	return t.mustGet(id)
}

func (t *Table) hashName(n *Node, parent uint64, name string) {
	t.mustGet(parent).StructRefs++
	t.linkName(n, parent, name)
}

// linkName indexes the name edge, the parent reference must already be held.
func (t *Table) linkName(n *Node, parent uint64, name string) {
	n.Name = name
	n.Parent = parent
	n.Named = true
	t.byName[nameKey{parent: parent, name: name}] = n.ID
}

func (t *Table) unhashName(n *Node) {
	if !n.Named {
		return
	}
	key := nameKey{parent: n.Parent, name: n.Name}
	if id, ok := t.byName[key]; !ok || id != n.ID {
		fatalf("unable to unhash node %d", n.ID)
	}
	delete(t.byName, key)

	parent := n.Parent
	n.Name = ""
	n.Parent = 0
	n.Named = false
	n.Hidden = false
	t.unref(t.mustGet(parent))
}

// rehashName moves the name edge of n, the new parent is pinned before the old
// edge is dropped so a shared parent never reaches zero in between.
func (t *Table) rehashName(n *Node, parent uint64, name string) {
	t.mustGet(parent).StructRefs++
	t.unhashName(n)
	t.linkName(n, parent, name)
}

func (t *Table) unref(n *Node) {
	if n.StructRefs == 0 {
		fatalf("node %d struct refs underflow", n.ID)
	}
	n.StructRefs--
	if n.StructRefs == 0 {
		t.delete(n)
	}
}

func (t *Table) delete(n *Node) {
	if n.ID == RootID {
		fatalf("root node released")
	}
	if n.Named {
		fatalf("delete named node %d", n.ID)
	}
	t.logger.Debugw("delete node", "node", n.ID)
	delete(t.byID, n.ID)
	nodeGauge.Dec()
}
