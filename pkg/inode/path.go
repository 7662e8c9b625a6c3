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
	"strings"

	"github.com/basenana/pathfs/pkg/types"
)

const pathSeparator = "/"

// Resolve builds the absolute backend path of id, with an optional extra leaf
// appended. Callers must hold the tree lock for as long as they use the path.
func (t *Table) Resolve(id uint64, extra string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resolve(id, extra)
}

// Describe returns the node and its path without treating an unknown id as a
// fault, for callers outside the kernel request path.
func (t *Table) Describe(id uint64) (Node, string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.byID[id]
	if !ok {
		return Node{}, "", false
	}
	p, err := t.resolve(id, "")
	if err != nil {
		return *n, "", true
	}
	return *n, p, true
}

func (t *Table) resolve(id uint64, extra string) (string, error) {
	var segments []string
	if extra != "" {
		segments = append(segments, extra)
	}

	for n := t.mustGet(id); n.ID != RootID; n = t.mustGet(n.Parent) {
		if !n.Named {
			return "", types.ErrNotFound
		}
		segments = append(segments, n.Name)
	}

	if len(segments) == 0 {
		return pathSeparator, nil
	}

	buf := &strings.Builder{}
	for i := len(segments) - 1; i >= 0; i-- {
		buf.WriteString(pathSeparator)
		buf.WriteString(segments[i])
	}
	return buf.String(), nil
}
