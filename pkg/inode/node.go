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

	"github.com/basenana/pathfs/utils/logger"
	"github.com/basenana/pathfs/utils/metrics"
)

const (
	RootID uint64 = 1

	hiddenNamePrefix = ".fuse_hidden"
)

// Node is one kernel visible identity. The table owns every Node; callers
// only ever see copies returned by the Table methods.
type Node struct {
	ID         uint64 `json:"id"`
	Generation uint64 `json:"generation"`

	// Name and Parent are only meaningful while Named is true.
	Name   string `json:"name,omitempty"`
	Parent uint64 `json:"parent,omitempty"`
	Named  bool   `json:"named"`

	StructRefs  uint32 `json:"struct_refs"`
	LookupCount uint64 `json:"lookup_count"`
	OpenCount   uint32 `json:"open_count"`
	Hidden      bool   `json:"hidden"`
}

type nameKey struct {
	parent uint64
	name   string
}

// fatalHandler is the last step of an internal consistency fault.
var fatalHandler = func(msg string) {
	metrics.CaptureFatal(msg)
	panic(msg)
}

func fatalf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	logger.NewLogger("inode").Errorw("internal consistency fault", "msg", msg)
	fatalHandler(msg)
}
