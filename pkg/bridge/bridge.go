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

/*
Package bridge serves the FUSE raw protocol on top of a path based backend.

The kernel addresses everything by node id; the backend only knows paths. Each
handler resolves the ids it got to paths through the inode table, calls the
backend capability and, once the backend agreed, updates the table so that
ids and paths stay consistent under rename, unlink and forget.
*/
package bridge

import (
	"context"
	"math"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/basenana/pathfs/config"
	"github.com/basenana/pathfs/pkg/backend"
	"github.com/basenana/pathfs/pkg/inode"
	"github.com/basenana/pathfs/pkg/types"
	"github.com/basenana/pathfs/utils/logger"
)

const (
	fsName = "pathfs"

	defaultTimeout = time.Second
	unknownIno     = 0xffffffff
)

type Bridge struct {
	fuse.RawFileSystem

	table   *inode.Table
	backend backend.Backend
	files   *fileHandles
	dirs    *dirHandles
	cfg     config.Bridge

	entryTimeout    time.Duration
	attrTimeout     time.Duration
	negativeTimeout time.Duration

	logger *zap.SugaredLogger
}

var _ fuse.RawFileSystem = &Bridge{}

func New(be backend.Backend, cfg config.Bridge) *Bridge {
	var opts []inode.Option
	if cfg.MaxNodeID > 0 {
		opts = append(opts, inode.WithMaxID(cfg.MaxNodeID))
	}
	return &Bridge{
		RawFileSystem:   fuse.NewDefaultRawFileSystem(),
		table:           inode.New(opts...),
		backend:         be,
		files:           newFileHandles(),
		dirs:            newDirHandles(),
		cfg:             cfg,
		entryTimeout:    seconds(cfg.EntryTimeout, defaultTimeout),
		attrTimeout:     seconds(cfg.AttrTimeout, defaultTimeout),
		negativeTimeout: seconds(&cfg.NegativeTimeout, 0),
		logger:          logger.NewLogger("bridge"),
	}
}

// Table exposes the node table for the admin api.
func (b *Bridge) Table() *inode.Table {
	return b.table
}

func (b *Bridge) String() string {
	return fsName
}

func (b *Bridge) SetDebug(debug bool) {
	logger.SetDebug(debug)
}

func (b *Bridge) Forget(nodeid, nlookup uint64) {
	defer logOperationLatency("forget", time.Now())
	b.table.Forget(nodeid, nlookup)
}

// resolve maps the table errors of a path walk to what the kernel expects.
func (b *Bridge) resolve(id uint64, name string) (string, fuse.Status) {
	p, err := b.table.Resolve(id, name)
	if err != nil {
		return "", fuse.ENOENT
	}
	return p, fuse.OK
}

// handlePath is resolve for calls that carry a handle: a node that lost its
// name still reaches the backend, with an empty path.
func (b *Bridge) handlePath(id uint64) string {
	p, err := b.table.Resolve(id, "")
	if err != nil {
		return ""
	}
	return p
}

func (b *Bridge) getAttr(ctx context.Context, p string) (*types.Attr, error) {
	getter, ok := b.backend.(backend.AttrGetter)
	if !ok {
		return nil, types.ErrUnsupported
	}
	startAt := time.Now()
	attr, err := getter.GetAttr(ctx, p)
	backend.LogOperation(b.backend.ID(), "getattr", startAt, err)
	return attr, err
}

/*
materialize finishes every entry producing request: it stats the new path,
puts the node for (parent, name) into the table and fills the reply. A request
the kernel gave up on is rolled back here, the caller only has to undo its own
backend side effects.
*/
func (b *Bridge) materialize(ctx context.Context, cancel <-chan struct{}, operation string, parent uint64, name, p string, out *fuse.EntryOut) (inode.Node, fuse.Status) {
	attr, err := b.getAttr(ctx, p)
	if err != nil {
		return inode.Node{}, Error2FuseSysError(operation, err)
	}
	node, err := b.table.InsertNamed(parent, name)
	if err != nil {
		return inode.Node{}, Error2FuseSysError(operation, err)
	}
	b.logger.Debugw("materialize entry", "operation", operation, "node", node.ID, "path", p, "kind", types.KindName(attr.Mode))
	b.fillEntry(node, attr, out)
	if cancelled(cancel) {
		b.table.Forget(node.ID, 1)
		return inode.Node{}, fuse.EINTR
	}
	return node, fuse.OK
}

func (b *Bridge) fillEntry(node inode.Node, attr *types.Attr, out *fuse.EntryOut) {
	out.NodeId = node.ID
	out.Generation = node.Generation
	out.SetEntryTimeout(b.entryTimeout)
	out.SetAttrTimeout(b.attrTimeout)
	b.fillAttr(node.ID, attr, &out.Attr)
}

func (b *Bridge) fillAttr(id uint64, attr *types.Attr, out *fuse.Attr) {
	out.Ino = id
	if b.cfg.UseIno {
		out.Ino = attr.Ino
	}
	out.Mode = attr.Mode
	out.Nlink = attr.Nlink
	out.Uid = attr.Uid
	out.Gid = attr.Gid
	out.Rdev = attr.Rdev
	out.Size = attr.Size
	out.Blocks = attr.Blocks
	out.Blksize = attr.Blksize
	if out.Blksize == 0 {
		out.Blksize = types.FileBlockSize
	}
	if out.Blocks == 0 && out.Size > 0 {
		out.Blocks = (out.Size + 511) / 512
	}
	out.SetTimes(timeOrNil(attr.AccessAt), timeOrNil(attr.ModifiedAt), timeOrNil(attr.ChangedAt))

	if b.cfg.SetMode {
		out.Mode = (out.Mode & syscall.S_IFMT) | (0777 &^ b.cfg.Umask)
	}
	if b.cfg.SetUID {
		out.Uid = b.cfg.UID
	}
	if b.cfg.SetGID {
		out.Gid = b.cfg.GID
	}
}

func fuseContext(cancel <-chan struct{}, header *fuse.InHeader) *fuse.Context {
	return &fuse.Context{Caller: header.Caller, Cancel: cancel}
}

// cancelled reports whether the kernel interrupted the request, the reply of
// an interrupted request is never delivered.
func cancelled(cancel <-chan struct{}) bool {
	select {
	case <-cancel:
		return true
	default:
		return false
	}
}

func seconds(sec *float64, defaultVal time.Duration) time.Duration {
	if sec == nil {
		return defaultVal
	}
	if *sec*float64(time.Second) > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(*sec * float64(time.Second))
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
