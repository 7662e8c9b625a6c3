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
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"syscall"
	"time"

	"github.com/studio-b12/gowebdav"
	"go.uber.org/zap"

	"github.com/basenana/pathfs/config"
	"github.com/basenana/pathfs/pkg/types"
	"github.com/basenana/pathfs/utils"
	"github.com/basenana/pathfs/utils/logger"
)

type webdavBackend struct {
	id      string
	cli     *gowebdav.Client
	limit   *utils.ParallelLimiter
	cache   *statCache
	handles *stagedHandles
	logger  *zap.SugaredLogger
}

func newWebdavBackend(cfg config.Backend) (*webdavBackend, error) {
	wCfg := cfg.Webdav
	if wCfg == nil {
		return nil, fmt.Errorf("webdav is nil")
	}
	if wCfg.ServerURL == "" {
		return nil, fmt.Errorf("webdav config server_url is empty")
	}

	t := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   60 * time.Second,
		ExpectContinueTimeout: 10 * time.Second,
	}
	if wCfg.Insecure {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	cli := gowebdav.NewClient(wCfg.ServerURL, wCfg.Username, wCfg.Password)
	cli.SetTransport(t)

	return &webdavBackend{
		id:      cfg.ID,
		cli:     cli,
		limit:   utils.NewParallelLimiter(cfg.MaxParallel),
		cache:   newStatCache(cfg.ID, cfg.CacheSize, cfg.CacheTTL),
		handles: newStagedHandles(),
		logger:  logger.NewLogger("webdav"),
	}, nil
}

func (w *webdavBackend) ID() string {
	return w.id
}

func (w *webdavBackend) GetAttr(ctx context.Context, p string) (*types.Attr, error) {
	defer utils.TraceRegion(ctx, "webdav.getattr")()
	if attr, ok := w.cache.get(p); ok {
		return attr, nil
	}
	if err := w.limit.Acquire(ctx); err != nil {
		return nil, err
	}
	defer w.limit.Release()

	info, err := w.cli.Stat(p)
	if err != nil {
		return nil, w.error("stat", p, err)
	}
	attr := remoteAttr(info.IsDir(), info.Size(), info.ModTime())
	w.cache.set(p, attr)
	return attr, nil
}

func (w *webdavBackend) Access(ctx context.Context, p string, mask uint32) error {
	_, err := w.GetAttr(ctx, p)
	return err
}

func (w *webdavBackend) Mkdir(ctx context.Context, p string, mode uint32) error {
	defer utils.TraceRegion(ctx, "webdav.mkdir")()
	if _, err := w.GetAttr(ctx, p); err == nil {
		return syscall.EEXIST
	}
	if err := w.limit.Acquire(ctx); err != nil {
		return err
	}
	defer w.limit.Release()
	w.cache.invalid(p)
	return w.error("mkdir", p, w.cli.Mkdir(p, os.FileMode(mode&0777)))
}

func (w *webdavBackend) Unlink(ctx context.Context, p string) error {
	defer utils.TraceRegion(ctx, "webdav.unlink")()
	attr, err := w.GetAttr(ctx, p)
	if err != nil {
		return err
	}
	if attr.IsDir() {
		return syscall.EISDIR
	}
	w.handles.preload(ctx, w, p)
	if err = w.remove(ctx, p); err != nil {
		return err
	}
	w.handles.detach(p)
	return nil
}

func (w *webdavBackend) Rmdir(ctx context.Context, p string) error {
	defer utils.TraceRegion(ctx, "webdav.rmdir")()
	attr, err := w.GetAttr(ctx, p)
	if err != nil {
		return err
	}
	if !attr.IsDir() {
		return syscall.ENOTDIR
	}
	children, err := w.readDir(ctx, p)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return syscall.ENOTEMPTY
	}
	return w.remove(ctx, p)
}

func (w *webdavBackend) Rename(ctx context.Context, oldPath, newPath string) error {
	defer utils.TraceRegion(ctx, "webdav.rename")()
	if oldPath == newPath {
		_, err := w.GetAttr(ctx, oldPath)
		return err
	}
	w.handles.preload(ctx, w, newPath)
	if err := w.limit.Acquire(ctx); err != nil {
		return err
	}
	defer w.limit.Release()
	w.cache.invalidTree(oldPath)
	w.cache.invalidTree(newPath)
	if err := w.cli.Rename(oldPath, newPath, true); err != nil {
		return w.error("rename", oldPath, err)
	}
	w.handles.detach(newPath)
	w.handles.follow(oldPath, newPath)
	return nil
}

func (w *webdavBackend) Truncate(ctx context.Context, p string, size int64) error {
	defer utils.TraceRegion(ctx, "webdav.truncate")()
	return truncateObject(ctx, w, p, size)
}

// Utimens is accepted and dropped, the server owns modification times.
func (w *webdavBackend) Utimens(ctx context.Context, p string, atime, mtime *time.Time) error {
	_, err := w.GetAttr(ctx, p)
	return err
}

func (w *webdavBackend) Create(ctx context.Context, p string, flags, mode uint32) (uint64, error) {
	defer utils.TraceRegion(ctx, "webdav.create")()
	attr := types.NewOpenAttr(flags)
	if existing, err := w.GetAttr(ctx, p); err == nil {
		switch {
		case attr.Excl:
			return 0, syscall.EEXIST
		case existing.IsDir():
			return 0, syscall.EISDIR
		case !attr.Trunc:
			return w.handles.register(&stagedFile{path: p, open: attr}), nil
		}
	}
	f := &stagedFile{path: p, loaded: true, dirty: true, open: attr}
	if err := f.upload(ctx, w); err != nil {
		return 0, err
	}
	return w.handles.register(f), nil
}

func (w *webdavBackend) Open(ctx context.Context, p string, flags uint32) (uint64, error) {
	defer utils.TraceRegion(ctx, "webdav.open")()
	attr, err := w.GetAttr(ctx, p)
	if err != nil {
		return 0, err
	}
	open := types.NewOpenAttr(flags)
	if attr.IsDir() && open.Write {
		return 0, syscall.EISDIR
	}
	f := &stagedFile{path: p, open: open}
	if open.Trunc && open.Write {
		f.loaded, f.dirty = true, true
	}
	return w.handles.register(f), nil
}

func (w *webdavBackend) Read(ctx context.Context, p string, fh uint64, dest []byte, off int64) (int, error) {
	defer utils.TraceRegion(ctx, "webdav.read")()
	return w.handles.read(ctx, w, p, fh, dest, off)
}

func (w *webdavBackend) Write(ctx context.Context, p string, fh uint64, data []byte, off int64) (int, error) {
	defer utils.TraceRegion(ctx, "webdav.write")()
	return w.handles.write(ctx, w, p, fh, data, off)
}

func (w *webdavBackend) Flush(ctx context.Context, p string, fh uint64) error {
	return w.handles.flush(ctx, w, p, fh)
}

func (w *webdavBackend) Fsync(ctx context.Context, p string, fh uint64, datasync bool) error {
	return w.Flush(ctx, p, fh)
}

func (w *webdavBackend) Release(ctx context.Context, p string, fh uint64) error {
	return w.handles.release(ctx, w, p, fh)
}

func (w *webdavBackend) ReadDir(ctx context.Context, p string, fh uint64, off int64, fill FillFunc) error {
	defer utils.TraceRegion(ctx, "webdav.readdir")()
	children, err := w.readDir(ctx, p)
	if err != nil {
		return err
	}
	for _, name := range []string{".", ".."} {
		if !fill(name, nil, 0) {
			return nil
		}
	}
	for _, info := range children {
		attr := remoteAttr(info.IsDir(), info.Size(), info.ModTime())
		w.cache.set(path.Join(p, info.Name()), attr)
		if !fill(info.Name(), attr, 0) {
			return nil
		}
	}
	return nil
}

func (w *webdavBackend) readDir(ctx context.Context, p string) ([]os.FileInfo, error) {
	if err := w.limit.Acquire(ctx); err != nil {
		return nil, err
	}
	defer w.limit.Release()
	infos, err := w.cli.ReadDir(p)
	if err != nil {
		return nil, w.error("readdir", p, err)
	}
	return infos, nil
}

func (w *webdavBackend) readRange(ctx context.Context, p string, dest []byte, off int64) (int, error) {
	if err := w.limit.Acquire(ctx); err != nil {
		return 0, err
	}
	defer w.limit.Release()
	reader, err := w.cli.ReadStreamRange(p, off, int64(len(dest)))
	if err != nil {
		return 0, w.error("read", p, err)
	}
	defer reader.Close()
	n, err := io.ReadFull(reader, dest)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = nil
	}
	return n, err
}

func (w *webdavBackend) readAll(ctx context.Context, p string) ([]byte, error) {
	if err := w.limit.Acquire(ctx); err != nil {
		return nil, err
	}
	defer w.limit.Release()
	data, err := w.cli.Read(p)
	if err != nil {
		return nil, w.error("read", p, err)
	}
	return data, nil
}

func (w *webdavBackend) writeAll(ctx context.Context, p string, data []byte) error {
	if err := w.limit.Acquire(ctx); err != nil {
		return err
	}
	defer w.limit.Release()
	w.cache.invalid(p)
	return w.error("write", p, w.cli.Write(p, data, 0644))
}

func (w *webdavBackend) remove(ctx context.Context, p string) error {
	if err := w.limit.Acquire(ctx); err != nil {
		return err
	}
	defer w.limit.Release()
	w.cache.invalidTree(p)
	return w.error("remove", p, w.cli.Remove(p))
}

// error maps webdav status codes onto errno values.
func (w *webdavBackend) error(op, p string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case gowebdav.IsErrNotFound(err):
		return syscall.ENOENT
	case gowebdav.IsErrCode(err, http.StatusForbidden), gowebdav.IsErrCode(err, http.StatusUnauthorized):
		return syscall.EACCES
	case gowebdav.IsErrCode(err, http.StatusMethodNotAllowed):
		return syscall.EEXIST
	case gowebdav.IsErrCode(err, http.StatusConflict):
		return syscall.ENOENT
	case gowebdav.IsErrCode(err, http.StatusInsufficientStorage):
		return syscall.ENOSPC
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	w.logger.Errorw("webdav request failed", "op", op, "path", p, "err", err)
	return syscall.EIO
}
