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
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/basenana/pathfs/config"
	"github.com/basenana/pathfs/pkg/types"
	"github.com/basenana/pathfs/utils"
	"github.com/basenana/pathfs/utils/logger"
)

const s3DirMarkerSuffix = "/"

/*
s3Backend maps paths onto object keys below an optional prefix. A directory
is a zero sized "<key>/" marker object, or implied by any key below it.
Renames are server side copies followed by removals, so they are not atomic.
*/
type s3Backend struct {
	id      string
	bucket  string
	prefix  string
	cli     *minio.Client
	limit   *utils.ParallelLimiter
	cache   *statCache
	handles *stagedHandles
	logger  *zap.SugaredLogger
}

func newS3Backend(cfg config.Backend) (*s3Backend, error) {
	sCfg := cfg.S3
	if sCfg == nil {
		return nil, fmt.Errorf("s3 is nil")
	}
	if sCfg.Endpoint == "" {
		return nil, fmt.Errorf("s3 config endpoint is empty")
	}
	if sCfg.BucketName == "" {
		return nil, fmt.Errorf("s3 config bucket_name is empty")
	}

	cli, err := minio.New(sCfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(sCfg.AccessKeyID, sCfg.SecretAccessKey, sCfg.Token),
		Secure:    sCfg.UseSSL,
		Region:    sCfg.Location,
		Transport: http.DefaultTransport,
	})
	if err != nil {
		return nil, err
	}

	prefix := strings.Trim(sCfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	s := &s3Backend{
		id:      cfg.ID,
		bucket:  sCfg.BucketName,
		prefix:  prefix,
		cli:     cli,
		limit:   utils.NewParallelLimiter(cfg.MaxParallel),
		cache:   newStatCache(cfg.ID, cfg.CacheSize, cfg.CacheTTL),
		handles: newStagedHandles(),
		logger:  logger.NewLogger("s3"),
	}
	return s, s.initBucket(context.TODO(), sCfg.Location)
}

func (s *s3Backend) ID() string {
	return s.id
}

func (s *s3Backend) GetAttr(ctx context.Context, p string) (*types.Attr, error) {
	defer utils.TraceRegion(ctx, "s3.getattr")()
	if s.isRoot(p) {
		return remoteAttr(true, 0, time.Time{}), nil
	}
	if attr, ok := s.cache.get(p); ok {
		return attr, nil
	}
	attr, err := s.stat(ctx, p)
	if err != nil {
		return nil, err
	}
	s.cache.set(p, attr)
	return attr, nil
}

func (s *s3Backend) Access(ctx context.Context, p string, mask uint32) error {
	_, err := s.GetAttr(ctx, p)
	return err
}

func (s *s3Backend) Mkdir(ctx context.Context, p string, mode uint32) error {
	defer utils.TraceRegion(ctx, "s3.mkdir")()
	if _, err := s.GetAttr(ctx, p); err == nil {
		return syscall.EEXIST
	}
	s.cache.invalid(p)
	return s.put(ctx, s.dirKey(p), nil)
}

func (s *s3Backend) Unlink(ctx context.Context, p string) error {
	defer utils.TraceRegion(ctx, "s3.unlink")()
	attr, err := s.GetAttr(ctx, p)
	if err != nil {
		return err
	}
	if attr.IsDir() {
		return syscall.EISDIR
	}
	s.handles.preload(ctx, s, p)
	s.cache.invalid(p)
	if err = s.remove(ctx, s.fileKey(p)); err != nil {
		return err
	}
	s.handles.detach(p)
	return nil
}

func (s *s3Backend) Rmdir(ctx context.Context, p string) error {
	defer utils.TraceRegion(ctx, "s3.rmdir")()
	attr, err := s.GetAttr(ctx, p)
	if err != nil {
		return err
	}
	if !attr.IsDir() {
		return syscall.ENOTDIR
	}
	keys, err := s.listKeys(ctx, s.dirKey(p), false)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k != s.dirKey(p) {
			return syscall.ENOTEMPTY
		}
	}
	s.cache.invalid(p)
	return s.remove(ctx, s.dirKey(p))
}

func (s *s3Backend) Rename(ctx context.Context, oldPath, newPath string) error {
	defer utils.TraceRegion(ctx, "s3.rename")()
	attr, err := s.GetAttr(ctx, oldPath)
	if err != nil {
		return err
	}
	if oldPath == newPath {
		return nil
	}
	s.handles.preload(ctx, s, newPath)
	s.cache.invalidTree(oldPath)
	s.cache.invalidTree(newPath)

	if !attr.IsDir() {
		if err = s.move(ctx, s.fileKey(oldPath), s.fileKey(newPath)); err != nil {
			return err
		}
	} else {
		oldDir, newDir := s.dirKey(oldPath), s.dirKey(newPath)
		keys, err := s.listKeys(ctx, oldDir, true)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			// implied directory without a marker
			keys = []string{oldDir}
			if err = s.put(ctx, oldDir, nil); err != nil {
				return err
			}
		}
		for _, k := range keys {
			if err = s.move(ctx, k, newDir+strings.TrimPrefix(k, oldDir)); err != nil {
				return err
			}
		}
	}

	s.handles.detach(newPath)
	s.handles.follow(oldPath, newPath)
	return nil
}

func (s *s3Backend) Truncate(ctx context.Context, p string, size int64) error {
	defer utils.TraceRegion(ctx, "s3.truncate")()
	return truncateObject(ctx, s, p, size)
}

// Utimens is accepted and dropped, object stores own modification times.
func (s *s3Backend) Utimens(ctx context.Context, p string, atime, mtime *time.Time) error {
	_, err := s.GetAttr(ctx, p)
	return err
}

func (s *s3Backend) Create(ctx context.Context, p string, flags, mode uint32) (uint64, error) {
	defer utils.TraceRegion(ctx, "s3.create")()
	attr := types.NewOpenAttr(flags)
	if existing, err := s.GetAttr(ctx, p); err == nil {
		switch {
		case attr.Excl:
			return 0, syscall.EEXIST
		case existing.IsDir():
			return 0, syscall.EISDIR
		case !attr.Trunc:
			return s.handles.register(&stagedFile{path: p, open: attr}), nil
		}
	}
	f := &stagedFile{path: p, loaded: true, dirty: true, open: attr}
	if err := f.upload(ctx, s); err != nil {
		return 0, err
	}
	return s.handles.register(f), nil
}

func (s *s3Backend) Open(ctx context.Context, p string, flags uint32) (uint64, error) {
	defer utils.TraceRegion(ctx, "s3.open")()
	attr, err := s.GetAttr(ctx, p)
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
	return s.handles.register(f), nil
}

func (s *s3Backend) Read(ctx context.Context, p string, fh uint64, dest []byte, off int64) (int, error) {
	defer utils.TraceRegion(ctx, "s3.read")()
	return s.handles.read(ctx, s, p, fh, dest, off)
}

func (s *s3Backend) Write(ctx context.Context, p string, fh uint64, data []byte, off int64) (int, error) {
	defer utils.TraceRegion(ctx, "s3.write")()
	return s.handles.write(ctx, s, p, fh, data, off)
}

func (s *s3Backend) Flush(ctx context.Context, p string, fh uint64) error {
	return s.handles.flush(ctx, s, p, fh)
}

func (s *s3Backend) Fsync(ctx context.Context, p string, fh uint64, datasync bool) error {
	return s.Flush(ctx, p, fh)
}

func (s *s3Backend) Release(ctx context.Context, p string, fh uint64) error {
	return s.handles.release(ctx, s, p, fh)
}

func (s *s3Backend) ReadDir(ctx context.Context, p string, fh uint64, off int64, fill FillFunc) error {
	defer utils.TraceRegion(ctx, "s3.readdir")()
	if err := s.limit.Acquire(ctx); err != nil {
		return err
	}
	defer s.limit.Release()

	for _, name := range []string{".", ".."} {
		if !fill(name, nil, 0) {
			return nil
		}
	}
	dirKey := s.dirKey(p)
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for obj := range s.cli.ListObjects(listCtx, s.bucket, minio.ListObjectsOptions{Prefix: dirKey}) {
		if obj.Err != nil {
			return s.error("list", dirKey, obj.Err)
		}
		if obj.Key == dirKey {
			continue
		}
		name := strings.TrimPrefix(obj.Key, dirKey)
		isDir := strings.HasSuffix(name, s3DirMarkerSuffix)
		name = strings.TrimSuffix(name, s3DirMarkerSuffix)
		attr := remoteAttr(isDir, obj.Size, obj.LastModified)
		s.cache.set(path.Join(p, name), attr)
		if !fill(name, attr, 0) {
			return nil
		}
	}
	return nil
}

func (s *s3Backend) stat(ctx context.Context, p string) (*types.Attr, error) {
	if err := s.limit.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.limit.Release()

	info, err := s.cli.StatObject(ctx, s.bucket, s.fileKey(p), minio.StatObjectOptions{})
	if err == nil {
		return remoteAttr(false, info.Size, info.LastModified), nil
	}
	if err = s.error("stat", p, err); err != syscall.ENOENT {
		return nil, err
	}

	info, err = s.cli.StatObject(ctx, s.bucket, s.dirKey(p), minio.StatObjectOptions{})
	if err == nil {
		return remoteAttr(true, 0, info.LastModified), nil
	}
	if err = s.error("stat", p, err); err != syscall.ENOENT {
		return nil, err
	}

	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for obj := range s.cli.ListObjects(listCtx, s.bucket, minio.ListObjectsOptions{Prefix: s.dirKey(p), MaxKeys: 1}) {
		if obj.Err != nil {
			return nil, s.error("list", p, obj.Err)
		}
		return remoteAttr(true, 0, obj.LastModified), nil
	}
	return nil, syscall.ENOENT
}

func (s *s3Backend) listKeys(ctx context.Context, prefix string, recursive bool) ([]string, error) {
	if err := s.limit.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.limit.Release()
	var keys []string
	for obj := range s.cli.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: recursive}) {
		if obj.Err != nil {
			return nil, s.error("list", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

func (s *s3Backend) readAll(ctx context.Context, p string) ([]byte, error) {
	if err := s.limit.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.limit.Release()
	obj, err := s.cli.GetObject(ctx, s.bucket, s.fileKey(p), minio.GetObjectOptions{})
	if err != nil {
		return nil, s.error("get", p, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.error("get", p, err)
	}
	return data, nil
}

func (s *s3Backend) readRange(ctx context.Context, p string, dest []byte, off int64) (int, error) {
	if len(dest) == 0 {
		return 0, nil
	}
	attr, err := s.GetAttr(ctx, p)
	if err != nil {
		return 0, err
	}
	if off >= int64(attr.Size) {
		return 0, nil
	}
	if err = s.limit.Acquire(ctx); err != nil {
		return 0, err
	}
	defer s.limit.Release()

	opts := minio.GetObjectOptions{}
	if err = opts.SetRange(off, off+int64(len(dest))-1); err != nil {
		return 0, syscall.EINVAL
	}
	obj, err := s.cli.GetObject(ctx, s.bucket, s.fileKey(p), opts)
	if err != nil {
		return 0, s.error("get", p, err)
	}
	defer obj.Close()
	n, err := io.ReadFull(obj, dest)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = nil
	}
	if err != nil {
		return n, s.error("get", p, err)
	}
	return n, nil
}

func (s *s3Backend) writeAll(ctx context.Context, p string, data []byte) error {
	s.cache.invalid(p)
	return s.put(ctx, s.fileKey(p), data)
}

func (s *s3Backend) put(ctx context.Context, key string, data []byte) error {
	if err := s.limit.Acquire(ctx); err != nil {
		return err
	}
	defer s.limit.Release()
	_, err := s.cli.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return s.error("put", key, err)
}

func (s *s3Backend) move(ctx context.Context, srcKey, dstKey string) error {
	if err := s.limit.Acquire(ctx); err != nil {
		return err
	}
	_, err := s.cli.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: s.bucket, Object: srcKey},
	)
	s.limit.Release()
	if err != nil {
		return s.error("copy", srcKey, err)
	}
	return s.remove(ctx, srcKey)
}

func (s *s3Backend) remove(ctx context.Context, key string) error {
	if err := s.limit.Acquire(ctx); err != nil {
		return err
	}
	defer s.limit.Release()
	return s.error("remove", key, s.cli.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}))
}

func (s *s3Backend) initBucket(ctx context.Context, location string) error {
	defer utils.TraceRegion(ctx, "s3.initBucket")()
	ctx, canF := context.WithTimeout(ctx, time.Minute)
	defer canF()

	exists, errBucketExists := s.cli.BucketExists(ctx, s.bucket)
	if errBucketExists == nil && exists {
		return nil
	}

	s.logger.Infof("init bucket: %s", s.bucket)
	return s.cli.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: location})
}

func (s *s3Backend) isRoot(p string) bool {
	return strings.Trim(p, "/") == ""
}

func (s *s3Backend) fileKey(p string) string {
	return s.prefix + strings.Trim(path.Clean("/"+p), "/")
}

func (s *s3Backend) dirKey(p string) string {
	if s.isRoot(p) {
		return s.prefix
	}
	return s.fileKey(p) + s3DirMarkerSuffix
}

func (s *s3Backend) error(op, key string, err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound:
		return syscall.ENOENT
	case resp.Code == "AccessDenied" || resp.StatusCode == http.StatusForbidden:
		return syscall.EACCES
	case resp.Code == "NoSuchBucket":
		s.logger.Errorw("bucket not found", "bucket", s.bucket)
		return syscall.EIO
	}
	s.logger.Errorw("s3 request failed", "op", op, "key", key, "err", err)
	return syscall.EIO
}
