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

package types

import (
	"syscall"
	"time"
)

const (
	FileBlockSize = 1 << 12 // 4k
	MaxNameLen    = 255
)

// Attr is the backend view of an entry, independent of the node id the
// kernel knows it by.
type Attr struct {
	Ino     uint64
	Mode    uint32
	Nlink   uint32
	Uid     uint32
	Gid     uint32
	Rdev    uint32
	Size    uint64
	Blocks  uint64
	Blksize uint32

	AccessAt   time.Time
	ModifiedAt time.Time
	ChangedAt  time.Time
}

func (a *Attr) IsDir() bool {
	return a.Mode&syscall.S_IFMT == syscall.S_IFDIR
}

func (a *Attr) IsRegular() bool {
	return a.Mode&syscall.S_IFMT == syscall.S_IFREG
}

func (a *Attr) IsSymlink() bool {
	return a.Mode&syscall.S_IFMT == syscall.S_IFLNK
}

type StatFs struct {
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Bsize   uint32
	NameLen uint32
	Frsize  uint32
}

// OpenAttr is decoded from the kernel open flags.
type OpenAttr struct {
	Flags  uint32
	Read   bool
	Write  bool
	Create bool
	Trunc  bool
	Append bool
	Excl   bool
}

func NewOpenAttr(flags uint32) OpenAttr {
	attr := OpenAttr{Flags: flags, Read: true}
	switch int(flags) & syscall.O_ACCMODE {
	case syscall.O_WRONLY:
		attr.Read = false
		attr.Write = true
	case syscall.O_RDWR:
		attr.Write = true
	}
	if int(flags)&syscall.O_CREAT > 0 {
		attr.Create = true
	}
	if int(flags)&syscall.O_TRUNC > 0 {
		attr.Trunc = true
	}
	if int(flags)&syscall.O_APPEND > 0 {
		attr.Append = true
	}
	if int(flags)&syscall.O_EXCL > 0 {
		attr.Excl = true
	}
	return attr
}

func KindName(mode uint32) string {
	switch mode & syscall.S_IFMT {
	case syscall.S_IFREG:
		return "file"
	case syscall.S_IFDIR:
		return "dir"
	case syscall.S_IFLNK:
		return "symlink"
	case syscall.S_IFIFO:
		return "fifo"
	case syscall.S_IFSOCK:
		return "socket"
	case syscall.S_IFBLK:
		return "block"
	case syscall.S_IFCHR:
		return "char"
	default:
		return "unknown"
	}
}
