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

package fuse

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/basenana/pathfs/config"
	"github.com/basenana/pathfs/pkg/backend"
	"github.com/basenana/pathfs/pkg/bridge"
	"github.com/basenana/pathfs/utils/logger"
)

const (
	fsName           = "pathfs"
	mountWaitTimeout = time.Minute
)

type PathFS struct {
	*bridge.Bridge

	Path    string
	Display string

	cfg    config.FUSE
	logger *zap.SugaredLogger
	debug  bool
}

func (p *PathFS) Start(stopCh chan struct{}) error {
	opts := p.mountOptions()

	// go-fuse reports through the std logger
	log.SetFlags(0)
	log.SetOutput(logger.NewFuseLogger().Writer())

	server, err := fuse.NewServer(p.Bridge, p.Path, opts)
	if err != nil {
		return err
	}

	go server.Serve()

	go func() {
		<-stopCh
		if err := server.Unmount(); err != nil {
			p.logger.Errorw("umount failed", "path", p.Path, "err", err)
		}
	}()

	waitMount := func() error {
		var (
			timeout = time.NewTimer(mountWaitTimeout)
			finish  = make(chan struct{})
		)
		defer timeout.Stop()
		go func() {
			p.logger.Infow("waiting mount finish")
			select {
			case <-timeout.C:
				if err = server.Unmount(); err != nil {
					p.logger.Errorw("mount timeout and clean mount point failed", "err", err.Error())
				}
				p.logger.Panicw("wait mount timeout")
			case <-finish:
				p.logger.Infow("fs mounted", "path", p.Path)
				return
			}
		}()
		if err := server.WaitMount(); err != nil {
			return err
		}
		close(finish)
		return nil
	}
	return waitMount()
}

func (p *PathFS) SetDebug(debug bool) {
	p.debug = debug
	p.Bridge.SetDebug(debug)
}

func (p *PathFS) mountOptions() *fuse.MountOptions {
	opts := &fuse.MountOptions{
		AllowOther:     p.cfg.AllowOther,
		FsName:         p.Display,
		Name:           fsName,
		SingleThreaded: p.cfg.SingleThreaded || p.debug,
		MaxWrite:       p.cfg.MaxWrite,
		Debug:          p.cfg.VerboseLog,
	}
	opts.Options = append(opts.Options, p.cfg.MountOptions...)
	return opts
}

func NewPathFS(cfg config.Config, be backend.Backend) (*PathFS, error) {
	info, err := os.Stat(cfg.FUSE.RootPath)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("mount point %s is not a dir", cfg.FUSE.RootPath)
	}

	display := cfg.FUSE.DisplayName
	if display == "" {
		display = fsName
	}

	return &PathFS{
		Bridge:  bridge.New(be, cfg.Bridge),
		Path:    cfg.FUSE.RootPath,
		Display: display,
		cfg:     cfg.FUSE,
		logger:  logger.NewLogger("fuse"),
	}, nil
}
