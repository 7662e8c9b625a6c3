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

package config

import (
	"fmt"
	"os"
	"path"
)

const (
	LocalBackend  = "local"
	MemoryBackend = "memory"
	WebdavBackend = "webdav"
	S3Backend     = "s3"
	MinioBackend  = "minio"

	defaultLocalDataDir = "local-data"
	defaultApiPort      = 17086
	defaultTimeout      = 1.0
	defaultCacheSize    = 4096
	defaultCacheTTL     = 5
)

func DefaultConfig(workdir string) Config {
	return Config{
		FUSE: FUSE{
			RootPath:    path.Join(workdir, "mnt"),
			DisplayName: "pathfs",
		},
		Bridge: defaultBridgeConfig(),
		Backend: Backend{
			ID:       "local-data",
			Type:     LocalBackend,
			LocalDir: path.Join(workdir, defaultLocalDataDir),
		},
		Api: Api{
			Enable:  true,
			Host:    "127.0.0.1",
			Port:    defaultApiPort,
			Metrics: true,
			Pprof:   false,
		},
	}
}

func defaultBridgeConfig() Bridge {
	entryTimeout, attrTimeout := defaultTimeout, defaultTimeout
	return Bridge{
		EntryTimeout: &entryTimeout,
		AttrTimeout:  &attrTimeout,
	}
}

// InitWorkspace creates the directories a DefaultConfig points at.
func InitWorkspace(cfg Config) error {
	for _, dir := range []string{cfg.FUSE.RootPath, cfg.Backend.LocalDir} {
		if dir == "" {
			continue
		}
		if err := mkdir(dir); err != nil {
			return err
		}
	}
	return nil
}

func mkdir(dir string) error {
	d, err := os.Stat(dir)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	if d.IsDir() {
		return nil
	}
	return fmt.Errorf("%s not dir", dir)
}
