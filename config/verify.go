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
	"regexp"
)

var (
	backendIDPattern = "^[a-zA-Z][a-zA-Z0-9-_.]{3,31}$"
	backendIDRegexp  = regexp.MustCompile(backendIDPattern)
)

type verifier func(config *Config) error

var verifiers = []verifier{
	setDefaultValue,
	checkApiConfig,
	checkFuseConfig,
	checkBridgeConfig,
	checkBackendConfig,
}

// Verify fills the defaults in place and rejects invalid combinations.
func Verify(config *Config) error {
	for _, f := range verifiers {
		if err := f(config); err != nil {
			return err
		}
	}
	return nil
}

func setDefaultValue(config *Config) error {
	b := &config.Bridge
	if b.EntryTimeout == nil {
		t := defaultTimeout
		b.EntryTimeout = &t
	}
	if b.AttrTimeout == nil {
		t := defaultTimeout
		b.AttrTimeout = &t
	}
	if config.FUSE.DisplayName == "" {
		config.FUSE.DisplayName = "pathfs"
	}
	switch config.Backend.Type {
	case WebdavBackend, S3Backend, MinioBackend:
		if config.Backend.CacheSize == 0 {
			config.Backend.CacheSize = defaultCacheSize
		}
		if config.Backend.CacheTTL == 0 {
			config.Backend.CacheTTL = defaultCacheTTL
		}
	}
	return nil
}

func checkApiConfig(config *Config) error {
	aCfg := config.Api
	if !aCfg.Enable {
		return nil
	}
	if aCfg.Host == "" || aCfg.Port == 0 {
		return fmt.Errorf("api.host or api.port not config")
	}
	return nil
}

func checkFuseConfig(config *Config) error {
	fCfg := config.FUSE
	if fCfg.RootPath == "" {
		return fmt.Errorf("fuse.root_path is empty")
	}
	info, err := os.Stat(fCfg.RootPath)
	if err != nil {
		return fmt.Errorf("check fuse.root_path error: %s", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("fuse.root_path %s not dir", fCfg.RootPath)
	}
	return nil
}

func checkBridgeConfig(config *Config) error {
	b := config.Bridge
	if *b.EntryTimeout < 0 || *b.AttrTimeout < 0 || b.NegativeTimeout < 0 {
		return fmt.Errorf("bridge timeouts must not be negative")
	}
	if b.Umask&^0777 != 0 {
		return fmt.Errorf("bridge.umask %o out of range", b.Umask)
	}
	if b.MaxNodeID != 0 && b.MaxNodeID < 2 {
		return fmt.Errorf("bridge.max_node_id must leave room beside the root")
	}
	return nil
}

func checkBackendConfig(config *Config) error {
	bCfg := config.Backend
	if bCfg.ID == "" {
		return fmt.Errorf("backend.id is empty")
	}
	if !backendIDRegexp.MatchString(bCfg.ID) {
		return fmt.Errorf("backend.id must match %s", backendIDPattern)
	}
	if bCfg.MaxParallel < 0 {
		return fmt.Errorf("backend.max_parallel must not be negative")
	}
	switch bCfg.Type {
	case MemoryBackend:
	case LocalBackend:
		if bCfg.LocalDir == "" {
			return fmt.Errorf("local path is empty")
		}
	case WebdavBackend:
		cfg := bCfg.Webdav
		if cfg == nil {
			return fmt.Errorf("webdav is nil")
		}
		if cfg.ServerURL == "" {
			return fmt.Errorf("webdav config server_url is empty")
		}
	case S3Backend, MinioBackend:
		cfg := bCfg.S3
		if cfg == nil {
			return fmt.Errorf("s3 is nil")
		}
		if cfg.Endpoint == "" {
			return fmt.Errorf("s3 config endpoint is empty")
		}
		if cfg.AccessKeyID == "" {
			return fmt.Errorf("s3 config access_key_id is empty")
		}
		if cfg.SecretAccessKey == "" {
			return fmt.Errorf("s3 config secret_access_key is empty")
		}
		if cfg.BucketName == "" {
			return fmt.Errorf("s3 config bucket_name is empty")
		}
	default:
		return fmt.Errorf("unknown backend type %s", bCfg.Type)
	}
	return nil
}
