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

type Config struct {
	FUSE    FUSE    `json:"fuse"`
	Bridge  Bridge  `json:"bridge"`
	Backend Backend `json:"backend"`
	Api     Api     `json:"api"`
	Debug   bool    `json:"debug,omitempty"`
}

type Api struct {
	Enable bool   `json:"enable"`
	Host   string `json:"host"`
	Port    int    `json:"port"`
	Metrics bool   `json:"metrics"`
	Pprof   bool   `json:"pprof"`
}

type FUSE struct {
	RootPath       string   `json:"root_path"`
	MountOptions   []string `json:"mount_options,omitempty"`
	DisplayName    string   `json:"display_name,omitempty"`
	AllowOther     bool     `json:"allow_other,omitempty"`
	SingleThreaded bool     `json:"single_threaded,omitempty"`
	MaxWrite       int      `json:"max_write,omitempty"`
	VerboseLog     bool     `json:"verbose_log,omitempty"`
}

// Bridge holds the knobs of the node id to path bridge. Timeouts are in
// seconds and may be fractional.
type Bridge struct {
	EntryTimeout    *float64 `json:"entry_timeout,omitempty"`
	AttrTimeout     *float64 `json:"attr_timeout,omitempty"`
	NegativeTimeout float64  `json:"negative_timeout,omitempty"`

	HardRemove  bool `json:"hard_remove,omitempty"`
	UseIno      bool `json:"use_ino,omitempty"`
	ReaddirIno  bool `json:"readdir_ino,omitempty"`
	DirectIO    bool `json:"direct_io,omitempty"`
	KernelCache bool `json:"kernel_cache,omitempty"`

	SetMode bool   `json:"set_mode,omitempty"`
	Umask   uint32 `json:"umask,omitempty"`
	SetUID  bool   `json:"set_uid,omitempty"`
	UID     uint32 `json:"uid,omitempty"`
	SetGID  bool   `json:"set_gid,omitempty"`
	GID     uint32 `json:"gid,omitempty"`

	MaxNodeID uint64 `json:"max_node_id,omitempty"`
}

type Backend struct {
	ID       string        `json:"id"`
	Type     string        `json:"type"`
	LocalDir string        `json:"local_dir,omitempty"`
	Webdav   *WebdavConfig `json:"webdav,omitempty"`
	S3       *S3Config     `json:"s3,omitempty"`

	// MaxParallel bounds in-flight requests to remote backends, 0 is unlimited.
	MaxParallel int `json:"max_parallel,omitempty"`
	// CacheSize and CacheTTL (seconds) size the remote backends' stat cache.
	CacheSize int `json:"cache_size,omitempty"`
	CacheTTL  int `json:"cache_ttl,omitempty"`
}

type WebdavConfig struct {
	ServerURL string `json:"server_url"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	Insecure  bool   `json:"insecure,omitempty"`
}

type S3Config struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Token           string `json:"token,omitempty"`
	BucketName      string `json:"bucket_name"`
	Location        string `json:"location,omitempty"`
	Prefix          string `json:"prefix,omitempty"`
	UseSSL          bool   `json:"use_ssl"`
}
