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
	"runtime/debug"
	"strconv"
	"strings"
)

var (
	gitTag    string
	gitCommit string
)

type Version struct {
	Major   int    `json:"major"`
	Minor   int    `json:"minor"`
	Patch   int    `json:"patch"`
	Release string `json:"release"`
	Git     string `json:"git"`
}

func (v Version) Version() string {
	releaseInfo := ""
	if v.Release != "" {
		releaseInfo = "-" + v.Release
	}
	return fmt.Sprintf("v%d.%d.%d%s", v.Major, v.Minor, v.Patch, releaseInfo)
}

// VersionInfo parses the tag set by -ldflags, falling back to the module
// build info for go install builds.
func VersionInfo() Version {
	tag, commit := gitTag, gitCommit
	if bi, ok := debug.ReadBuildInfo(); ok {
		if tag == "" && bi.Main.Version != "(devel)" {
			tag = bi.Main.Version
		}
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" && commit == "" {
				commit = s.Value
			}
		}
	}
	return parseVersion(tag, commit)
}

func parseVersion(tag, commit string) Version {
	v := Version{Git: commit}
	tag = strings.TrimPrefix(tag, "v")
	release := ""
	if idx := strings.Index(tag, "-"); idx >= 0 {
		tag, release = tag[:idx], tag[idx+1:]
	}
	v.Release = release

	parts := strings.SplitN(tag, ".", 3)
	nums := []*int{&v.Major, &v.Minor, &v.Patch}
	for i, p := range parts {
		*nums[i], _ = strconv.Atoi(p)
	}
	return v
}
