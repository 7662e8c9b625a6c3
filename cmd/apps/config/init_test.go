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
	"os"
	"path"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/basenana/pathfs/config"
)

var _ = Describe("TestInitDefaultConfig", func() {
	var workspace string

	BeforeEach(func() {
		var err error
		workspace, err = os.MkdirTemp("", "pathfs-workspace-")
		Expect(err).Should(BeNil())
	})

	AfterEach(func() {
		_ = os.RemoveAll(workspace)
	})

	It("should write a loadable config", func() {
		Expect(initDefaultConfig(workspace)).Should(Succeed())

		cfg, err := config.NewFileLoader(localConfigFilePath(workspace)).GetConfig()
		Expect(err).Should(BeNil())
		Expect(cfg.FUSE.RootPath).Should(Equal(path.Join(workspace, "mnt")))
		Expect(cfg.Backend.Type).Should(Equal(config.LocalBackend))

		info, err := os.Stat(cfg.Backend.LocalDir)
		Expect(err).Should(BeNil())
		Expect(info.IsDir()).Should(BeTrue())
	})

	It("should not overwrite an existing config", func() {
		Expect(initDefaultConfig(workspace)).Should(Succeed())
		Expect(initDefaultConfig(workspace)).ShouldNot(Succeed())
	})
})
