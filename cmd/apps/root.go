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

package apps

import (
	"fmt"
	"path"

	"github.com/spf13/cobra"

	"github.com/basenana/pathfs/cmd/apps/apis"
	configapp "github.com/basenana/pathfs/cmd/apps/config"
	fsapi "github.com/basenana/pathfs/cmd/apps/fuse"
	"github.com/basenana/pathfs/config"
	"github.com/basenana/pathfs/pkg/backend"
	"github.com/basenana/pathfs/utils"
	"github.com/basenana/pathfs/utils/logger"
)

func init() {
	RootCmd.AddCommand(daemonCmd)
	RootCmd.AddCommand(versionCmd)
	RootCmd.AddCommand(configapp.RunCmd)
}

var RootCmd = &cobra.Command{
	Use:   "pathfs",
	Short: "PathFS bridge server",
	Long:  `Expose a path-based storage backend as a FUSE filesystem.`,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	daemonCmd.Flags().StringVar(&config.FilePath, "config", path.Join(config.LocalUserPath(), config.DefaultConfigBase), "pathfs config file")
}

var daemonCmd = &cobra.Command{
	Use:   "serve",
	Short: "Mount the backend and serve requests",
	Run: func(cmd *cobra.Command, args []string) {
		loader := config.NewConfigLoader()
		cfg, err := loader.GetConfig()
		if err != nil {
			panic(err)
		}

		if cfg.Debug {
			logger.SetDebug(cfg.Debug)
		}

		be, err := backend.NewBackend(cfg.Backend)
		if err != nil {
			panic(err)
		}

		stop := utils.HandleTerminalSignal()
		run(be, cfg, stop)
	},
}

func run(be backend.Backend, cfg config.Config, stopCh chan struct{}) {
	defer utils.ReportPanic()
	log := logger.NewLogger("pathfs")
	log.Infow("starting", "version", config.VersionInfo().Version(), "backend", be.ID())

	fsServer, err := fsapi.NewPathFS(cfg, be)
	if err != nil {
		log.Panicw("init fuse server failed", "err", err.Error())
	}
	fsServer.SetDebug(cfg.Debug)

	if cfg.Api.Enable {
		apiServer, err := apis.NewApiServer(fsServer.Table(), cfg)
		if err != nil {
			log.Panicw("init api server failed", "err", err.Error())
		}
		go apiServer.Run(stopCh)
	}

	if err = fsServer.Start(stopCh); err != nil {
		log.Panicw("mount failed", "path", cfg.FUSE.RootPath, "err", err.Error())
	}

	log.Info("started")
	<-stopCh
	log.Info("stopped")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "View version information",
	Run: func(cmd *cobra.Command, args []string) {
		vInfo := config.VersionInfo()
		fmt.Printf("Version: %s\n", vInfo.Version())
		fmt.Printf("GitCommit: %s\n", vInfo.Git)
	},
}
