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

package apis

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/basenana/pathfs/config"
	"github.com/basenana/pathfs/pkg/inode"
	"github.com/basenana/pathfs/utils/logger"
)

const (
	defaultHttpTimeout = time.Minute
)

type Server struct {
	engine    *gin.Engine
	table     *inode.Table
	apiConfig config.Api
	logger    *zap.SugaredLogger
}

func (s *Server) Run(stopCh chan struct{}) {
	addr := fmt.Sprintf("%s:%d", s.apiConfig.Host, s.apiConfig.Port)
	s.logger.Infof("http server on %s", addr)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  defaultHttpTimeout,
		WriteTimeout: defaultHttpTimeout,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil {
			if err != http.ErrServerClosed {
				s.logger.Panicw("api server down", "err", err.Error())
			}
			s.logger.Infof("api server stopped")
		}
	}()

	<-stopCh
	shutdownCtx, canF := context.WithTimeout(context.TODO(), time.Second)
	defer canF()
	_ = httpServer.Shutdown(shutdownCtx)
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Ping(gCtx *gin.Context) {
	gCtx.JSON(http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) TableStats(gCtx *gin.Context) {
	gCtx.JSON(http.StatusOK, s.table.Stats())
}

type nodeInfo struct {
	inode.Node
	Path string `json:"path,omitempty"`
}

func (s *Server) DescribeNode(gCtx *gin.Context) {
	id, err := strconv.ParseUint(gCtx.Param("id"), 10, 64)
	if err != nil {
		gCtx.JSON(http.StatusBadRequest, map[string]string{"error": "invalid node id"})
		return
	}
	node, p, ok := s.table.Describe(id)
	if !ok {
		gCtx.JSON(http.StatusNotFound, map[string]string{"error": "node not found"})
		return
	}
	gCtx.JSON(http.StatusOK, nodeInfo{Node: node, Path: p})
}

// ListOpened lists the nodes that currently hold open handles.
func (s *Server) ListOpened(gCtx *gin.Context) {
	nodes := make([]inode.Node, 0)
	s.table.Walk(func(n inode.Node) bool {
		if n.OpenCount > 0 {
			nodes = append(nodes, n)
		}
		return true
	})
	gCtx.JSON(http.StatusOK, nodes)
}

func NewApiServer(table *inode.Table, cfg config.Config) (*Server, error) {
	apiConfig := cfg.Api
	if apiConfig.Enable && apiConfig.Port == 0 {
		return nil, fmt.Errorf("http port not set")
	}
	if apiConfig.Enable && apiConfig.Host == "" {
		apiConfig.Host = "127.0.0.1"
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		engine:    gin.New(),
		table:     table,
		apiConfig: apiConfig,
		logger:    logger.NewLogger("api"),
	}
	s.engine.Use(gin.Recovery())

	s.engine.GET("/_ping", s.Ping)

	v1 := s.engine.Group("/api/v1")
	v1.GET("/nodes", s.TableStats)
	v1.GET("/opened", s.ListOpened)
	v1.GET("/nodes/:id", s.DescribeNode)

	if apiConfig.Metrics {
		s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	if apiConfig.Pprof {
		pprof.Register(s.engine)
	}

	return s, nil
}
