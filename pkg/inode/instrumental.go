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

package inode

import "github.com/prometheus/client_golang/prometheus"

var (
	nodeGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "inode_table_nodes",
			Help: "This count of nodes in the inode table, root excluded",
		},
	)
	openGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "inode_table_open_handles",
			Help: "This count of open file handles accounted on nodes",
		},
	)
)

func init() {
	prometheus.MustRegister(
		nodeGauge,
		openGauge,
	)
}
