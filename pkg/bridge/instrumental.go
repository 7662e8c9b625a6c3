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

package bridge

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	operationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fuse_operation_latency_seconds",
			Help:    "The latency of fuse operation.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 5, 10),
		},
		[]string{"operation"},
	)
	unexpectedErrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fuse_unexpected_errors",
			Help: "This count of fuse operation encountering unexpected errors",
		},
		[]string{"operation"},
	)
	openFileGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fuse_open_files",
			Help: "This count of file handles held by the kernel",
		},
	)
	openDirGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fuse_open_dirs",
			Help: "This count of directory handles held by the kernel",
		},
	)
)

func init() {
	prometheus.MustRegister(
		operationLatency,
		unexpectedErrorCounter,
		openFileGauge,
		openDirGauge,
	)
}

func logOperationLatency(operation string, startAt time.Time) {
	operationLatency.WithLabelValues(operation).Observe(time.Since(startAt).Seconds())
}
