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

package backend

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	backendOperationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backend_operation_latency_seconds",
			Help:    "The latency of backend operation.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 18),
		},
		[]string{"backend", "operation"},
	)
	backendOperationErrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_operation_errors",
			Help: "This count of backend encountering errors",
		},
		[]string{"backend", "operation"},
	)
	remoteStatCacheCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_stat_cache_requests",
			Help: "This count of remote stat cache lookups",
		},
		[]string{"backend", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		backendOperationLatency,
		backendOperationErrorCounter,
		remoteStatCacheCounter,
	)
}

// LogOperation records one backend call, expected errors such as a missing
// entry are still counted since the label set tells them apart.
func LogOperation(id, operation string, startAt time.Time, err error) {
	backendOperationLatency.WithLabelValues(id, operation).Observe(time.Since(startAt).Seconds())
	if err != nil {
		backendOperationErrorCounter.WithLabelValues(id, operation).Inc()
	}
}

func logStatCache(id string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	remoteStatCacheCounter.WithLabelValues(id, result).Inc()
}
