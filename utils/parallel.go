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

package utils

import (
	"context"
	"runtime/debug"

	"github.com/basenana/pathfs/utils/metrics"
)

// ParallelLimiter bounds the number of in-flight remote calls.
type ParallelLimiter struct {
	q chan struct{}
}

func (l *ParallelLimiter) Acquire(ctx context.Context) error {
	if l == nil {
		return nil
	}
	select {
	case l.q <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *ParallelLimiter) Release() {
	if l == nil {
		return
	}
	select {
	case <-l.q:
	default:
	}
}

// NewParallelLimiter returns nil, which never blocks, for ctn <= 0.
func NewParallelLimiter(ctn int) *ParallelLimiter {
	if ctn <= 0 {
		return nil
	}
	return &ParallelLimiter{q: make(chan struct{}, ctn)}
}

// ReportPanic sends a panic to sentry and lets it carry on. It must be
// deferred directly.
func ReportPanic() {
	if panicErr := recover(); panicErr != nil {
		debug.PrintStack()
		metrics.CapturePanic(panicErr)
		panic(panicErr)
	}
}
