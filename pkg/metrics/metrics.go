/*
 * Copyright 2023 nebuly.com.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package metrics

import (
	"time"

	"github.com/nebuly-ai/nos-partitioner/pkg/gpu"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "nos_partitioner"

	OperationCreate  = "create"
	OperationDestroy = "destroy"
	OperationSetMode = "set_mode"

	ResultSuccess = "success"
)

// Recorder exposes the metrics of the partition lifecycle operations.
// A nil Recorder records nothing.
type Recorder struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

func NewRecorder(registerer prometheus.Registerer) *Recorder {
	r := &Recorder{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Number of partition lifecycle operations, by operation, backend and result",
		}, []string{"operation", "backend", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of partition lifecycle operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "backend"}),
	}
	registerer.MustRegister(r.operations, r.duration)
	return r
}

// ObserveOperation records the outcome of an operation started at start.
// The result label is the gpu error code of err, or "success".
func (r *Recorder) ObserveOperation(operation string, backend gpu.Backend, start time.Time, err error) {
	if r == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = string(gpu.CodeOf(err))
	}
	r.operations.WithLabelValues(operation, backend.String(), result).Inc()
	r.duration.WithLabelValues(operation, backend.String()).Observe(time.Since(start).Seconds())
}
