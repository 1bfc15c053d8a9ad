package metrics_test

import (
	"strings"
	"testing"
	"time"

	"github.com/nebuly-ai/nos-partitioner/pkg/gpu"
	"github.com/nebuly-ai/nos-partitioner/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorder_ObserveOperation(t *testing.T) {
	registry := prometheus.NewRegistry()
	r := metrics.NewRecorder(registry)

	r.ObserveOperation(metrics.OperationCreate, gpu.BackendGuestMdev, time.Now(), nil)
	r.ObserveOperation(metrics.OperationCreate, gpu.BackendGuestMdev, time.Now(), nil)
	r.ObserveOperation(metrics.OperationCreate, gpu.BackendHostInstance, time.Now(), gpu.CapacityExceededErr.Errorf("full"))

	expected := `
# HELP nos_partitioner_operations_total Number of partition lifecycle operations, by operation, backend and result
# TYPE nos_partitioner_operations_total counter
nos_partitioner_operations_total{backend="guest-mdev",operation="create",result="success"} 2
nos_partitioner_operations_total{backend="host-instance",operation="create",result="capacity-exceeded"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "nos_partitioner_operations_total"))
	count, err := testutil.GatherAndCount(registry, "nos_partitioner_operation_duration_seconds")
	assert.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRecorder_Nil(t *testing.T) {
	var r *metrics.Recorder
	assert.NotPanics(t, func() {
		r.ObserveOperation(metrics.OperationDestroy, gpu.BackendAuto, time.Now(), nil)
	})
}
