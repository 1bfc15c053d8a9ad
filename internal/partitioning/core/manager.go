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

package core

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/nebuly-ai/nos-partitioner/internal/partitioning/catalog"
	"github.com/nebuly-ai/nos-partitioner/internal/partitioning/placement"
	"github.com/nebuly-ai/nos-partitioner/pkg/api/nos.nebuly.com/config/v1alpha1"
	"github.com/nebuly-ai/nos-partitioner/pkg/gpu"
	"github.com/nebuly-ai/nos-partitioner/pkg/gpu/nvml"
	"github.com/nebuly-ai/nos-partitioner/pkg/metrics"
	"github.com/nebuly-ai/nos-partitioner/pkg/registry"
	"github.com/nebuly-ai/nos-partitioner/pkg/sysfs"
	"k8s.io/klog/v2"
)

// Manager creates, lists and destroys the partitions of vendor-managed devices.
//
// The mode of a device (idle, guest or host) is never stored: it is derived from the partitions
// found on the device each time it is needed. Mutating operations on the same device are
// serialized by a per-device lock, while read-only operations take no lock.
type Manager struct {
	nvmlClient nvml.Client
	tree       *sysfs.Tree
	registry   registry.Registry
	catalog    *catalog.Catalog
	allocator  *placement.Allocator
	recorder   *metrics.Recorder
	locks      *deviceLocks

	appearanceTimeout      time.Duration
	appearancePollInterval time.Duration
}

func NewManager(
	config v1alpha1.PartitionerConfig,
	nvmlClient nvml.Client,
	fs sysfs.FS,
	partitionRegistry registry.Registry,
	recorder *metrics.Recorder,
) *Manager {
	tree := sysfs.NewTree(fs, config.SysfsRoot, config.MdevTypePrefix)
	return &Manager{
		nvmlClient:             nvmlClient,
		tree:                   tree,
		registry:               partitionRegistry,
		catalog:                catalog.New(nvmlClient),
		allocator:              placement.NewAllocator(nvmlClient, tree, config.ShouldCreateDefaultComputeInstance()),
		recorder:               recorder,
		locks:                  newDeviceLocks(),
		appearanceTimeout:      config.DeviceAppearanceTimeout.Duration,
		appearancePollInterval: config.DeviceAppearancePollInterval.Duration,
	}
}

func newLogger(ctx context.Context) logr.Logger {
	return klog.FromContext(ctx).WithName("PartitionManager")
}

func (m *Manager) SupportedTypes(ctx context.Context, device gpu.Device) (gpu.PartitionTypeList, gpu.Error) {
	return m.catalog.SupportedTypes(ctx, device)
}

// CreatableTypes returns the supported types with free capacity for the backends allowed
// by the current mode of the device.
func (m *Manager) CreatableTypes(ctx context.Context, device gpu.Device) (gpu.PartitionTypeList, gpu.Error) {
	types, err := m.catalog.SupportedTypes(ctx, device)
	if err != nil {
		return nil, err
	}
	partitions, err := m.listPartitions(ctx, device, types)
	if err != nil {
		return nil, err
	}
	mode := gpu.ModeOf(partitions)

	res := make(gpu.PartitionTypeList, 0, len(types))
	for _, t := range types {
		capacity, err := m.capacity(ctx, device, t, mode)
		if err != nil {
			return nil, err
		}
		if capacity > 0 {
			res = append(res, t)
		}
	}
	return res, nil
}

func (m *Manager) capacity(ctx context.Context, device gpu.Device, t gpu.PartitionType, mode gpu.Mode) (int, gpu.Error) {
	var res int
	if mode != gpu.ModeHost {
		guestCapacity, err := m.allocator.GuestCapacity(ctx, device, t)
		if err != nil {
			return 0, err
		}
		res += guestCapacity
	}
	if mode != gpu.ModeGuest {
		hostCapacity, err := m.allocator.HostCapacity(ctx, device, t)
		if err != nil {
			return 0, err
		}
		res += hostCapacity
	}
	return res, nil
}

// CreatePartition creates a partition of the given type. With gpu.BackendAuto, types that can be
// realized by both backends follow the current mode of the device, preferring guest partitions
// on idle devices. Fails with gpu.ModeConflictErr if the device hosts partitions of the other backend.
func (m *Manager) CreatePartition(ctx context.Context, device gpu.Device, typeId int, backend gpu.Backend) (partition gpu.Partition, err gpu.Error) {
	logger := newLogger(ctx)
	start := time.Now()
	resolved := backend
	defer func() {
		m.recorder.ObserveOperation(metrics.OperationCreate, resolved, start, err)
	}()

	if !backend.IsValid() {
		return gpu.Partition{}, gpu.UnsupportedErr.Errorf("unknown backend %q", backend)
	}
	types, err := m.catalog.SupportedTypes(ctx, device)
	if err != nil {
		return gpu.Partition{}, err
	}
	t, found := types.FindById(typeId)
	if !found {
		return gpu.Partition{}, gpu.PartitionTypeNotFoundErr.Errorf("partition type %d not supported by device %s", typeId, device.Id)
	}
	if !t.Flags.Supports(backend) {
		return gpu.Partition{}, gpu.UnsupportedErr.Errorf("partition type %s cannot be realized by backend %s", t, backend)
	}

	unlock := m.locks.lock(device.Id)
	defer unlock()

	partitions, err := m.listPartitions(ctx, device, types)
	if err != nil {
		return gpu.Partition{}, err
	}
	mode := gpu.ModeOf(partitions)
	resolved = resolveBackend(t, backend, mode)
	if mode != gpu.ModeIdle && mode != resolved.Mode() {
		return gpu.Partition{}, gpu.ModeConflictErr.Errorf(
			"device %s is in %s mode, cannot create %s partitions",
			device.Id,
			mode,
			resolved,
		)
	}

	switch resolved {
	case gpu.BackendGuestMdev:
		partition, err = m.createGuestPartition(ctx, device, t)
	default:
		partition, err = m.createHostPartition(ctx, device, t)
	}
	if err != nil {
		return gpu.Partition{}, err
	}
	logger.Info("created partition", "device", device.Id, "partition", partition.UUID, "type", t.Name, "backend", resolved, "location", partition.Location.String())
	return partition, nil
}

func resolveBackend(t gpu.PartitionType, requested gpu.Backend, mode gpu.Mode) gpu.Backend {
	if requested != gpu.BackendAuto {
		return requested
	}
	switch {
	case t.Flags == gpu.TypeFlagHostAndGuest && mode == gpu.ModeHost:
		return gpu.BackendHostInstance
	case t.Flags.SupportsGuest():
		return gpu.BackendGuestMdev
	default:
		return gpu.BackendHostInstance
	}
}

// ListPartitions returns the live partitions of the device: the mediated devices of the device
// and of its virtual functions, followed by the GPU instances.
func (m *Manager) ListPartitions(ctx context.Context, device gpu.Device) (gpu.PartitionList, gpu.Error) {
	types, err := m.catalog.SupportedTypes(ctx, device)
	if err != nil {
		return nil, err
	}
	return m.listPartitions(ctx, device, types)
}

// listPartitions scans the device. Types not found in the list provided as argument
// are reported with the information available on the partition itself.
func (m *Manager) listPartitions(ctx context.Context, device gpu.Device, types gpu.PartitionTypeList) (gpu.PartitionList, gpu.Error) {
	guest, err := m.listGuestPartitions(ctx, device, types)
	if err != nil {
		return nil, err
	}
	host, err := m.listHostPartitions(ctx, device, types)
	if err != nil {
		return nil, err
	}
	return append(guest, host...), nil
}

// DestroyPartition destroys the partition with the given UUID. Fails with gpu.PartitionNotFoundErr
// if the device does not host it. Failures of the backend are not retried.
func (m *Manager) DestroyPartition(ctx context.Context, device gpu.Device, uuid string) (err gpu.Error) {
	logger := newLogger(ctx)
	start := time.Now()
	backend := gpu.BackendAuto
	defer func() {
		m.recorder.ObserveOperation(metrics.OperationDestroy, backend, start, err)
	}()

	partitions, err := m.listPartitions(ctx, device, nil)
	if err != nil {
		return err
	}
	partition, found := partitions.FindByUUID(uuid)
	if !found {
		return gpu.PartitionNotFoundErr.Errorf("partition %s not found on device %s", uuid, device.Id)
	}
	backend = partition.Backend

	unlock := m.locks.lock(device.Id)
	defer unlock()

	switch partition.Backend {
	case gpu.BackendGuestMdev:
		err = m.destroyGuestPartition(ctx, partition)
	default:
		err = m.destroyHostPartition(ctx, device, partition)
	}
	if err != nil {
		return err
	}
	logger.Info("destroyed partition", "device", device.Id, "partition", uuid, "backend", partition.Backend)
	return nil
}

func (m *Manager) GetHostPartitioningMode(_ context.Context, device gpu.Device) (gpu.HostModeStatus, gpu.Error) {
	status, err := m.nvmlClient.GetMigMode(device.Id)
	if err != nil {
		return gpu.HostModeStatus{}, gpu.NotFoundAsDriverError(err)
	}
	return status, nil
}

// SetHostPartitioningMode enables or disables MIG mode on the device. Fails with gpu.ModeConflictErr
// if the device hosts any partition, since the partition types change with the mode. The returned
// status reports a pending change if the device must be reset for the change to take effect.
func (m *Manager) SetHostPartitioningMode(ctx context.Context, device gpu.Device, enabled bool) (status gpu.HostModeStatus, err gpu.Error) {
	logger := newLogger(ctx)
	start := time.Now()
	defer func() {
		m.recorder.ObserveOperation(metrics.OperationSetMode, gpu.BackendHostInstance, start, err)
	}()

	unlock := m.locks.lock(device.Id)
	defer unlock()

	partitions, err := m.listPartitions(ctx, device, nil)
	if err != nil {
		return gpu.HostModeStatus{}, err
	}
	if len(partitions) > 0 {
		return gpu.HostModeStatus{}, gpu.ModeConflictErr.Errorf(
			"device %s hosts %d partitions, destroy them before changing MIG mode",
			device.Id,
			len(partitions),
		)
	}
	if err = m.nvmlClient.SetMigMode(device.Id, enabled); err != nil {
		return gpu.HostModeStatus{}, gpu.NotFoundAsDriverError(err)
	}
	if status, err = m.GetHostPartitioningMode(ctx, device); err != nil {
		return gpu.HostModeStatus{}, err
	}
	logger.Info("changed MIG mode", "device", device.Id, "enabled", enabled, "resetRequired", status.IsChangePending())
	return status, nil
}
