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

package engine

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/nebuly-ai/nos-partitioner/internal/partitioning/core"
	"github.com/nebuly-ai/nos-partitioner/pkg/api/nos.nebuly.com/config/v1alpha1"
	"github.com/nebuly-ai/nos-partitioner/pkg/gpu"
	"github.com/nebuly-ai/nos-partitioner/pkg/gpu/nvml"
	"github.com/nebuly-ai/nos-partitioner/pkg/metrics"
	"github.com/nebuly-ai/nos-partitioner/pkg/registry"
	"github.com/nebuly-ai/nos-partitioner/pkg/sysfs"
	"github.com/nebuly-ai/nos-partitioner/pkg/util"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"
)

const nvidiaVendor = "nvidia"

// Engine is the entry point of the partitioning operations. Devices are identified by
// their hardware id and every operation is routed to the partitioner of the capability
// variant the device was enumerated with.
type Engine struct {
	nvmlClient       nvml.Client
	tree             *sysfs.Tree
	enumerateGeneric bool
	partitioners     map[gpu.Capability]core.Partitioner
}

func New(
	config v1alpha1.PartitionerConfig,
	nvmlClient nvml.Client,
	fs sysfs.FS,
	partitionRegistry registry.Registry,
	recorder *metrics.Recorder,
) *Engine {
	return &Engine{
		nvmlClient:       nvmlClient,
		tree:             sysfs.NewTree(fs, config.SysfsRoot, config.MdevTypePrefix),
		enumerateGeneric: config.ShouldEnumerateGenericDevices(),
		partitioners: map[gpu.Capability]core.Partitioner{
			gpu.CapabilityVendorManaged: core.NewManager(config, nvmlClient, fs, partitionRegistry, recorder),
			gpu.CapabilityGeneric:       core.NewUnsupportedPartitioner(),
		},
	}
}

func newLogger(ctx context.Context) logr.Logger {
	return klog.FromContext(ctx).WithName("Engine")
}

// EnumerateDevices returns the devices managed by the vendor library, in the order it reports
// them, followed by the other display-class PCI devices sorted by bus address.
// The returned list never contains two devices with the same id.
func (e *Engine) EnumerateDevices(ctx context.Context) (gpu.DeviceList, error) {
	logger := newLogger(ctx)

	infos, err := e.nvmlClient.GetDevices()
	if err != nil {
		return nil, gpu.NotFoundAsDriverError(err)
	}
	res := make(gpu.DeviceList, 0, len(infos))
	vendorBusAddresses := sets.New[string]()
	for _, info := range infos {
		vendorBusAddresses.Insert(info.BusAddress)
		res = append(res, gpu.Device{
			Id:         info.UUID,
			Vendor:     nvidiaVendor,
			Model:      info.Name,
			BusAddress: info.BusAddress,
			Capability: gpu.CapabilityVendorManaged,
		})
	}

	if e.enumerateGeneric {
		pciDevices, err := e.tree.ScanDisplayDevices()
		if err != nil {
			return nil, gpu.NotFoundAsDriverError(err)
		}
		generic := make(gpu.DeviceList, 0, len(pciDevices))
		for _, d := range pciDevices {
			if vendorBusAddresses.Has(d.BusAddress) {
				continue
			}
			generic = append(generic, gpu.Device{
				Id:         genericDeviceId(d.BusAddress),
				Vendor:     d.VendorName(),
				Model:      d.ModelName(),
				BusAddress: d.BusAddress,
				Capability: gpu.CapabilityGeneric,
			})
		}
		res = append(res, generic.SortByBusAddress()...)
	}

	res = res.DedupById()
	logger.V(1).Info("enumerated devices", "vendorManaged", len(infos), "total", len(res))
	return res, nil
}

func genericDeviceId(busAddress string) string {
	return "PCI-" + busAddress
}

// DeviceByIdentifier returns the device with the given id, failing with gpu.DeviceNotFoundErr
// if no enumerated device has it.
func (e *Engine) DeviceByIdentifier(ctx context.Context, id string) (gpu.Device, error) {
	devices, err := e.EnumerateDevices(ctx)
	if err != nil {
		return gpu.Device{}, err
	}
	device, found := devices.FindById(id)
	if !found {
		return gpu.Device{}, gpu.DeviceNotFoundErr.Errorf("device %s not found", id)
	}
	return device, nil
}

func (e *Engine) partitionerFor(device gpu.Device) core.Partitioner {
	if p, ok := e.partitioners[device.Capability]; ok {
		return p
	}
	return core.NewUnsupportedPartitioner()
}

// resolve returns the device with the given id together with its partitioner.
func (e *Engine) resolve(ctx context.Context, id string) (gpu.Device, core.Partitioner, error) {
	device, err := e.DeviceByIdentifier(ctx, id)
	if err != nil {
		return gpu.Device{}, nil, err
	}
	return device, e.partitionerFor(device), nil
}

func (e *Engine) SupportedTypes(ctx context.Context, id string) (gpu.PartitionTypeList, error) {
	device, partitioner, err := e.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	types, gpuErr := partitioner.SupportedTypes(ctx, device)
	if gpuErr != nil {
		return nil, gpuErr
	}
	return types, nil
}

// CreatableTypes returns the supported types of the device that have free capacity.
func (e *Engine) CreatableTypes(ctx context.Context, id string) (gpu.PartitionTypeList, error) {
	device, partitioner, err := e.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	types, gpuErr := partitioner.CreatableTypes(ctx, device)
	if gpuErr != nil {
		return nil, gpuErr
	}
	return types, nil
}

func (e *Engine) CreatePartition(ctx context.Context, id string, typeId int, backend gpu.Backend) (gpu.Partition, error) {
	device, partitioner, err := e.resolve(ctx, id)
	if err != nil {
		return gpu.Partition{}, err
	}
	partition, gpuErr := partitioner.CreatePartition(ctx, device, typeId, backend)
	if gpuErr != nil {
		return gpu.Partition{}, gpuErr
	}
	return partition, nil
}

func (e *Engine) ListPartitions(ctx context.Context, id string) (gpu.PartitionList, error) {
	device, partitioner, err := e.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	partitions, gpuErr := partitioner.ListPartitions(ctx, device)
	if gpuErr != nil {
		return nil, gpuErr
	}
	return partitions, nil
}

func (e *Engine) DestroyPartition(ctx context.Context, id string, partitionUUID string) error {
	device, partitioner, err := e.resolve(ctx, id)
	if err != nil {
		return err
	}
	if gpuErr := partitioner.DestroyPartition(ctx, device, partitionUUID); gpuErr != nil {
		return gpuErr
	}
	return nil
}

func (e *Engine) GetHostPartitioningMode(ctx context.Context, id string) (gpu.HostModeStatus, error) {
	device, partitioner, err := e.resolve(ctx, id)
	if err != nil {
		return gpu.HostModeStatus{}, err
	}
	status, gpuErr := partitioner.GetHostPartitioningMode(ctx, device)
	if gpuErr != nil {
		return gpu.HostModeStatus{}, gpuErr
	}
	return status, nil
}

func (e *Engine) SetHostPartitioningMode(ctx context.Context, id string, enabled bool) (gpu.HostModeStatus, error) {
	device, partitioner, err := e.resolve(ctx, id)
	if err != nil {
		return gpu.HostModeStatus{}, err
	}
	status, gpuErr := partitioner.SetHostPartitioningMode(ctx, device, enabled)
	if gpuErr != nil {
		return gpu.HostModeStatus{}, gpuErr
	}
	return status, nil
}

// FindPartition returns the partition with the given UUID together with the device hosting it,
// scanning all the vendor-managed devices. Devices that cannot be scanned make the lookup fail
// with gpu.DriverErr unless the partition is found on another device.
func (e *Engine) FindPartition(ctx context.Context, partitionUUID string) (gpu.Device, gpu.Partition, error) {
	logger := newLogger(ctx)
	devices, err := e.EnumerateDevices(ctx)
	if err != nil {
		return gpu.Device{}, gpu.Partition{}, err
	}

	var errs []error
	for _, device := range util.Filter(devices, gpu.Device.IsVendorManaged) {
		partitions, listErr := e.partitionerFor(device).ListPartitions(ctx, device)
		if listErr != nil {
			logger.Error(listErr, "unable to list partitions", "device", device.Id)
			errs = append(errs, listErr)
			continue
		}
		if p, found := partitions.FindByUUID(partitionUUID); found {
			return device, p, nil
		}
	}
	if len(errs) > 0 {
		return gpu.Device{}, gpu.Partition{}, gpu.DriverErr.Errorf(
			"partition %s not found, some devices could not be scanned: %w",
			partitionUUID,
			utilerrors.NewAggregate(errs),
		)
	}
	return gpu.Device{}, gpu.Partition{}, gpu.PartitionNotFoundErr.Errorf("partition %s not found", partitionUUID)
}
