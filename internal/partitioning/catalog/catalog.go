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

package catalog

import (
	"context"

	"github.com/nebuly-ai/nos-partitioner/pkg/gpu"
	"github.com/nebuly-ai/nos-partitioner/pkg/gpu/nvml"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"
)

// Catalog merges the guest partition types and the host instance profiles of a device
// into a single list of partition types.
type Catalog struct {
	nvmlClient nvml.Client
}

func New(nvmlClient nvml.Client) *Catalog {
	return &Catalog{nvmlClient: nvmlClient}
}

// SupportedTypes returns the partition types of the device, deduplicated by id and in the
// order they are reported by the vendor library: guest types first, then the host profiles
// not realizing any guest type. Host profiles are considered only when MIG mode is enabled.
func (c *Catalog) SupportedTypes(ctx context.Context, device gpu.Device) (gpu.PartitionTypeList, gpu.Error) {
	logger := klog.FromContext(ctx).WithName("Catalog")

	vgpuTypes, err := c.nvmlClient.GetSupportedVgpuTypes(device.Id)
	if err != nil {
		return nil, gpu.NotFoundAsDriverError(err)
	}
	profiles, err := c.hostProfiles(device)
	if err != nil {
		return nil, err
	}
	profileById := make(map[uint32]nvml.GpuInstanceProfile, len(profiles))
	for _, p := range profiles {
		profileById[p.Id] = p
	}

	res := make(gpu.PartitionTypeList, 0, len(vgpuTypes)+len(profiles))
	seenIds := sets.New[int]()
	usedProfiles := sets.New[uint32]()
	add := func(t gpu.PartitionType) {
		if seenIds.Has(t.Id) {
			logger.V(1).Info("dropping duplicated partition type", "device", device.Id, "type", t)
			return
		}
		seenIds.Insert(t.Id)
		res = append(res, t)
	}

	for _, v := range vgpuTypes {
		profile, ok := profileById[v.GpuInstanceProfileId]
		if v.GpuInstanceProfileId == gpu.InvalidInstanceProfileId || !ok {
			add(gpu.PartitionType{
				Id:                v.Id,
				Name:              v.Name,
				MemoryMB:          v.FramebufferMB,
				Flags:             gpu.TypeFlagGuest,
				InstanceProfileId: gpu.InvalidInstanceProfileId,
			})
			continue
		}
		usedProfiles.Insert(profile.Id)
		add(gpu.PartitionType{
			Id:                v.Id,
			Name:              profileName(profile).String(),
			MemoryMB:          v.FramebufferMB,
			Flags:             gpu.TypeFlagHostAndGuest,
			InstanceProfileId: profile.Id,
			SliceCount:        profile.SliceCount,
		})
	}

	for _, p := range profiles {
		if usedProfiles.Has(p.Id) {
			continue
		}
		add(gpu.PartitionType{
			Id:                int(p.Id),
			Name:              profileName(p).String(),
			MemoryMB:          p.MemoryMB,
			Flags:             gpu.TypeFlagHost,
			InstanceProfileId: p.Id,
			SliceCount:        p.SliceCount,
		})
	}

	logger.V(1).Info("loaded partition types", "device", device.Id, "guest", len(vgpuTypes), "host", len(profiles), "types", len(res))
	return res, nil
}

func (c *Catalog) hostProfiles(device gpu.Device) ([]nvml.GpuInstanceProfile, gpu.Error) {
	status, err := c.nvmlClient.GetMigMode(device.Id)
	if err != nil {
		return nil, gpu.NotFoundAsDriverError(err)
	}
	if !status.Current {
		return []nvml.GpuInstanceProfile{}, nil
	}
	profiles, err := c.nvmlClient.GetGpuInstanceProfiles(device.Id)
	if err != nil {
		return nil, gpu.NotFoundAsDriverError(err)
	}
	return profiles, nil
}

func profileName(p nvml.GpuInstanceProfile) gpu.ProfileName {
	return gpu.NewProfileName(p.SliceCount, p.MemoryMB, p.MediaEngine)
}
