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

package gpu

import (
	"fmt"
)

// InvalidInstanceProfileId is the value reported by the vendor library for guest
// partition types that are not associated with any host instance profile.
const InvalidInstanceProfileId uint32 = 0xFFFFFFFF

// NoComputeInstance is the compute instance id of host partitions without sub-instance.
const NoComputeInstance = -1

// TypeFlags tells which backend(s) can realize a partition type.
type TypeFlags uint8

const (
	TypeFlagGuest TypeFlags = 1 << iota
	TypeFlagHost

	TypeFlagHostAndGuest = TypeFlagGuest | TypeFlagHost
)

func (f TypeFlags) SupportsGuest() bool {
	return f&TypeFlagGuest != 0
}

func (f TypeFlags) SupportsHost() bool {
	return f&TypeFlagHost != 0
}

func (f TypeFlags) Supports(b Backend) bool {
	switch b {
	case BackendGuestMdev:
		return f.SupportsGuest()
	case BackendHostInstance:
		return f.SupportsHost()
	default:
		return f != 0
	}
}

func (f TypeFlags) String() string {
	switch f {
	case TypeFlagGuest:
		return "guest-capable"
	case TypeFlagHost:
		return "host-capable"
	case TypeFlagHostAndGuest:
		return "host-and-guest-capable"
	default:
		return "none"
	}
}

// PartitionType is a kind of partition a device can host.
type PartitionType struct {
	// Id is unique per device
	Id       int
	Name     string
	MemoryMB uint64
	Flags    TypeFlags
	// InstanceProfileId is the host instance profile realizing the type,
	// InvalidInstanceProfileId when the type is not host-capable.
	InstanceProfileId uint32
	// SliceCount is the number of slices of the host instance profile
	SliceCount int
}

func (t PartitionType) String() string {
	return fmt.Sprintf("%d: %s (%s)", t.Id, t.Name, t.Flags)
}

type PartitionTypeList []PartitionType

func (l PartitionTypeList) FindById(id int) (PartitionType, bool) {
	for _, t := range l {
		if t.Id == id {
			return t, true
		}
	}
	return PartitionType{}, false
}

// FindHostType returns the host-capable type realized by the instance profile provided as argument.
func (l PartitionTypeList) FindHostType(profileId uint32) (PartitionType, bool) {
	for _, t := range l {
		if t.Flags.SupportsHost() && t.InstanceProfileId == profileId {
			return t, true
		}
	}
	return PartitionType{}, false
}

// Backend is the partitioning technology realizing a partition.
type Backend string

const (
	// BackendAuto lets the lifecycle manager choose the backend from the type flags
	// and from the current mode of the device.
	BackendAuto         Backend = ""
	BackendGuestMdev    Backend = "guest-mdev"
	BackendHostInstance Backend = "host-instance"
)

func (b Backend) String() string {
	if b == BackendAuto {
		return "auto"
	}
	return string(b)
}

func (b Backend) IsValid() bool {
	return b == BackendAuto || b == BackendGuestMdev || b == BackendHostInstance
}

func (b Backend) Mode() Mode {
	switch b {
	case BackendGuestMdev:
		return ModeGuest
	case BackendHostInstance:
		return ModeHost
	default:
		return ModeIdle
	}
}

type LocationKind string

const (
	LocationDevice          LocationKind = "device"
	LocationVirtualFunction LocationKind = "virtual-function"
	LocationHostInstance    LocationKind = "host-instance"
)

// Location is the physical place hosting a partition.
type Location struct {
	Kind LocationKind
	// BusAddress is the PCI address of the function hosting a guest partition
	BusAddress string
	// VirtualFunctionIndex is the index of the virtual function hosting a guest partition,
	// -1 when the partition is hosted by the device itself
	VirtualFunctionIndex int
	// Path is the filesystem node of the hosting function
	Path string

	GpuInstanceId     int
	ComputeInstanceId int
}

func (l Location) String() string {
	switch l.Kind {
	case LocationHostInstance:
		if l.ComputeInstanceId == NoComputeInstance {
			return fmt.Sprintf("gi/%d", l.GpuInstanceId)
		}
		return fmt.Sprintf("gi/%d/ci/%d", l.GpuInstanceId, l.ComputeInstanceId)
	case LocationVirtualFunction:
		return fmt.Sprintf("virtfn%d@%s", l.VirtualFunctionIndex, l.BusAddress)
	default:
		return l.BusAddress
	}
}

// Partition is a live partition of a Device.
type Partition struct {
	UUID     string
	DeviceId string
	Type     PartitionType
	Backend  Backend
	Location Location
}

func (p Partition) String() string {
	return fmt.Sprintf("%s: type=(%s) backend=%s location=%s", p.UUID, p.Type, p.Backend, p.Location)
}

type PartitionList []Partition

func (l PartitionList) FindByUUID(uuid string) (Partition, bool) {
	for _, p := range l {
		if p.UUID == uuid {
			return p, true
		}
	}
	return Partition{}, false
}

// Mode is the partitioning use of a device, observed from its live partitions.
type Mode string

const (
	ModeIdle  Mode = "idle"
	ModeGuest Mode = "guest"
	ModeHost  Mode = "host"
)

// ModeOf returns the mode of a device hosting the partitions provided as argument.
// Partitions of both backends should never coexist: in that case the returned mode
// is the one of the first partition of the list.
func ModeOf(partitions PartitionList) Mode {
	if len(partitions) == 0 {
		return ModeIdle
	}
	return partitions[0].Backend.Mode()
}

// HostModeStatus is the host partitioning (MIG) mode of a device. Pending differs
// from Current when a mode change requires a device reset to take effect.
type HostModeStatus struct {
	Current bool
	Pending bool
}

func (s HostModeStatus) IsChangePending() bool {
	return s.Current != s.Pending
}
