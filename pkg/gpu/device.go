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
	"sort"
)

// Capability is the variant of a Device, selected when the device is enumerated.
type Capability string

const (
	// CapabilityGeneric devices can only be enumerated.
	CapabilityGeneric Capability = "generic"
	// CapabilityVendorManaged devices are driven by the vendor management library
	// and support both guest and host partitioning.
	CapabilityVendorManaged Capability = "vendor-managed"
)

func (c Capability) String() string {
	return string(c)
}

// Device is a physical accelerator.
type Device struct {
	// Id is the unique hardware identifier of the device (e.g. "GPU-<uuid>")
	Id string
	// Vendor is the name of the vendor, or its PCI vendor id when unknown
	Vendor string
	// Model is the model name reported by the driver or derived from the PCI device id
	Model string
	// BusAddress is the PCI bus address of the device, in the "0000:3b:00.0" format
	BusAddress string
	Capability Capability
}

func (d Device) IsVendorManaged() bool {
	return d.Capability == CapabilityVendorManaged
}

func (d Device) String() string {
	return fmt.Sprintf("%s %s (%s) @%s", d.Vendor, d.Model, d.Id, d.BusAddress)
}

type DeviceList []Device

// DedupById returns the devices of the list without duplicated ids,
// keeping the first occurrence and the original order.
func (l DeviceList) DedupById() DeviceList {
	seen := make(map[string]struct{}, len(l))
	res := make(DeviceList, 0, len(l))
	for _, d := range l {
		if _, ok := seen[d.Id]; ok {
			continue
		}
		seen[d.Id] = struct{}{}
		res = append(res, d)
	}
	return res
}

func (l DeviceList) SortByBusAddress() DeviceList {
	sorted := make(DeviceList, len(l))
	copy(sorted, l)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].BusAddress < sorted[j].BusAddress
	})
	return sorted
}

func (l DeviceList) FindById(id string) (Device, bool) {
	for _, d := range l {
		if d.Id == id {
			return d, true
		}
	}
	return Device{}, false
}
