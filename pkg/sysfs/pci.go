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

package sysfs

import (
	"path/filepath"
	"strings"

	"github.com/nebuly-ai/nos-partitioner/pkg/gpu"
)

const (
	// displayClassPrefix matches the PCI base class 0x03 (display controllers)
	displayClassPrefix = "0x03"
	// physicalFunctionLink is present only on the nodes of virtual functions
	physicalFunctionLink = "physfn"
)

var knownVendors = map[string]string{
	"0x10de": "nvidia",
	"0x1002": "amd",
	"0x8086": "intel",
}

var knownModels = map[string]string{
	"0x10de:0x20f1": "a100",
}

// PCIDevice holds the identifiers of a PCI function read from its sysfs node.
type PCIDevice struct {
	BusAddress string
	VendorId   string
	DeviceId   string
	Class      string
}

func (d PCIDevice) IsDisplayController() bool {
	return strings.HasPrefix(d.Class, displayClassPrefix)
}

// VendorName returns the name of the vendor, or its PCI id when unknown.
func (d PCIDevice) VendorName() string {
	if name, ok := knownVendors[d.VendorId]; ok {
		return name
	}
	return d.VendorId
}

// ModelName returns the name of the model, or "<vendor id>:<device id>" when unknown.
func (d PCIDevice) ModelName() string {
	key := d.VendorId + ":" + d.DeviceId
	if name, ok := knownModels[key]; ok {
		return name
	}
	return key
}

// ScanDisplayDevices returns the display-class physical PCI functions, sorted by bus address.
// Virtual functions and functions whose identifiers cannot be read are skipped.
func (t *Tree) ScanDisplayDevices() ([]PCIDevice, gpu.Error) {
	entries, err := t.fs.List(filepath.Join(t.root, pciDevicesDir))
	if gpu.IsNotFound(err) {
		return []PCIDevice{}, nil
	}
	if err != nil {
		return nil, err
	}
	res := make([]PCIDevice, 0)
	for _, busAddress := range entries {
		if t.fs.Exists(filepath.Join(t.DevicePath(busAddress), physicalFunctionLink)) {
			continue
		}
		d, err := t.readPCIDevice(busAddress)
		if err != nil {
			continue
		}
		if d.IsDisplayController() {
			res = append(res, d)
		}
	}
	return res, nil
}

func (t *Tree) readPCIDevice(busAddress string) (PCIDevice, gpu.Error) {
	devicePath := t.DevicePath(busAddress)
	d := PCIDevice{BusAddress: busAddress}
	var err gpu.Error
	if d.Class, err = t.fs.ReadString(filepath.Join(devicePath, "class")); err != nil {
		return d, err
	}
	if d.VendorId, err = t.fs.ReadString(filepath.Join(devicePath, "vendor")); err != nil {
		return d, err
	}
	if d.DeviceId, err = t.fs.ReadString(filepath.Join(devicePath, "device")); err != nil {
		return d, err
	}
	return d, nil
}
