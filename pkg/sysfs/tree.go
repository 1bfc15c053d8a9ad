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
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nebuly-ai/nos-partitioner/pkg/gpu"
)

const (
	pciDevicesDir     = "bus/pci/devices"
	supportedTypesDir = "mdev_supported_types"
	mdevDevicesDir    = "devices"
	sriovNumVfsFile   = "sriov_numvfs"
	virtfnPrefix      = "virtfn"
	ueventFile        = "uevent"
	pciSlotNameKey    = "PCI_SLOT_NAME"

	nameFile               = "name"
	availableInstancesFile = "available_instances"
	createFile             = "create"
	removeFile             = "remove"

	// PhysicalFunctionIndex is the index of the Function representing the device itself
	PhysicalFunctionIndex = -1
)

// Function is a PCI function able to host guest partitions: either the device itself
// or one of its virtual functions.
type Function struct {
	Index      int
	BusAddress string
	Path       string
}

func (f Function) IsVirtual() bool {
	return f.Index != PhysicalFunctionIndex
}

// Mdev is a mediated device found under a Function.
type Mdev struct {
	UUID     string
	TypeId   int
	Function Function
}

// Tree walks the mdev and SR-IOV nodes of the PCI devices.
type Tree struct {
	fs         FS
	root       string
	typePrefix string
}

func NewTree(fs FS, root string, typePrefix string) *Tree {
	return &Tree{fs: fs, root: root, typePrefix: typePrefix}
}

func (t *Tree) DevicePath(busAddress string) string {
	return filepath.Join(t.root, pciDevicesDir, busAddress)
}

// TypeKey returns the name of the node of a guest partition type, e.g. "nvidia-471".
func (t *Tree) TypeKey(typeId int) string {
	return fmt.Sprintf("%s-%d", t.typePrefix, typeId)
}

// ParseTypeKey returns the type id encoded in the key, false if the key has a different prefix.
func (t *Tree) ParseTypeKey(key string) (int, bool) {
	idStr, found := strings.CutPrefix(key, t.typePrefix+"-")
	if !found {
		return 0, false
	}
	id, err := strconv.Atoi(idStr)
	if err != nil {
		return 0, false
	}
	return id, true
}

// VirtualFunctions returns the active virtual functions of the device in ascending index order.
// Devices without SR-IOV support have no virtual functions.
func (t *Tree) VirtualFunctions(busAddress string) ([]Function, gpu.Error) {
	devicePath := t.DevicePath(busAddress)
	numVfs, err := t.fs.ReadInt(filepath.Join(devicePath, sriovNumVfsFile))
	if gpu.IgnoreNotFound(err) != nil {
		return nil, err
	}
	if numVfs < 0 {
		return nil, gpu.DriverErr.Errorf(
			"malformed content of %s: negative VF count %d",
			filepath.Join(devicePath, sriovNumVfsFile),
			numVfs,
		)
	}
	res := make([]Function, 0, numVfs)
	for i := 0; i < numVfs; i++ {
		vfPath := filepath.Join(devicePath, fmt.Sprintf("%s%d", virtfnPrefix, i))
		if !t.fs.Exists(vfPath) {
			continue
		}
		res = append(res, Function{
			Index:      i,
			BusAddress: t.resolveBusAddress(vfPath),
			Path:       vfPath,
		})
	}
	return res, nil
}

// GuestLocations returns the functions that can host guest partitions: the virtual functions
// of the device, or the device itself when it has none.
func (t *Tree) GuestLocations(busAddress string) ([]Function, gpu.Error) {
	vfs, err := t.VirtualFunctions(busAddress)
	if err != nil {
		return nil, err
	}
	if len(vfs) > 0 {
		return vfs, nil
	}
	return []Function{t.PhysicalFunction(busAddress)}, nil
}

func (t *Tree) PhysicalFunction(busAddress string) Function {
	return Function{
		Index:      PhysicalFunctionIndex,
		BusAddress: busAddress,
		Path:       t.DevicePath(busAddress),
	}
}

func (t *Tree) typePath(f Function, typeId int) string {
	return filepath.Join(f.Path, supportedTypesDir, t.TypeKey(typeId))
}

// AvailableInstances returns the number of partitions of the type that can still be created
// on the function. Fails with gpu.NotFoundErr if the function does not support the type.
func (t *Tree) AvailableInstances(f Function, typeId int) (int, gpu.Error) {
	return t.fs.ReadInt(filepath.Join(t.typePath(f, typeId), availableInstancesFile))
}

func (t *Tree) TypeName(f Function, typeId int) (string, gpu.Error) {
	return t.fs.ReadString(filepath.Join(t.typePath(f, typeId), nameFile))
}

// CreateMdev requests the creation of a mediated device of the given type and uuid.
func (t *Tree) CreateMdev(f Function, typeId int, uuid string) gpu.Error {
	return t.fs.WriteString(filepath.Join(t.typePath(f, typeId), createFile), uuid+"\n")
}

func (t *Tree) MdevPath(f Function, typeId int, uuid string) string {
	return filepath.Join(t.typePath(f, typeId), mdevDevicesDir, uuid)
}

func (t *Tree) MdevExists(f Function, typeId int, uuid string) bool {
	return t.fs.Exists(t.MdevPath(f, typeId, uuid))
}

// RemoveMdev destroys the mediated device. Fails with gpu.NotFoundErr if it does not exist.
func (t *Tree) RemoveMdev(m Mdev) gpu.Error {
	return t.fs.WriteString(filepath.Join(t.MdevPath(m.Function, m.TypeId, m.UUID), removeFile), "1")
}

// ListMdevs returns the mediated devices living on the function, grouped by type in
// the order of the type nodes.
func (t *Tree) ListMdevs(f Function) ([]Mdev, gpu.Error) {
	typeKeys, err := t.fs.List(filepath.Join(f.Path, supportedTypesDir))
	if gpu.IgnoreNotFound(err) != nil {
		return nil, err
	}
	res := make([]Mdev, 0)
	for _, key := range typeKeys {
		typeId, ok := t.ParseTypeKey(key)
		if !ok {
			continue
		}
		uuids, err := t.fs.List(filepath.Join(f.Path, supportedTypesDir, key, mdevDevicesDir))
		if gpu.IgnoreNotFound(err) != nil {
			return nil, err
		}
		for _, uuid := range uuids {
			res = append(res, Mdev{UUID: uuid, TypeId: typeId, Function: f})
		}
	}
	return res, nil
}

// resolveBusAddress returns the PCI address of the function, read from its uevent
// or from the target of its link, falling back to the name of the node.
func (t *Tree) resolveBusAddress(path string) string {
	if uevent, err := t.fs.ReadString(filepath.Join(path, ueventFile)); err == nil {
		for _, line := range strings.Split(uevent, "\n") {
			if value, found := strings.CutPrefix(strings.TrimSpace(line), pciSlotNameKey+"="); found {
				return value
			}
		}
	}
	if target, err := t.fs.Readlink(path); err == nil {
		return filepath.Base(target)
	}
	return filepath.Base(path)
}
