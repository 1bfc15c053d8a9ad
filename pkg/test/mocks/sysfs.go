package mocks

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/nebuly-ai/nos-partitioner/pkg/gpu"
	"github.com/nebuly-ai/nos-partitioner/pkg/sysfs"
	"github.com/spf13/afero"
)

// MockedSysfs is a sysfs.FS over an in-memory tree that reacts to the writes on the
// "create" and "remove" nodes like the mdev driver does.
type MockedSysfs struct {
	sysfs.FS
	Fs   afero.Fs
	Root string

	// SuppressDeviceAppearance makes created mdevs never show up in the tree
	SuppressDeviceAppearance bool
	// CreateError, if set, is returned by the writes on "create" nodes
	CreateError gpu.Error
	// RemoveError, if set, is returned by the writes on "remove" nodes
	RemoveError gpu.Error

	NumCallsCreate int
	NumCallsRemove int

	mu sync.Mutex
}

func NewMockedSysfs(root string) *MockedSysfs {
	fs := afero.NewMemMapFs()
	return &MockedSysfs{
		FS:   sysfs.NewFS(fs),
		Fs:   fs,
		Root: root,
	}
}

func (m *MockedSysfs) DevicePath(busAddress string) string {
	return filepath.Join(m.Root, "bus", "pci", "devices", busAddress)
}

// AddPCIDevice creates the node of a PCI function with the given identifiers.
func (m *MockedSysfs) AddPCIDevice(busAddress, vendorId, deviceId, class string) string {
	path := m.DevicePath(busAddress)
	m.mustWrite(filepath.Join(path, "vendor"), vendorId+"\n")
	m.mustWrite(filepath.Join(path, "device"), deviceId+"\n")
	m.mustWrite(filepath.Join(path, "class"), class+"\n")
	return path
}

// AddVirtualFunctions enables SR-IOV on the device and returns the paths of the virtual functions.
func (m *MockedSysfs) AddVirtualFunctions(busAddress string, vfBusAddresses ...string) []string {
	devicePath := m.DevicePath(busAddress)
	m.mustWrite(filepath.Join(devicePath, "sriov_numvfs"), fmt.Sprintf("%d\n", len(vfBusAddresses)))
	res := make([]string, len(vfBusAddresses))
	for i, vf := range vfBusAddresses {
		res[i] = filepath.Join(devicePath, fmt.Sprintf("virtfn%d", i))
		m.mustWrite(filepath.Join(res[i], "uevent"), fmt.Sprintf("DRIVER=nvidia\nPCI_SLOT_NAME=%s\n", vf))
	}
	return res
}

// AddMdevType makes the function at path support the mdev type.
func (m *MockedSysfs) AddMdevType(path, typeKey, name string, availableInstances int) {
	typePath := filepath.Join(path, "mdev_supported_types", typeKey)
	m.mustWrite(filepath.Join(typePath, "name"), name+"\n")
	m.mustWrite(filepath.Join(typePath, "available_instances"), fmt.Sprintf("%d\n", availableInstances))
	m.mustWrite(filepath.Join(typePath, "create"), "")
	if err := m.Fs.MkdirAll(filepath.Join(typePath, "devices"), 0755); err != nil {
		panic(err)
	}
}

// AddMdev adds an existing mediated device to the tree, without consuming capacity.
func (m *MockedSysfs) AddMdev(path, typeKey, uuid string) {
	m.mustWrite(filepath.Join(path, "mdev_supported_types", typeKey, "devices", uuid, "remove"), "")
}

func (m *MockedSysfs) AvailableInstances(path, typeKey string) int {
	value, err := m.ReadInt(filepath.Join(path, "mdev_supported_types", typeKey, "available_instances"))
	if err != nil {
		panic(err)
	}
	return value
}

func (m *MockedSysfs) WriteString(path string, value string) gpu.Error {
	switch {
	case filepath.Base(path) == "create":
		return m.create(path, value)
	case filepath.Base(path) == "remove" && filepath.Base(filepath.Dir(filepath.Dir(path))) == "devices":
		return m.remove(path, value)
	default:
		return m.FS.WriteString(path, value)
	}
}

func (m *MockedSysfs) create(path string, value string) gpu.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.NumCallsCreate++
	if !m.Exists(path) {
		return gpu.NotFoundErr.Errorf("%s not found", path)
	}
	if m.CreateError != nil {
		return m.CreateError
	}
	if !strings.HasSuffix(value, "\n") {
		return gpu.DriverErr.Errorf("write %s: invalid argument", path)
	}
	typePath := filepath.Dir(path)
	uuid := strings.TrimSpace(value)
	available, err := m.ReadInt(filepath.Join(typePath, "available_instances"))
	if err != nil {
		return err
	}
	if available <= 0 {
		return gpu.DriverErr.Errorf("write %s: no space left on device", path)
	}
	if m.Exists(filepath.Join(typePath, "devices", uuid)) {
		return gpu.DriverErr.Errorf("write %s: file exists", path)
	}
	m.mustWrite(filepath.Join(typePath, "available_instances"), strconv.Itoa(available-1)+"\n")
	if !m.SuppressDeviceAppearance {
		m.mustWrite(filepath.Join(typePath, "devices", uuid, "remove"), "")
	}
	return nil
}

func (m *MockedSysfs) remove(path string, value string) gpu.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.NumCallsRemove++
	if !m.Exists(path) {
		return gpu.NotFoundErr.Errorf("%s not found", path)
	}
	if m.RemoveError != nil {
		return m.RemoveError
	}
	if strings.TrimSpace(value) != "1" {
		return gpu.DriverErr.Errorf("write %s: invalid argument", path)
	}
	mdevPath := filepath.Dir(path)
	typePath := filepath.Dir(filepath.Dir(mdevPath))
	if err := m.Fs.RemoveAll(mdevPath); err != nil {
		return gpu.DriverErr.Wrap(err)
	}
	available, err := m.ReadInt(filepath.Join(typePath, "available_instances"))
	if err != nil {
		return err
	}
	m.mustWrite(filepath.Join(typePath, "available_instances"), strconv.Itoa(available+1)+"\n")
	return nil
}

func (m *MockedSysfs) mustWrite(path string, content string) {
	if err := m.Fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		panic(err)
	}
	if err := afero.WriteFile(m.Fs, path, []byte(content), 0644); err != nil {
		panic(err)
	}
}
