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

package v1alpha1

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nebuly-ai/nos-partitioner/pkg/util"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"
)

const (
	DefaultSysfsRoot                    = "/sys"
	DefaultMdevTypePrefix               = "nvidia"
	DefaultRegistryPath                 = "/var/lib/nos-partitioner/partitions.db"
	DefaultDeviceAppearanceTimeout      = 5 * time.Second
	DefaultDeviceAppearancePollInterval = 100 * time.Millisecond
)

type PartitionerConfig struct {
	metav1.TypeMeta `json:",inline"`
	// SysfsRoot is the mount point of the kernel pseudo-filesystem
	SysfsRoot string `json:"sysfsRoot,omitempty"`
	// MdevTypePrefix is the prefix of the mdev type nodes, "<prefix>-<type id>"
	MdevTypePrefix string `json:"mdevTypePrefix,omitempty"`
	// RegistryPath is the file storing the UUIDs of the host partitions
	RegistryPath string `json:"registryPath,omitempty"`
	// CreateDefaultComputeInstance tells whether a compute instance spanning the whole
	// GPU instance is created together with each host partition
	CreateDefaultComputeInstance *bool           `json:"createDefaultComputeInstance,omitempty"`
	DeviceAppearanceTimeout      metav1.Duration `json:"deviceAppearanceTimeout,omitempty"`
	DeviceAppearancePollInterval metav1.Duration `json:"deviceAppearancePollInterval,omitempty"`
	// EnumerateGenericDevices enables the listing of display devices not managed by the vendor library
	EnumerateGenericDevices *bool `json:"enumerateGenericDevices,omitempty"`
}

func NewDefaultPartitionerConfig() PartitionerConfig {
	c := PartitionerConfig{}
	c.SetDefaults()
	return c
}

// SetDefaults fills the unset fields with their default value.
func (c *PartitionerConfig) SetDefaults() {
	if c.SysfsRoot == "" {
		c.SysfsRoot = DefaultSysfsRoot
	}
	if c.MdevTypePrefix == "" {
		c.MdevTypePrefix = DefaultMdevTypePrefix
	}
	if c.RegistryPath == "" {
		c.RegistryPath = DefaultRegistryPath
	}
	if c.CreateDefaultComputeInstance == nil {
		c.CreateDefaultComputeInstance = util.BoolAddr(true)
	}
	if c.DeviceAppearanceTimeout.Duration == 0 {
		c.DeviceAppearanceTimeout.Duration = DefaultDeviceAppearanceTimeout
	}
	if c.DeviceAppearancePollInterval.Duration == 0 {
		c.DeviceAppearancePollInterval.Duration = DefaultDeviceAppearancePollInterval
	}
	if c.EnumerateGenericDevices == nil {
		c.EnumerateGenericDevices = util.BoolAddr(true)
	}
}

func (c *PartitionerConfig) Validate() error {
	if c.SysfsRoot == "" {
		return errors.New("sysfsRoot cannot be empty")
	}
	if c.MdevTypePrefix == "" {
		return errors.New("mdevTypePrefix cannot be empty")
	}
	if c.RegistryPath == "" {
		return errors.New("registryPath cannot be empty")
	}
	if c.DeviceAppearanceTimeout.Seconds() <= 0 {
		return errors.New("deviceAppearanceTimeout must be greater than 0")
	}
	if c.DeviceAppearancePollInterval.Seconds() <= 0 {
		return errors.New("deviceAppearancePollInterval must be greater than 0")
	}
	if c.DeviceAppearancePollInterval.Duration > c.DeviceAppearanceTimeout.Duration {
		return errors.New("deviceAppearancePollInterval cannot be greater than deviceAppearanceTimeout")
	}
	return nil
}

func (c *PartitionerConfig) ShouldCreateDefaultComputeInstance() bool {
	return c.CreateDefaultComputeInstance == nil || *c.CreateDefaultComputeInstance
}

func (c *PartitionerConfig) ShouldEnumerateGenericDevices() bool {
	return c.EnumerateGenericDevices == nil || *c.EnumerateGenericDevices
}

// Decode parses a YAML or JSON config, rejecting unknown fields, and applies the defaults.
func Decode(data []byte) (PartitionerConfig, error) {
	var c PartitionerConfig
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return c, fmt.Errorf("unable to decode config: %w", err)
	}
	c.SetDefaults()
	return c, c.Validate()
}

func LoadFromFile(path string) (PartitionerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PartitionerConfig{}, fmt.Errorf("unable to read config file %s: %w", path, err)
	}
	return Decode(data)
}
