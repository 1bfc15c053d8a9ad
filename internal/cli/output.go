package cli

import (
	"fmt"
	"io"

	"github.com/nebuly-ai/nos-partitioner/pkg/gpu"
	"sigs.k8s.io/yaml"
)

type deviceView struct {
	Id         string `json:"id"`
	Vendor     string `json:"vendor"`
	Model      string `json:"model"`
	BusAddress string `json:"busAddress"`
	Capability string `json:"capability"`
}

type typeView struct {
	Id       int    `json:"id"`
	Name     string `json:"name"`
	MemoryMB uint64 `json:"memoryMB"`
	Flags    string `json:"flags"`
}

type locationView struct {
	Kind                 string `json:"kind"`
	BusAddress           string `json:"busAddress,omitempty"`
	VirtualFunctionIndex *int   `json:"virtualFunctionIndex,omitempty"`
	GpuInstanceId        *int   `json:"gpuInstanceId,omitempty"`
	ComputeInstanceId    *int   `json:"computeInstanceId,omitempty"`
}

type partitionView struct {
	UUID     string       `json:"uuid"`
	DeviceId string       `json:"deviceId"`
	Type     typeView     `json:"type"`
	Backend  string       `json:"backend"`
	Location locationView `json:"location"`
}

type modeView struct {
	Current       bool `json:"current"`
	Pending       bool `json:"pending"`
	ResetRequired bool `json:"resetRequired"`
}

func newDeviceViews(devices gpu.DeviceList) []deviceView {
	res := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		res = append(res, deviceView{
			Id:         d.Id,
			Vendor:     d.Vendor,
			Model:      d.Model,
			BusAddress: d.BusAddress,
			Capability: d.Capability.String(),
		})
	}
	return res
}

func newTypeView(t gpu.PartitionType) typeView {
	return typeView{Id: t.Id, Name: t.Name, MemoryMB: t.MemoryMB, Flags: t.Flags.String()}
}

func newTypeViews(types gpu.PartitionTypeList) []typeView {
	res := make([]typeView, 0, len(types))
	for _, t := range types {
		res = append(res, newTypeView(t))
	}
	return res
}

func newPartitionView(p gpu.Partition) partitionView {
	l := locationView{Kind: string(p.Location.Kind)}
	if p.Location.Kind == gpu.LocationHostInstance {
		gi, ci := p.Location.GpuInstanceId, p.Location.ComputeInstanceId
		l.GpuInstanceId = &gi
		if ci != gpu.NoComputeInstance {
			l.ComputeInstanceId = &ci
		}
	} else {
		l.BusAddress = p.Location.BusAddress
		if p.Location.Kind == gpu.LocationVirtualFunction {
			index := p.Location.VirtualFunctionIndex
			l.VirtualFunctionIndex = &index
		}
	}
	return partitionView{
		UUID:     p.UUID,
		DeviceId: p.DeviceId,
		Type:     newTypeView(p.Type),
		Backend:  p.Backend.String(),
		Location: l,
	}
}

func newPartitionViews(partitions gpu.PartitionList) []partitionView {
	res := make([]partitionView, 0, len(partitions))
	for _, p := range partitions {
		res = append(res, newPartitionView(p))
	}
	return res
}

func newModeView(status gpu.HostModeStatus) modeView {
	return modeView{Current: status.Current, Pending: status.Pending, ResetRequired: status.IsChangePending()}
}

func printYAML(w io.Writer, v any) error {
	out, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("unable to encode output: %w", err)
	}
	_, err = w.Write(out)
	return err
}
