//go:build cuda
// +build cuda

package device

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/cu"
)

const acceleratorBackend = "cuda"

func detectAccelerators() ([]Accelerator, error) {
	n, err := cu.NumDevices()
	if err != nil {
		return nil, errors.Wrap(err, "enumerating CUDA devices")
	}
	gpus := make([]Accelerator, 0, n)
	for d := 0; d < n; d++ {
		dev := cu.Device(d)
		name, err := dev.Name()
		if err != nil {
			return nil, errors.Wrapf(err, "reading name of device %d", d)
		}
		mem, err := dev.TotalMem()
		if err != nil {
			return nil, errors.Wrapf(err, "reading memory of device %d", d)
		}
		maj, _ := dev.Attribute(cu.ComputeCapabilityMajor)
		min, _ := dev.Attribute(cu.ComputeCapabilityMinor)
		gpus = append(gpus, Accelerator{
			Index:             d,
			Name:              name,
			TotalMemory:       uint64(mem),
			ComputeCapability: fmt.Sprintf("%d.%d", maj, min),
		})
	}
	return gpus, nil
}
