// Package device decides where training runs: on CUDA accelerators when the
// binary is built with the cuda tag and a device answers, on the CPU otherwise.
// Device problems never fail a run; they are logged and the CPU is used.
package device

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/cpuid/v2"
	"go.uber.org/zap"

	"github.com/cardvision/cardback/logging"
)

// Kind is the class of device training runs on.
type Kind string

const (
	CPU Kind = "cpu"
	GPU Kind = "gpu"
)

// Accelerator describes one visible GPU.
type Accelerator struct {
	Index             int    `json:"index"`
	Name              string `json:"name"`
	TotalMemory       uint64 `json:"total_memory"`
	ComputeCapability string `json:"compute_capability"`
}

// Info is the outcome of Detect.
type Info struct {
	Kind         Kind          `json:"kind"`
	Name         string        `json:"name"`
	Accelerators []Accelerator `json:"accelerators,omitempty"`
	// MemoryGrowth records that device memory is claimed incrementally
	// instead of reserved up front.
	MemoryGrowth bool     `json:"memory_growth"`
	Cores        int      `json:"cores"`
	Threads      int      `json:"threads"`
	Features     []string `json:"features,omitempty"`
}

// Detect inspects the host and returns the device to train on.
func Detect(log *zap.Logger) Info {
	log = logging.OrNop(log)
	info := cpuInfo()

	gpus, err := detectAccelerators()
	switch {
	case err != nil:
		log.Warn("GPU detection failed, training on CPU", zap.Error(err), zap.String("cpu", info.Name))
	case len(gpus) == 0:
		log.Info("no GPU available, training on CPU",
			zap.String("backend", acceleratorBackend),
			zap.String("cpu", info.Name),
			zap.Int("threads", info.Threads))
	default:
		info.Kind = GPU
		info.Name = gpus[0].Name
		info.Accelerators = gpus
		info.MemoryGrowth = true
		for _, g := range gpus {
			log.Info("GPU available",
				zap.Int("index", g.Index),
				zap.String("name", g.Name),
				zap.String("memory", humanize.IBytes(g.TotalMemory)),
				zap.String("compute", g.ComputeCapability))
		}
	}
	return info
}

func cpuInfo() Info {
	threads := cpuid.CPU.LogicalCores
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	cores := cpuid.CPU.PhysicalCores
	if cores <= 0 {
		cores = threads
	}
	name := cpuid.CPU.BrandName
	if name == "" {
		name = runtime.GOARCH
	}
	return Info{
		Kind:     CPU,
		Name:     name,
		Cores:    cores,
		Threads:  threads,
		Features: cpuid.CPU.FeatureSet(),
	}
}

// Workers is the size of the preprocessing pool for this device.
func (i Info) Workers() int {
	if i.Threads > 0 {
		return i.Threads
	}
	return runtime.NumCPU()
}

// HasAVX2 reports whether the CPU supports AVX2 vector instructions.
func (i Info) HasAVX2() bool {
	return cpuid.CPU.Supports(cpuid.AVX2)
}

func (i Info) String() string {
	if i.Kind == GPU {
		names := make([]string, len(i.Accelerators))
		for k, a := range i.Accelerators {
			names[k] = a.Name
		}
		return fmt.Sprintf("gpu (%s, memory growth=%t)", strings.Join(names, ", "), i.MemoryGrowth)
	}
	return fmt.Sprintf("cpu (%s, %d cores / %d threads)", i.Name, i.Cores, i.Threads)
}
