//go:build cuda

package engine

import G "gorgonia.org/gorgonia"

// machineOptions offloads supported ops to CUDA when requested.
func machineOptions(useCUDA bool) []G.VMOpt {
	if !useCUDA {
		return nil
	}
	return []G.VMOpt{G.UseCudaFor()}
}
