//go:build !cuda

package engine

import G "gorgonia.org/gorgonia"

// machineOptions ignores useCUDA in builds without the cuda tag.
func machineOptions(useCUDA bool) []G.VMOpt {
	return nil
}
