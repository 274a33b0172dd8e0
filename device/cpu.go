//go:build !cuda
// +build !cuda

package device

const acceleratorBackend = "none (built without cuda tag)"

func detectAccelerators() ([]Accelerator, error) {
	return nil, nil
}
