//go:build !cgo
// +build !cgo

package inference

import "github.com/cardvision/cardback/export"

func openSession(string, export.ModelInfo, Options) (Session, error) {
	return nil, ErrUnavailable
}
