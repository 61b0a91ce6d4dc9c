//go:build !linux

package transport

import (
	ncerr "sockbridge/internal/errors"
	"sockbridge/util"
)

// BlueZProvider is only available on Linux.
type BlueZProvider struct {
	Adapter string
	Logger  *util.Logger
}

// Open always fails with ErrNotSupported.
func (bp *BlueZProvider) Open(p Params) (Endpoint, error) {
	return nil, ncerr.Wrap("open", p.Address, ncerr.ErrNotSupported)
}
