package transport

import (
	"context"
	"io"

	"go.bug.st/serial"

	ncerr "sockbridge/internal/errors"
)

// DefaultBaudRate matches the usual RFCOMM tty setting.
const DefaultBaudRate = 115200

// SerialProvider opens RFCOMM ttys (/dev/rfcommN bound with rfcomm(1))
// and other serial devices.  The port is opened in Connect; reads block
// until data arrives or the port is closed.
type SerialProvider struct {
	BaudRate int

	// open is replaced in tests.
	open func(name string, mode *serial.Mode) (serial.Port, error)
}

func (sp *SerialProvider) mode() *serial.Mode {
	baud := sp.BaudRate
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// Open returns an unconnected endpoint for the device at p.Address.
func (sp *SerialProvider) Open(p Params) (Endpoint, error) {
	if p.Address == "" {
		return nil, &ncerr.ConfigError{
			Field:   "address",
			Message: "serial transport needs a device path",
			Hint:    "bind one first, e.g. rfcomm bind 0 <MAC> 1 && use /dev/rfcomm0",
		}
	}
	open := sp.open
	if open == nil {
		open = serial.Open
	}
	name := p.Address
	remote := Descriptor{Name: name, Address: name}

	return NewStreamEndpoint(remote, func(ctx context.Context) (io.ReadWriteCloser, Descriptor, error) {
		if err := ctx.Err(); err != nil {
			return nil, Descriptor{}, err
		}
		port, err := open(name, sp.mode())
		if err != nil {
			return nil, Descriptor{}, ncerr.Wrap("open", name, err)
		}
		if err := port.SetReadTimeout(serial.NoTimeout); err != nil {
			port.Close()
			return nil, Descriptor{}, ncerr.Wrap("configure", name, err)
		}
		return port, remote, nil
	}), nil
}

// ListPorts returns the serial devices present on the system.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
