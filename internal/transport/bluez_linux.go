//go:build linux

package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	ncerr "sockbridge/internal/errors"
	"sockbridge/util"
)

const (
	bluezService        = "org.bluez"
	profileIface        = "org.bluez.Profile1"
	profileManagerIface = "org.bluez.ProfileManager1"
	deviceIface         = "org.bluez.Device1"
	propsIface          = "org.freedesktop.DBus.Properties"
)

var profileSeq uint64

// BlueZProvider opens RFCOMM connections through BlueZ.  Each Connect
// registers a client Profile1 for the service UUID on the system bus,
// asks the device to connect that profile and waits for BlueZ to hand
// over the socket in NewConnection.  Secure params require an
// authenticated and authorized link.
type BlueZProvider struct {
	Adapter string
	Logger  *util.Logger
}

// Open returns an unconnected endpoint for the device at p.Address.
func (bp *BlueZProvider) Open(p Params) (Endpoint, error) {
	mac, err := NormalizeMAC(p.Address)
	if err != nil {
		return nil, &ncerr.ConfigError{Field: "address", Value: p.Address, Message: err.Error()}
	}
	service := p.Service
	if service == uuid.Nil {
		service = SerialPortProfile
	}
	dev := dbus.ObjectPath(DevicePath(bp.Adapter, mac))
	remote := Descriptor{Name: mac, Address: mac}

	return NewStreamEndpoint(remote, func(ctx context.Context) (io.ReadWriteCloser, Descriptor, error) {
		return bp.connect(ctx, dev, mac, service, p.Secure)
	}), nil
}

func (bp *BlueZProvider) logger() *util.Logger {
	if bp.Logger == nil {
		return util.NewLogger(0)
	}
	return bp.Logger
}

func (bp *BlueZProvider) connect(ctx context.Context, dev dbus.ObjectPath, mac string, service uuid.UUID, secure bool) (io.ReadWriteCloser, Descriptor, error) {
	log := bp.logger()

	// A private connection: closing it must not affect other users of
	// the shared system bus.
	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, Descriptor{}, fmt.Errorf("bluez: connect system bus: %w", err)
	}

	prof := &clientProfile{device: dev, ch: make(chan *os.File, 1)}
	path := dbus.ObjectPath("/sockbridge/profile/p" + strconv.FormatUint(atomic.AddUint64(&profileSeq, 1), 10))
	if err := bus.Export(prof, path, profileIface); err != nil {
		bus.Close()
		return nil, Descriptor{}, fmt.Errorf("bluez: export profile: %w", err)
	}

	pm := bus.Object(bluezService, "/org/bluez")
	opts := map[string]dbus.Variant{
		"Role":                  dbus.MakeVariant("client"),
		"RequireAuthentication": dbus.MakeVariant(secure),
		"RequireAuthorization":  dbus.MakeVariant(secure),
	}
	release := func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
		_ = bus.Export(nil, path, profileIface)
		bus.Close()
	}
	if call := pm.CallWithContext(ctx, profileManagerIface+".RegisterProfile", 0, path, service.String(), opts); call.Err != nil {
		_ = bus.Export(nil, path, profileIface)
		bus.Close()
		return nil, Descriptor{}, fmt.Errorf("bluez: RegisterProfile: %w", call.Err)
	}

	devObj := bus.Object(bluezService, dev)
	name := mac
	if v, err := devObj.GetProperty(deviceIface + ".Alias"); err == nil {
		if s, ok := v.Value().(string); ok && s != "" {
			name = s
		}
	}

	log.Verbose("bluez: connecting profile %s on %s", service, dev)
	if call := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, service.String()); call.Err != nil {
		release()
		if ctx.Err() != nil {
			return nil, Descriptor{}, ctx.Err()
		}
		return nil, Descriptor{}, ncerr.Wrap("connect", mac, call.Err)
	}

	select {
	case <-ctx.Done():
		_ = devObj.Call(deviceIface+".DisconnectProfile", 0, service.String()).Err
		release()
		return nil, Descriptor{}, ctx.Err()
	case f := <-prof.ch:
		conn := &rfcommConn{File: f, teardown: func() {
			_ = devObj.Call(deviceIface+".DisconnectProfile", 0, service.String()).Err
			release()
		}}
		return conn, Descriptor{Name: name, Address: mac}, nil
	}
}

// clientProfile implements org.bluez.Profile1 for a single outgoing
// connection.
type clientProfile struct {
	device dbus.ObjectPath

	mu       sync.Mutex
	ch       chan *os.File
	accepted bool
}

func (p *clientProfile) Release() *dbus.Error { return nil }

func (p *clientProfile) RequestDisconnection(dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection receives the connected RFCOMM socket.  Only the first
// connection from the expected device is kept.
func (p *clientProfile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.accepted || dev != p.device {
		syscall.Close(int(fd))
		return dbus.NewError("org.bluez.Error.Rejected", []interface{}{"unexpected connection"})
	}
	// Non-blocking so the runtime poller can interrupt reads.
	if err := syscall.SetNonblock(int(fd), true); err != nil {
		syscall.Close(int(fd))
		return dbus.NewError("org.bluez.Error.Rejected", []interface{}{err.Error()})
	}
	p.accepted = true
	p.ch <- os.NewFile(uintptr(fd), "rfcomm:"+MACFromPath(string(dev)))
	return nil
}

// rfcommConn is the socket handed over by BlueZ.  Closing it also
// disconnects the profile and unregisters it.
type rfcommConn struct {
	*os.File
	once     sync.Once
	teardown func()
}

func (c *rfcommConn) Close() error {
	err := c.File.Close()
	c.once.Do(c.teardown)
	return err
}
