package serial

import (
	"errors"
	"fmt"
	"io"
	"os"

	goserial "github.com/jacobsa/go-serial/serial"
)

// DefaultBaudRate is used when a board model does not name one.
const DefaultBaudRate = 115200

// Port is the byte transport underneath a Channel.
type Port interface {
	io.ReadWriteCloser
}

// Flusher is implemented by ports that can discard OS-level buffers.
type Flusher interface {
	Flush() error
}

// ModemLines is implemented by ports exposing RTS/DTR control.
type ModemLines interface {
	SetRTS(on bool) error
	SetDTR(on bool) error
}

// Opener opens the Port described by cfg.
type Opener func(cfg Config) (Port, error)

var errNoModemLines = errors.New("serial: port has no modem control lines")

// errIdle is returned by a device read that timed out without data. The
// reader uses it to notice a Close while the board is silent.
var errIdle = errors.New("serial: idle")

// idleTimeoutMS is the inter-character timeout of device reads. A silent line
// returns from read(2) this often, which bounds how long Close waits.
const idleTimeoutMS = 100

// OpenDevice opens a tty device for exclusive use.
func OpenDevice(cfg Config) (Port, error) {
	baud := cfg.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}
	rwc, err := goserial.Open(goserial.OpenOptions{
		PortName:              cfg.Device,
		BaudRate:              uint(baud),
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       0,
		InterCharacterTimeout: idleTimeoutMS,
	})
	if err != nil {
		return nil, err
	}
	p := &devicePort{ReadWriteCloser: rwc, path: cfg.Device}
	if fd, ok := p.fd(); ok {
		if err := lockExclusive(fd); err != nil {
			rwc.Close()
			return nil, fmt.Errorf("lock %s: %w", cfg.Device, err)
		}
	}
	return p, nil
}

type devicePort struct {
	io.ReadWriteCloser
	path string
}

// Read returns errIdle when the inter-character timeout expires with no data.
// A zero-length read on a device node that no longer exists is a hangup.
func (d *devicePort) Read(b []byte) (int, error) {
	n, err := d.ReadWriteCloser.Read(b)
	if n == 0 && errors.Is(err, io.EOF) {
		if _, statErr := os.Stat(d.path); statErr != nil {
			return 0, io.EOF
		}
		return 0, errIdle
	}
	return n, err
}

// Close drops the exclusive lock, then the descriptor.
func (d *devicePort) Close() error {
	if fd, ok := d.fd(); ok {
		unlockExclusive(fd)
	}
	return d.ReadWriteCloser.Close()
}

func (d *devicePort) fd() (uintptr, bool) {
	f, ok := d.ReadWriteCloser.(interface{ Fd() uintptr })
	if !ok {
		return 0, false
	}
	return f.Fd(), true
}

func (d *devicePort) Flush() error {
	fd, ok := d.fd()
	if !ok {
		return nil
	}
	return flushBuffers(fd)
}

func (d *devicePort) SetRTS(on bool) error {
	fd, ok := d.fd()
	if !ok {
		return errNoModemLines
	}
	return setRTS(fd, on)
}

func (d *devicePort) SetDTR(on bool) error {
	fd, ok := d.fd()
	if !ok {
		return errNoModemLines
	}
	return setDTR(fd, on)
}
