package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
)

// CMSIS-DAP command IDs used for target reset.
const (
	dapConnect     = 0x02
	dapDisconnect  = 0x03
	dapResetTarget = 0x0A

	dapPortSWD  = 0x01
	dapStatusOK = 0x00

	dapPacketSize = 64
)

// ErrProbeNotFound is returned when no attached CMSIS-DAP probe matches.
var ErrProbeNotFound = errors.New("probe: cmsis-dap probe not found")

// dapTransport carries CMSIS-DAP packets.
type dapTransport interface {
	WriteRead(cmd []byte) ([]byte, error)
	Close() error
}

// CMSISDAPResetter hard-resets a target through the reset line of a
// CMSIS-DAP probe.
type CMSISDAPResetter struct {
	// SerialNumber selects a probe; empty picks the first one found.
	SerialNumber string
	Timeout      time.Duration

	open func(serial string) (dapTransport, error)
}

// NewCMSISDAPResetter returns a resetter for the probe with the given serial.
func NewCMSISDAPResetter(serial string) *CMSISDAPResetter {
	return &CMSISDAPResetter{SerialNumber: serial, Timeout: 5 * time.Second}
}

// Reset connects in SWD mode, pulses the target reset and disconnects.
func (r *CMSISDAPResetter) Reset(ctx context.Context) error {
	open := r.open
	if open == nil {
		open = r.openUSB
	}
	t, err := open(r.SerialNumber)
	if err != nil {
		return err
	}
	defer t.Close()

	if err := ctx.Err(); err != nil {
		return err
	}
	return resetTarget(t)
}

func resetTarget(t dapTransport) error {
	resp, err := t.WriteRead([]byte{dapConnect, dapPortSWD})
	if err != nil {
		return fmt.Errorf("probe: DAP_Connect: %w", err)
	}
	if len(resp) < 2 || resp[0] != dapConnect || resp[1] == 0 {
		return fmt.Errorf("probe: DAP_Connect rejected: % x", resp)
	}

	resetErr := expectStatus(t, []byte{dapResetTarget}, "DAP_ResetTarget")
	disconnectErr := expectStatus(t, []byte{dapDisconnect}, "DAP_Disconnect")
	return errors.Join(resetErr, disconnectErr)
}

func expectStatus(t dapTransport, cmd []byte, name string) error {
	resp, err := t.WriteRead(cmd)
	if err != nil {
		return fmt.Errorf("probe: %s: %w", name, err)
	}
	if len(resp) < 2 || resp[0] != cmd[0] {
		return fmt.Errorf("probe: %s: malformed response % x", name, resp)
	}
	if resp[1] != dapStatusOK {
		return fmt.Errorf("probe: %s: status 0x%02x", name, resp[1])
	}
	return nil
}

type usbDAP struct {
	ctx   *gousb.Context
	dev   *gousb.Device
	cfg   *gousb.Config
	intf  *gousb.Interface
	out   *gousb.OutEndpoint
	in    *gousb.InEndpoint
	psize int
}

func (r *CMSISDAPResetter) openUSB(serial string) (dapTransport, error) {
	usb := gousb.NewContext()
	devs, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		known, ok := classify(desc)
		return ok && known.Kind == ProbeKindCMSISDAP
	})
	if err != nil && !errors.Is(err, gousb.ErrorAccess) {
		closeAll(devs)
		usb.Close()
		return nil, fmt.Errorf("probe: enumerate usb: %w", err)
	}

	var chosen *gousb.Device
	for _, d := range devs {
		sn, _ := d.SerialNumber()
		if chosen == nil && (serial == "" || sameSerial(sn, serial)) {
			chosen = d
			continue
		}
		d.Close()
	}
	if chosen == nil {
		usb.Close()
		return nil, fmt.Errorf("%w (serial %q)", ErrProbeNotFound, serial)
	}

	t := &usbDAP{ctx: usb, dev: chosen, psize: dapPacketSize}
	if err := t.claim(); err != nil {
		t.Close()
		return nil, err
	}
	if r.Timeout > 0 {
		chosen.ControlTimeout = r.Timeout
	}
	return t, nil
}

func closeAll(devs []*gousb.Device) {
	for _, d := range devs {
		d.Close()
	}
}

// claim opens the vendor-class interface carrying the CMSIS-DAP v2 bulk
// endpoints.
func (t *usbDAP) claim() error {
	t.dev.SetAutoDetach(true)
	cfg, err := t.dev.Config(1)
	if err != nil {
		return fmt.Errorf("probe: usb config: %w", err)
	}
	t.cfg = cfg

	num := 0
	for _, intf := range cfg.Desc.Interfaces {
		if len(intf.AltSettings) > 0 && intf.AltSettings[0].Class == gousb.ClassVendorSpec {
			num = intf.Number
			break
		}
	}
	intf, err := cfg.Interface(num, 0)
	if err != nil {
		return fmt.Errorf("probe: claim interface %d: %w", num, err)
	}
	t.intf = intf

	var outNum, inNum int
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch {
		case ep.Direction == gousb.EndpointDirectionOut && outNum == 0:
			outNum = ep.Number
		case ep.Direction == gousb.EndpointDirectionIn && inNum == 0:
			inNum = ep.Number
			t.psize = ep.MaxPacketSize
		}
	}
	if outNum == 0 || inNum == 0 {
		return errors.New("probe: cmsis-dap bulk endpoints not found")
	}
	if t.out, err = intf.OutEndpoint(outNum); err != nil {
		return fmt.Errorf("probe: open OUT endpoint: %w", err)
	}
	if t.in, err = intf.InEndpoint(inNum); err != nil {
		return fmt.Errorf("probe: open IN endpoint: %w", err)
	}
	return nil
}

func (t *usbDAP) WriteRead(cmd []byte) ([]byte, error) {
	packet := make([]byte, t.psize)
	copy(packet, cmd)
	if _, err := t.out.Write(packet); err != nil {
		return nil, fmt.Errorf("usb write: %w", err)
	}
	resp := make([]byte, t.psize)
	n, err := t.in.Read(resp)
	if err != nil {
		return nil, fmt.Errorf("usb read: %w", err)
	}
	return resp[:n], nil
}

func (t *usbDAP) Close() error {
	if t.intf != nil {
		t.intf.Close()
	}
	if t.cfg != nil {
		t.cfg.Close()
	}
	if t.dev != nil {
		t.dev.Close()
	}
	if t.ctx != nil {
		t.ctx.Close()
	}
	return nil
}
